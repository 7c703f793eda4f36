// Package xdpfam holds the single process-wide registration record for
// this endpoint family's address family, matching Design Notes'
// "global protocol-family registration": a single record, registered at
// module init and unregistered at teardown, with no other per-endpoint
// shared mutable state.
package xdpfam

import (
	"errors"
	"sync"
)

// AddressFamily is the well-known constant identifying this endpoint
// family; endpoint.Bind rejects any other family value.
// device.XDPResolver.RegisterSocket keys its XSKMAP by queue id and
// does not use this constant.
const AddressFamily = 44 // matches AF_XDP's reserved value on Linux

// ErrAlreadyRegistered is returned by Register when called twice
// without an intervening Unregister.
var ErrAlreadyRegistered = errors.New("xdpfam: address family already registered")

// ErrNotRegistered is returned by Unregister when called without a
// matching Register.
var ErrNotRegistered = errors.New("xdpfam: address family not registered")

var (
	mu         sync.Mutex
	registered bool
)

// Register marks the address family as active for this process. Call
// once at module/program initialization.
func Register() error {
	mu.Lock()
	defer mu.Unlock()
	if registered {
		return ErrAlreadyRegistered
	}
	registered = true
	return nil
}

// Unregister marks the address family as inactive. Call once at
// teardown.
func Unregister() error {
	mu.Lock()
	defer mu.Unlock()
	if !registered {
		return ErrNotRegistered
	}
	registered = false
	return nil
}

// Registered reports whether Register has been called without a
// matching Unregister.
func Registered() bool {
	mu.Lock()
	defer mu.Unlock()
	return registered
}
