// Package xdpnet bridges a bound endpoint to a gVisor userspace network
// stack: inbound frames handed to the endpoint's RX ring are injected
// into the stack's virtual NIC, and packets the stack writes to that
// NIC are drained back out through the endpoint's TX ring. It exists
// to demonstrate the endpoint/device/umem layers carrying real traffic,
// not as a general-purpose routing component.
package xdpnet

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/afxdp/xskcore/endpoint"
)

const (
	defaultNICID        = tcpip.NICID(1)
	defaultQueueDepth   = 256
	etherHeaderSize     = 14
	ipHeaderMinSize     = 20
	minIngressBatch     = 1
	defaultIngressBatch = 64
)

var etherTypeIPv4 = [2]byte{0x08, 0x00}

// Bridge owns a gVisor stack with a single channel-backed NIC and
// drives an endpoint's RX/TX rings to carry that NIC's traffic.
type Bridge struct {
	Stack  *stack.Stack
	LinkEP *channel.Endpoint

	ep      *endpoint.Endpoint
	srcMAC  [6]byte
	dstMAC  [6]byte
	mtu     uint32
	batch   int
	limiter *rate.Limiter

	rxDropped atomic.Uint64
	txDropped atomic.Uint64
}

// Config configures a Bridge.
type Config struct {
	// LocalAddress/Gateway/PrefixLen set up the NIC's IPv4 configuration.
	LocalAddress string
	Gateway      string
	PrefixLen    int

	// SourceMAC/DestMAC are the Ethernet addresses stamped on frames
	// leaving the bridge towards the device. DestMAC may be learned
	// from the first received frame if left zero.
	SourceMAC [6]byte
	DestMAC   [6]byte

	MTU uint32

	// IngressBatch is stored on the Bridge; values below minIngressBatch
	// are replaced by defaultIngressBatch. No Bridge method reads it.
	IngressBatch int
}

// New builds a Bridge over ep, with a fresh gVisor stack and a single
// IPv4 NIC backed by a channel.Endpoint.
func New(ep *endpoint.Endpoint, cfg Config) (*Bridge, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}
	linkEP := channel.New(defaultQueueDepth, mtu, "")

	if err := s.CreateNIC(defaultNICID, linkEP); err != nil {
		return nil, errors.New("xdpnet: create nic: " + err.String())
	}

	addr, err := parseIPv4(cfg.LocalAddress)
	if err != nil {
		return nil, err
	}
	prefixLen := cfg.PrefixLen
	if prefixLen == 0 {
		prefixLen = 24
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}
	if err := s.AddProtocolAddress(defaultNICID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, errors.New("xdpnet: add protocol address: " + err.String())
	}

	if cfg.Gateway != "" {
		gw, err := parseIPv4(cfg.Gateway)
		if err != nil {
			return nil, err
		}
		s.SetRouteTable([]tcpip.Route{{
			Destination: header.IPv4EmptySubnet,
			Gateway:     gw,
			NIC:         defaultNICID,
		}})
	}

	batch := cfg.IngressBatch
	if batch < minIngressBatch {
		batch = defaultIngressBatch
	}

	return &Bridge{
		Stack:   s,
		LinkEP:  linkEP,
		ep:      ep,
		srcMAC:  cfg.SourceMAC,
		dstMAC:  cfg.DestMAC,
		mtu:     mtu,
		batch:   batch,
		limiter: rate.NewLimiter(rate.Every(10*time.Microsecond), 1),
	}, nil
}

func parseIPv4(s string) (tcpip.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return tcpip.Address{}, errors.New("xdpnet: invalid IPv4 address " + s)
	}
	return tcpip.AddrFromSlice(ip.To4()), nil
}

// DeliverInbound takes one frame already placed in the endpoint's RX
// ring's backing UMEM (by a Receive/ReceiveAndFlush call upstream) and
// injects its IP payload into the stack, learning the peer's source MAC
// on first contact.
func (b *Bridge) DeliverInbound(frame []byte) {
	if len(frame) < etherHeaderSize+ipHeaderMinSize {
		b.rxDropped.Add(1)
		return
	}
	if b.dstMAC == ([6]byte{}) {
		copy(b.dstMAC[:], frame[6:12])
	}
	ipPacket := frame[etherHeaderSize:]
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), ipPacket...)),
	})
	b.LinkEP.InjectInbound(ipv4.ProtocolNumber, pkt)
	pkt.DecRef()
}

// PumpEgress reads outbound IP packets the stack has produced and
// hands each, with an Ethernet header prepended, to the endpoint's TX
// path via send. It runs until ctx is canceled. Reads are paced with a
// rate limiter rather than a manually doubled sleep, backing off only
// when send reports no work was possible.
func (b *Bridge) PumpEgress(ctx context.Context, send func(frame []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt := b.LinkEP.ReadContext(ctx)
		if pkt == nil {
			continue
		}
		ipData := pkt.ToView().AsSlice()
		pkt.DecRef()

		frame := make([]byte, etherHeaderSize+len(ipData))
		copy(frame[0:6], b.dstMAC[:])
		copy(frame[6:12], b.srcMAC[:])
		copy(frame[12:14], etherTypeIPv4[:])
		copy(frame[etherHeaderSize:], ipData)

		if err := send(frame); err != nil {
			b.txDropped.Add(1)
			if err := b.limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// RxDropped returns the count of inbound frames DeliverInbound rejected
// as too short to carry an Ethernet+IP header.
func (b *Bridge) RxDropped() uint64 { return b.rxDropped.Load() }

// TxDropped returns the count of outbound frames send rejected.
func (b *Bridge) TxDropped() uint64 { return b.txDropped.Load() }

// Close tears down the NIC's channel endpoint.
func (b *Bridge) Close() {
	b.LinkEP.Close()
}
