// Command xskdemo wires a UMEM, a loopback device, an endpoint and
// the gVisor netstack bridge together end to end: a synthetic IPv4
// packet is pushed through RX into the stack, the stack's reply is
// drained back out through TX.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/afxdp/xskcore/device"
	"github.com/afxdp/xskcore/endpoint"
	"github.com/afxdp/xskcore/internal/statsview"
	"github.com/afxdp/xskcore/ring"
	"github.com/afxdp/xskcore/umem"
	"github.com/afxdp/xskcore/xdpfam"
	"github.com/afxdp/xskcore/xdpnet"
)

const (
	cpuRXProcessing = 0
	cpuTXProcessing = 1

	frameSize   = 2048
	headroom    = 256
	numFrames   = 256
	ringEntries = 64
	mtu         = 1500
)

// setCPUAffinity pins the calling OS thread to cpuCore, falling back
// to core 0 if the requested core does not exist.
func setCPUAffinity(cpuCore int) error {
	runtime.LockOSThread()

	numCPU := runtime.NumCPU()
	if cpuCore >= numCPU {
		cpuCore = 0
	}

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpuCore)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
		return fmt.Errorf("set cpu affinity to core %d: %w", cpuCore, err)
	}
	return nil
}

func detectTopology() {
	numCPU := runtime.NumCPU()
	fmt.Printf("topology: %d cpu cores detected\n", numCPU)
	if numCPU >= 2 {
		fmt.Printf("  core %d: rx processing\n", cpuRXProcessing)
		fmt.Printf("  core %d: tx processing\n", cpuTXProcessing)
	} else {
		fmt.Println("  single core detected, affinity pinning skipped")
	}
}

func buildEndpoint(loop *device.Loopback) (*endpoint.Endpoint, error) {
	ep := endpoint.New(loop)

	if err := ep.RegisterMappedUMEM(numFrames, frameSize, headroom); err != nil {
		return nil, fmt.Errorf("register umem: %w", err)
	}
	if err := ep.AttachFill(ringEntries); err != nil {
		return nil, fmt.Errorf("attach fill: %w", err)
	}
	if err := ep.AttachCompletion(ringEntries); err != nil {
		return nil, fmt.Errorf("attach completion: %w", err)
	}
	if err := ep.CreateRX(ringEntries); err != nil {
		return nil, fmt.Errorf("create rx: %w", err)
	}
	if err := ep.CreateTX(ringEntries); err != nil {
		return nil, fmt.Errorf("create tx: %w", err)
	}

	fq := ep.UMEM().Fill()
	n, pos := fq.Reserve(ringEntries)
	for i := uint32(0); i < n; i++ {
		fq.Set(pos+i, i)
	}
	fq.Publish(n)

	if err := ep.Bind(endpoint.BindRequest{Family: xdpfam.AddressFamily, Ifindex: loop.Ifindex(), QueueID: 0}); err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	return ep, nil
}

// sendViaTX places data on the endpoint's TX ring and drains it
// through Xmit, used as the PumpEgress sink.
func sendViaTX(ep *endpoint.Endpoint, u *umem.UMEM) func([]byte) error {
	return func(data []byte) error {
		fq := u.Fill()
		fn, fpos := fq.Peek(1)
		if fn == 0 {
			return fmt.Errorf("xskdemo: no free frame for egress")
		}
		idx := fq.Get(fpos)
		fq.Release(1)

		dst := u.Frame(idx)
		n := len(data)
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst[:n], data[:n])

		rn, rpos := ep.TXRing().Reserve(1)
		if rn == 0 {
			return fmt.Errorf("xskdemo: tx ring full")
		}
		ep.TXRing().Set(rpos, ring.Descriptor{Idx: idx, Len: uint32(n), Offset: 0})
		if err := ep.TXRing().Publish(1); err != nil {
			return err
		}
		_, err := ep.Xmit(1)
		return err
	}
}

// runRealNIC loads an XDP object file, attaches it to a real
// interface, and binds an endpoint to that interface's queue 0 in
// place of the loopback device. It demonstrates the attach/resolve/
// detach sequence of device.XDPResolver end to end.
//
// RegisterSocket is deliberately not called here: it inserts a kernel
// AF_XDP socket fd into the program's XSKMAP, and this module's
// Endpoint never opens a real PF_XDP socket (see DESIGN.md). Without
// that fd, the attached program's redirects have nowhere in-process to
// land, so this path attaches and resolves the program but does not
// carry real traffic.
func runRealNIC(ifaceName, xdpObjPath string, duration time.Duration) error {
	ifindex, err := device.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("resolve interface %q: %w", ifaceName, err)
	}

	spec, err := ebpf.LoadCollectionSpec(xdpObjPath)
	if err != nil {
		return fmt.Errorf("load xdp object %q: %w", xdpObjPath, err)
	}

	resolver, err := device.NewXDPResolver(spec, device.XDPResolverOpts{
		ProgramName: "xdp_redirect",
		XSKSMapName: "xsks_map",
		QueueCount:  1,
		MTU:         mtu,
	})
	if err != nil {
		return fmt.Errorf("load xdp program: %w", err)
	}
	defer resolver.Close()

	handle, err := resolver.Resolve(ifindex)
	if err != nil {
		return fmt.Errorf("attach xdp program to ifindex %d: %w", ifindex, err)
	}
	defer handle.Close()

	ep := endpoint.New(handle)
	if err := ep.RegisterMappedUMEM(numFrames, frameSize, headroom); err != nil {
		return fmt.Errorf("register umem: %w", err)
	}
	if err := ep.AttachFill(ringEntries); err != nil {
		return fmt.Errorf("attach fill: %w", err)
	}
	if err := ep.AttachCompletion(ringEntries); err != nil {
		return fmt.Errorf("attach completion: %w", err)
	}
	if err := ep.CreateRX(ringEntries); err != nil {
		return fmt.Errorf("create rx: %w", err)
	}
	if err := ep.CreateTX(ringEntries); err != nil {
		return fmt.Errorf("create tx: %w", err)
	}

	fq := ep.UMEM().Fill()
	n, pos := fq.Reserve(ringEntries)
	for i := uint32(0); i < n; i++ {
		fq.Set(pos+i, i)
	}
	fq.Publish(n)

	if err := ep.Bind(endpoint.BindRequest{Family: xdpfam.AddressFamily, Ifindex: ifindex, QueueID: 0}); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer ep.Close()

	fmt.Printf("xskdemo: xdp program attached to %s (ifindex %d)\n", ifaceName, ifindex)
	time.Sleep(duration)
	fmt.Print(statsview.Render("xskdemo (real nic, final)", ep))
	return nil
}

func main() {
	duration := flag.Duration("duration", 3*time.Second, "how long to run the demo loop")
	iface := flag.String("iface", "", "real network interface to attach an XDP program to (requires -xdp-object); when unset, runs the loopback demo instead")
	xdpObject := flag.String("xdp-object", "", "path to a compiled XDP object file exposing an xdp_redirect program and an xsks_map")
	flag.Parse()

	if _, err := rlimit.RemoveMemlock(); err != nil {
		fmt.Fprintln(os.Stderr, "xskdemo: remove memlock rlimit:", err)
	}

	if err := xdpfam.Register(); err != nil {
		fmt.Fprintln(os.Stderr, "xskdemo: register address family:", err)
		os.Exit(1)
	}
	defer xdpfam.Unregister()

	if *iface != "" {
		if *xdpObject == "" {
			fmt.Fprintln(os.Stderr, "xskdemo: -iface requires -xdp-object")
			os.Exit(1)
		}
		if err := runRealNIC(*iface, *xdpObject, *duration); err != nil {
			fmt.Fprintln(os.Stderr, "xskdemo:", err)
			os.Exit(1)
		}
		return
	}

	detectTopology()

	loop := device.NewLoopback(1, 1, mtu)
	ep, err := buildEndpoint(loop)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xskdemo:", err)
		os.Exit(1)
	}
	defer ep.Close()

	bridge, err := xdpnet.New(ep, xdpnet.Config{
		LocalAddress: "10.0.0.2",
		Gateway:      "10.0.0.1",
		PrefixLen:    24,
		SourceMAC:    [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		MTU:          mtu,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "xskdemo: build bridge:", err)
		os.Exit(1)
	}
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go func() {
		if runtime.NumCPU() >= 2 {
			if err := setCPUAffinity(cpuTXProcessing); err != nil {
				fmt.Fprintln(os.Stderr, "xskdemo: cpu affinity:", err)
			}
		}
		bridge.PumpEgress(ctx, sendViaTX(ep, ep.UMEM()))
	}()

	if runtime.NumCPU() >= 2 {
		if err := setCPUAffinity(cpuRXProcessing); err != nil {
			fmt.Fprintln(os.Stderr, "xskdemo: cpu affinity:", err)
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Print(statsview.Render("xskdemo (final)", ep))
			return
		case <-ticker.C:
			if err := ep.Receive(endpoint.InboundFrame{Ifindex: 1, QueueID: 0, Data: syntheticFrame()}); err != nil {
				ep.Flush()
				continue
			}
			if desc, ok := lastReceivedDesc(ep); ok {
				bridge.DeliverInbound(ep.UMEM().FrameAt(desc))
			}
			ep.Flush()
		}
	}
}

// syntheticFrame fabricates a minimal Ethernet+IPv4 frame so the demo
// has something to push through the stack without a real NIC.
func syntheticFrame() []byte {
	f := make([]byte, 14+20)
	copy(f[0:6], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	copy(f[6:12], []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})
	f[12], f[13] = 0x08, 0x00
	ip := f[14:]
	ip[0] = 0x45
	ip[9] = 17 // UDP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	return f
}

func lastReceivedDesc(ep *endpoint.Endpoint) (ring.Descriptor, bool) {
	rx := ep.RXRing()
	n, pos := rx.Peek(1)
	if n == 0 {
		return ring.Descriptor{}, false
	}
	desc := rx.Get(pos)
	rx.Release(1)
	return desc, true
}
