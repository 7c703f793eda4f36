// Command xskstat drives a loopback endpoint with synthetic traffic
// and renders its statistics table as a live bubbletea program, a
// self-contained way to inspect the counters without a real NIC.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/afxdp/xskcore/device"
	"github.com/afxdp/xskcore/endpoint"
	"github.com/afxdp/xskcore/internal/statsview"
	"github.com/afxdp/xskcore/xdpfam"
)

const (
	frameSize = 2048
	headroom  = 256
	mtu       = 1500
)

var helpStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#CE9178"))

func mustBuildEndpoint(loop *device.Loopback) *endpoint.Endpoint {
	ep := endpoint.New(loop)
	if err := ep.RegisterMappedUMEM(64, frameSize, headroom); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: register umem:", err)
		os.Exit(1)
	}
	if err := ep.AttachFill(64); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: attach fill:", err)
		os.Exit(1)
	}
	if err := ep.AttachCompletion(64); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: attach completion:", err)
		os.Exit(1)
	}
	if err := ep.CreateRX(64); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: create rx:", err)
		os.Exit(1)
	}
	if err := ep.CreateTX(64); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: create tx:", err)
		os.Exit(1)
	}

	fq := ep.UMEM().Fill()
	n, pos := fq.Reserve(64)
	for i := uint32(0); i < n; i++ {
		fq.Set(pos+i, i)
	}
	fq.Publish(n)

	if err := ep.Bind(endpoint.BindRequest{Family: xdpfam.AddressFamily, Ifindex: loop.Ifindex(), QueueID: 0}); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: bind:", err)
		os.Exit(1)
	}
	return ep
}

type tickMsg time.Time

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// model is a minimal bubbletea program: each tick it pushes one
// synthetic frame through the endpoint's RX path and re-renders the
// statistics table, quitting on q/ctrl+c.
type model struct {
	ep       *endpoint.Endpoint
	loop     *device.Loopback
	interval time.Duration
}

func (m model) Init() tea.Cmd {
	return tickEvery(m.interval)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.ep.Receive(endpoint.InboundFrame{
			Ifindex: m.loop.Ifindex(),
			QueueID: 0,
			Data:    []byte("xskstat-probe"),
		})
		return m, tickEvery(m.interval)
	}
	return m, nil
}

func (m model) View() string {
	return statsview.Render("xskstat", m.ep) + "\n" +
		helpStyle.Render("press q to quit")
}

func main() {
	interval := flag.Duration("interval", time.Second, "refresh interval")
	once := flag.Bool("once", false, "print a single snapshot and exit, without the interactive program")
	flag.Parse()

	if err := xdpfam.Register(); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat: register address family:", err)
		os.Exit(1)
	}
	defer xdpfam.Unregister()

	loop := device.NewLoopback(1, 1, mtu)
	ep := mustBuildEndpoint(loop)

	if *once {
		ep.Receive(endpoint.InboundFrame{Ifindex: loop.Ifindex(), QueueID: 0, Data: []byte("xskstat-probe")})
		fmt.Println(statsview.Render("xskstat", ep))
		return
	}

	m := model{ep: ep, loop: loop, interval: *interval}
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "xskstat:", err)
		os.Exit(1)
	}
}
