// Package statsview renders an endpoint's observable state as a
// styled table, shared by the xskstat and xskdemo commands.
package statsview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/afxdp/xskcore/endpoint"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4FC1FF"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CE9178"))
	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#DCDCAA"))
	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F44747"))
)

// Render produces a styled, multi-line snapshot of ep's state,
// bind target, poll readiness, and counters.
func Render(title string, ep *endpoint.Endpoint) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(title) + "\n")

	ifindex, queueID, bound := ep.DeviceQueue()
	b.WriteString(labelStyle.Render("state ") + valueStyle.Render(ep.State().String()) + "\n")
	if bound {
		b.WriteString(labelStyle.Render("device") + " " +
			valueStyle.Render(fmt.Sprintf("ifindex=%d queue=%d", ifindex, queueID)) + "\n")
	}

	readable, writable := ep.Poll()
	b.WriteString(labelStyle.Render("poll  ") + " " +
		valueStyle.Render(fmt.Sprintf("readable=%v writable=%v", readable, writable)) + "\n")

	stats := ep.Statistics()
	b.WriteString(labelStyle.Render("rx_dropped      ") + " " + counter(stats.RxDropped) + "\n")
	b.WriteString(labelStyle.Render("rx_invalid_descs") + " " + counter(stats.RxInvalidDescs) + "\n")
	b.WriteString(labelStyle.Render("tx_invalid_descs") + " " + counter(stats.TxInvalidDescs) + "\n")

	return b.String()
}

func counter(n uint64) string {
	if n > 0 {
		return warnStyle.Render(fmt.Sprintf("%d", n))
	}
	return valueStyle.Render("0")
}
