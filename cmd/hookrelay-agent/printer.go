package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/client"
	"github.com/charmbracelet/lipgloss"
)

var (
	eventStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printer acknowledges every webhook after writing one line for it.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
}

func newPrinter(out io.Writer, styled bool) *printer {
	return &printer{out: out, styled: styled}
}

func (p *printer) HandleWebhook(_ context.Context, ev client.Event) client.Result {
	name := "(unparsed)"
	workspace := "-"
	if h, err := ev.Header(); err == nil {
		name, workspace = h.Event, h.WorkspaceID
	}
	at := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339)
	if p.styled {
		name = eventStyle.Render(name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s workspace=%s id=%s %s\n", at, name, workspace, ev.ID, ev.Payload)
	return client.Ack()
}

func (p *printer) status(state, detail string) {
	line := fmt.Sprintf("[%s] %s", state, detail)
	if p.styled {
		line = statusStyle.Render(line)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}
