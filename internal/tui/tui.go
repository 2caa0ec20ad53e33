// Package tui renders `hookrelay top`, a live view of connected agents.
package tui

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Connection is one row of the connections table.
type Connection struct {
	RelayID     string    `json:"relay_id"`
	SessionID   string    `json:"session_id"`
	Remote      string    `json:"remote"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPongAt  time.Time `json:"last_pong_at"`
}

type Snapshot struct {
	Healthy     bool
	Connections []Connection
	PendingAcks int
	Goroutines  int
	LastError   string
	Uptime      time.Duration
	TakenAt     time.Time
}

type StatusProvider func() Snapshot

const refreshInterval = time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
	// staleAfter marks a connection whose last pong is older than this.
	staleAfter time.Duration
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("hookrelay top") + "\n\n")

	health := okStyle.Render("healthy")
	if !m.snap.Healthy {
		health = errStyle.Render("unhealthy")
	}
	fmt.Fprintf(&b, "Relay: %s   Agents: %d   Pending Acks: %d   Goroutines: %d   Uptime: %s\n\n",
		health, len(m.snap.Connections), m.snap.PendingAcks, m.snap.Goroutines, m.snap.Uptime.Truncate(time.Second))

	if len(m.snap.Connections) == 0 {
		b.WriteString(dimStyle.Render("no agents connected") + "\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %-38s %-16s %-10s %s", "RELAY ID", "SESSION", "REMOTE", "UP", "LAST PONG")) + "\n")
		conns := append([]Connection(nil), m.snap.Connections...)
		sort.Slice(conns, func(i, j int) bool { return conns[i].RelayID < conns[j].RelayID })
		now := m.snap.TakenAt
		if now.IsZero() {
			now = time.Now()
		}
		for _, c := range conns {
			pong := "-"
			style := lipgloss.NewStyle()
			if !c.LastPongAt.IsZero() {
				age := now.Sub(c.LastPongAt).Truncate(time.Second)
				pong = age.String() + " ago"
				if m.staleAfter > 0 && age > m.staleAfter {
					style = warnStyle
				}
			}
			line := fmt.Sprintf("%-24s %-38s %-16s %-10s %s",
				truncate(c.RelayID, 24), truncate(c.SessionID, 38), truncate(c.Remote, 16),
				now.Sub(c.ConnectedAt).Truncate(time.Second), pong)
			b.WriteString(style.Render(line) + "\n")
		}
	}

	if m.snap.LastError != "" {
		b.WriteString("\n" + errStyle.Render("Last Error: "+m.snap.LastError) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// Run draws the view until ctx is cancelled or the user quits. staleAfter
// highlights agents that have not answered a heartbeat recently.
func Run(ctx context.Context, provider StatusProvider, staleAfter time.Duration) error {
	defer restoreTerminal(os.Stdin)

	m := model{provider: provider, snap: provider(), staleAfter: staleAfter}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
