package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type tuiModel struct {
	serverName string
	port       int
	snapshot   Snapshot
	startTime  time.Time
	quitting   bool
	quitChan   chan struct{}
}

type tickMsg time.Time
type snapshotMsg Snapshot

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	mountHeaderStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("Mount Dashboard"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Server: "))
	b.WriteString(valueStyle.Render(m.serverName))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Port: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.port)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	uptime := time.Since(m.startTime).Round(time.Second)
	b.WriteString(valueStyle.Render(uptime.String()))
	b.WriteString("\n\n")

	b.WriteString(mountHeaderStyle.Render(fmt.Sprintf("Mounts (%d)", len(m.snapshot.Mounts))))
	b.WriteString("\n\n")

	if len(m.snapshot.Mounts) == 0 {
		b.WriteString(valueStyle.Render("  No mounts live"))
		b.WriteString("\n")
	} else {
		for _, row := range m.snapshot.Mounts {
			state := "running"
			if row.Terminating {
				state = "terminating"
			} else if !row.Running {
				state = "idle"
			}
			b.WriteString(fmt.Sprintf("  * %s", row.Name))
			b.WriteString(valueStyle.Render(fmt.Sprintf(
				" (%d listeners, peak %d, %d bps, %s)",
				row.ListenerCount, row.PeakListeners, row.OutBitrate, state)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}
