package dashboard

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// TUI manages the mount-status terminal view. Adapted from
// harperreed-resonate-go's ServerTUI, repointed from "connected player
// clients" to "registry mounts and their listeners" (SPEC_FULL §2.1.14).
type TUI struct {
	program  *tea.Program
	updates  chan Snapshot
	quitChan chan struct{}
}

// NewTUI creates a TUI for the named server listening on port.
func NewTUI(serverName string, port int) *TUI {
	return &TUI{
		updates:  make(chan Snapshot, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the bubbletea program until the user quits. Blocks the
// calling goroutine, same as the teacher's ServerTUI.Start.
func (t *TUI) Start(serverName string, port int) error {
	m := tuiModel{
		serverName: serverName,
		port:       port,
		startTime:  time.Now(),
		quitChan:   t.quitChan,
	}

	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for snap := range t.updates {
			if t.program != nil {
				t.program.Send(snapshotMsg(snap))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update pushes a fresh Snapshot to the running TUI.
func (t *TUI) Update(snap Snapshot) {
	select {
	case t.updates <- snap:
	default:
	}
}

// Stop quits the bubbletea program and closes the update channel.
func (t *TUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan signals when the user asked the TUI (and therefore the server)
// to stop.
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
