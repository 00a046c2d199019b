// Package dashboard implements the read-only mount observability surfaces
// of SPEC_FULL.md §4.11: a terminal UI and an admin websocket push, both
// subscribing to periodic snapshots of the mount registry. Adapted from
// harperreed-resonate-go's internal/server AudioEngine (periodic-tick,
// fan-out-to-subscribers shape), repointed from "generate audio for
// connected players" to "snapshot registry mounts for observers".
package dashboard

import (
	"sync"
	"time"

	"github.com/khaliullov/icecast-kh/internal/registry"
)

// MountRow is one line of dashboard/admin-ws output.
type MountRow struct {
	Name           string `json:"name"`
	ListenerCount  int    `json:"listener_count"`
	PeakListeners  int    `json:"peak_listeners"`
	OutBitrate     int64  `json:"out_bitrate"`
	Running        bool   `json:"running"`
	Terminating    bool   `json:"terminating"`
}

// Snapshot is a point-in-time copy of registry state, safe to render or
// marshal outside any source lock.
type Snapshot struct {
	Taken  time.Time  `json:"taken"`
	Mounts []MountRow `json:"mounts"`
}

// Snapshotter is implemented by a Source so this package never depends on
// internal/source directly (avoids an import cycle: source -> registry,
// dashboard -> registry).
type Snapshotter interface {
	registry.MountSource
	SnapshotRow() MountRow
}

// Engine polls the registry on a ticker and fans a Snapshot out to every
// subscriber (the TUI and the admin websocket hub). Mirrors AudioEngine's
// Start/Stop/subscriber-list shape, generalized from one audio chunk per
// tick to one registry snapshot per tick.
type Engine struct {
	reg      *registry.Registry
	interval time.Duration

	mu          sync.RWMutex
	subscribers []chan Snapshot

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an Engine that snapshots reg every interval (default
// 1s if interval <= 0, per SPEC_FULL §4.11).
func NewEngine(reg *registry.Registry, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		reg:      reg,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Subscribe registers a channel to receive every snapshot. The returned
// channel is buffered; a full channel just drops that tick's update
// (best-effort, per §4.11/§9.1).
func (e *Engine) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 4)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// Start runs the snapshot loop until Stop is called.
func (e *Engine) Start() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.publish(e.take())
		case <-e.stopChan:
			return
		}
	}
}

// Stop halts the snapshot loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

func (e *Engine) take() Snapshot {
	sources := e.reg.Mounts()
	rows := make([]MountRow, 0, len(sources))
	for _, s := range sources {
		if snap, ok := s.(Snapshotter); ok {
			rows = append(rows, snap.SnapshotRow())
		}
	}
	return Snapshot{Taken: time.Now(), Mounts: rows}
}

func (e *Engine) publish(snap Snapshot) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}
