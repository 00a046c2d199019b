// Package source implements the per-mountpoint Source: its queue, producer
// connection, listener set, flag word, and lifecycle (SPEC_FULL.md §3,
// §4.2-§4.3). Locking/flag-word style follows
// harperreed-resonate-go/internal/server's Server/Client mutex discipline
// (clientsMu sync.RWMutex, per-client mu sync.RWMutex), generalized from
// "connected player clients" to "one producer plus many listeners".
package source

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/dashboard"
	"github.com/khaliullov/icecast-kh/internal/format"
	"github.com/khaliullov/icecast-kh/internal/queue"
)

// ErrInvariantViolation is returned by Read when the queue's min-window
// bookkeeping is structurally broken (min_offset > min_size with no
// successor to trim toward). The legacy implementation aborts the process;
// here it is fatal only to this one Source (SPEC_FULL.md §9, Open Questions
// decision 2) — the worker pool force-shuts-down and frees just this source.
var ErrInvariantViolation = errors.New("source: queue invariant violated")

// Flag is the Source's bitset state (SPEC_FULL.md §3).
type Flag uint16

const (
	Running Flag = 1 << iota
	OnDemand
	Terminating
	ListenersSync
	PauseListeners
	Timeout
	ShoutcastCompat
)

// FallbackType distinguishes a configured fallback from an in-progress
// override-driven one; both resolve to a mount name, per SPEC_FULL.md §4.3.
type FallbackType int

const (
	FallbackNone FallbackType = iota
	FallbackConfigured
	FallbackOverride
)

// Fallback is the fallback descriptor stored on Source.fallback
// (SPEC_FULL.md §3, §4.3 set_fallback/set_override).
type Fallback struct {
	Mount       string
	Type        FallbackType
	BitrateHint int64
	CodecType   string
}

// ProducerConn is the subset of the producer's socket the core needs:
// zero-timeout readability polling plus the byte stream itself. The real
// TCP acceptor and socket primitives are external collaborators
// (SPEC_FULL.md §1).
type ProducerConn interface {
	io.Reader
	// Poll reports whether the connection currently has data ready to read,
	// without blocking (SPEC_FULL.md §4.2 step 6).
	Poll() (ready bool, err error)
}

// Listener is the subset of a listener's behavior Source needs: a stable
// id, an outstanding-byte counter the producer compares against to compute
// lag, and a hook to nudge its owning worker when the source wants it to
// re-tick promptly instead of waiting out its current schedule (waking, in
// SPEC_FULL.md's terms). The full listener state machine lives in
// internal/listener, which implements this interface.
type Listener interface {
	ID() string
	QueuePos() int64
}

// Scheduler is the minimal worker-pool surface Source uses to "wake" a
// listener or migrate its own producer — SPEC_FULL.md §4.7's
// client_change_worker and worker.wakeup(), expressed as an interface so
// this package never imports internal/worker directly.
type Scheduler interface {
	// Nudge forces the client identified by id to be reconsidered by its
	// worker immediately rather than waiting out its current schedule.
	Nudge(id string)
}

// Producer holds the aspects of the producer Client that Source owns
// directly (SPEC_FULL.md §3's unified Client model, specialized: a source
// has exactly one producer at a time).
type Producer struct {
	ID         string
	Conn       ProducerConn
	IP         string
	ConTime    time.Time
	DisconTime time.Time
	Error      error

	BytesRead int64
	QueuePos  int64 // monotonic count of bytes pushed into the queue so far

	Hijacker bool
}

// Source is the per-mountpoint state of SPEC_FULL.md §3.
type Source struct {
	id    string
	mount string

	mu sync.Mutex

	Flags Flag

	Queue  *queue.Queue
	Format format.Adapter

	Producer *Producer

	Listeners map[string]Listener

	PeakListeners     int
	TerminationCount  int
	PrevListeners     int
	LastRead          time.Time
	// SyncStartedAt marks when ListenersSync was last set, the "timer_start"
	// SPEC_FULL.md §4.2 step 2 measures the 1500ms forced-clear timeout
	// against.
	SyncStartedAt time.Time
	TimeoutSeconds    time.Duration
	SkipDurationMs    int64
	StatsInterval     time.Duration
	ClientStatsAt     time.Time
	WorkerRecheckAt   time.Time
	LimitRate         int64
	ListenerTrigger   int64

	IncomingRate *RateMeter
	OutgoingRate *RateMeter

	Fallback *Fallback

	IntroFilename string
	DumpFilename  string
	dumpFile      io.WriteCloser

	AudioInfo map[string]string
	YPPublic  bool
	WaitTime  time.Duration

	Cfg       *config.Mount
	GlobalCfg *config.Global

	Scheduler Scheduler
	WorkerID  int

	// GlobalRunning reports the process-wide running flag Read's step 1
	// consults; nil is treated as always-running (e.g. in unit tests that
	// don't model a global shutdown switch).
	GlobalRunning func() bool
	// Balancer is consulted in Read's step 5 (SPEC_FULL.md §4.2); nil
	// disables producer migration for this source.
	Bal Balancer

	startedAt time.Time

	// nextDelayMs is the schedule_ms Read last computed (SPEC_FULL.md
	// §4.2 step 9), consumed by Tick to answer worker.Client.Tick.
	nextDelayMs int64
}

// New constructs an idle Source for mount, in its initial flag-set (no
// Running), per SPEC_FULL.md §4.1 reserve and §3 lifecycle.
func New(mount string, cfg *config.Mount, global *config.Global, adapter format.Adapter) *Source {
	s := &Source{
		id:              uuid.New().String(),
		mount:           mount,
		Queue:           queue.New(cfg.MinQueueSize, cfg.BurstSize, cfg.QueueSizeLimit),
		Format:          adapter,
		Listeners:       make(map[string]Listener),
		TimeoutSeconds:  cfg.SourceTimeout,
		StatsInterval:   5 * time.Second,
		LimitRate:       cfg.LimitRate,
		ListenerTrigger: 64 * 1024,
		IncomingRate:    NewRateMeter(60 * time.Second),
		OutgoingRate:    NewRateMeter(9000 * time.Second),
		IntroFilename:   cfg.IntroFilename,
		DumpFilename:    cfg.DumpFilename,
		AudioInfo:       make(map[string]string),
		YPPublic:        cfg.YPPublic,
		WaitTime:        cfg.WaitTime,
		Cfg:             cfg,
		GlobalCfg:       global,
		SkipDurationMs:  10,
	}
	s.Flags = OnDemand
	return s
}

// ID returns the Source's stable instance id (worker.Client.ID and the
// registry's bookkeeping key for the producer).
func (s *Source) ID() string { return s.id }

// Mount returns the mountpoint name (registry.MountSource).
func (s *Source) Mount() string { return s.mount }

// Lock acquires the source's structural lock. Exported because the
// listener state machine (internal/listener), which this package cannot
// import without a cycle, must run send_listener/listener_waiting_on_source
// under the same lock (SPEC_FULL.md §4.5-§4.6).
func (s *Source) Lock() { s.mu.Lock() }

// Unlock releases the source's structural lock.
func (s *Source) Unlock() { s.mu.Unlock() }

// IsRunning reports the Running flag. Callers must hold the lock if they
// need a consistent read alongside other fields; this and the other flag
// predicates below are safe as lock-free peeks for advisory checks (e.g.
// registry.available, which tolerates racing with a concurrent shutdown).
func (s *Source) IsRunning() bool { return s.Flags&Running != 0 }

// IsTerminating reports the Terminating flag (registry.MountSource).
func (s *Source) IsTerminating() bool { return s.Flags&Terminating != 0 }

// IsListenersSync reports the ListenersSync flag (registry.MountSource).
func (s *Source) IsListenersSync() bool { return s.Flags&ListenersSync != 0 }

// HasProducer reports whether a producer is currently attached
// (registry.MountSource).
func (s *Source) HasProducer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Producer != nil
}

// ListenerCount returns the live listener count, always exactly
// len(Listeners) (P7 holds by construction: there is no separate counter to
// drift out of sync).
func (s *Source) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Listeners)
}

// NextDelay returns the producer's most recently computed reschedule delay
// (SPEC_FULL.md §4.2 step 9), consulted by a listener parked at the end of
// the queue chain to wait in step with the producer (SPEC_FULL.md §4.4
// queue_advance). Callers must already hold the source lock (the listener
// tick that calls this always does).
func (s *Source) NextDelay() time.Duration {
	return time.Duration(s.nextDelayMs) * time.Millisecond
}

// SnapshotRow builds the dashboard.MountRow for this source
// (SPEC_FULL.md §4.11). Takes the lock only long enough to copy counters.
func (s *Source) SnapshotRow() dashboard.MountRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dashboard.MountRow{
		Name:          s.mount,
		ListenerCount: len(s.Listeners),
		PeakListeners: s.PeakListeners,
		OutBitrate:    s.OutgoingRate.Rate(),
		Running:       s.Flags&Running != 0,
		Terminating:   s.Flags&Terminating != 0,
	}
}
