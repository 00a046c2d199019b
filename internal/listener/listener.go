// Package listener implements the per-listener fan-out state machine of
// SPEC_FULL.md §4.4-§4.6: the five callback states a listener walks through
// from attach to either steady-state streaming or release, plus the
// termination/fallback handoff triggered by a source going away.
//
// Grounded on the check_buffer function-pointer dispatch original_source's
// source.c/format.c describe; encoded here as a State enum plus a Tick
// method, per SPEC_FULL.md §9's "tagged variant of listener states" note.
package listener

import (
	"io"
	"time"

	"github.com/khaliullov/icecast-kh/internal/block"
	"github.com/khaliullov/icecast-kh/internal/source"
)

// State names the listener's current callback (SPEC_FULL.md §4.4).
type State int

const (
	StateHTTPListener State = iota
	StateIntro
	StateIntroFile
	StateQueueAdvance
	StatePause
	StateWait
)

func (s State) String() string {
	switch s {
	case StateHTTPListener:
		return "http_listener"
	case StateIntro:
		return "intro"
	case StateIntroFile:
		return "intro_file"
	case StateQueueAdvance:
		return "queue_advance"
	case StatePause:
		return "pause"
	case StateWait:
		return "wait"
	default:
		return "unknown"
	}
}

// Conn is the transport surface a Listener writes to and polls for
// transport-level failure; the real socket lives outside this module
// (SPEC_FULL.md §1).
type Conn interface {
	io.Writer
	// Err reports a transport error observed by the acceptor's read loop
	// (e.g. a reset connection), nil while healthy.
	Err() error
}

// IntroFile is the (external, per §1) intro-file reader: a seekable byte
// source replayed from offset 0 on EOF until the source queue is ready.
type IntroFile interface {
	ReadAt(p []byte, off int64) (int, error)
}

// BurstRequest carries the listener-chosen burst-size knobs of
// SPEC_FULL.md §6: `?burst=N` and the `initial-burst` header. Decision
// (DESIGN.md): when both are present the query parameter wins.
type BurstRequest struct {
	QueryBurst      int64
	QueryBurstSet   bool
	HeaderBurst     int64
	HeaderBurstSet  bool
}

// Requested resolves the precedence rule: query param over header, over
// the mount's configured default.
func (b BurstRequest) Requested(def int64) int64 {
	if b.QueryBurstSet {
		return b.QueryBurst
	}
	if b.HeaderBurstSet {
		return b.HeaderBurst
	}
	return def
}

// Listener is one downstream client's fan-out state (SPEC_FULL.md §3's
// Client model, specialized to the listener half).
type Listener struct {
	id     string
	conn   Conn
	src    *source.Source
	state  State

	refbuf *block.Block
	pos    int

	queuePos    int64
	introOffset int64
	sentBytes   int64

	disconTime time.Time

	introFile       IntroFile
	hasIntroContent bool

	burst BurstRequest

	paused    time.Time
	waitSince time.Time

	active bool // ACTIVE flag: has produced at least one write already

	// pendingDelay lets a state-specific tick override Tick's default
	// reschedule delay (e.g. http_listener's 500ms wait-for-queue,
	// intro_file's 100ms replay loop, queue_advance's end-of-chain wait).
	pendingDelay time.Duration

	move      MoveListener
	onRelease func(*Listener)
	governor  RateGovernor

	bal           WorkerBalancer
	statsBoundary time.Time
}

// WorkerBalancer is the subset of worker.Balancer that Tick's step 5
// consults to migrate this listener onto its source's worker once per
// stats-update boundary (SPEC_FULL.md §4.5 step 5, §4.7
// listener_change_worker). Expressed as an interface so this package never
// imports internal/worker directly.
type WorkerBalancer interface {
	ListenerChangeWorker(listenerID string, sourceWorker int, listeners int) (bool, error)
}

// SetWorkerBalancer attaches the worker-migration policy Tick's step 5
// consults; nil disables listener migration for this listener.
func (l *Listener) SetWorkerBalancer(b WorkerBalancer) { l.bal = b }

// SetGovernor attaches the global rate governor Tick consults in step 7
// (SPEC_FULL.md §4.5); nil means no throttling is in effect.
func (l *Listener) SetGovernor(g RateGovernor) { l.governor = g }

// New creates a Listener attached to src, in the initial http_listener
// state (SPEC_FULL.md §4.4, §4.8 setup_listener).
func New(id string, conn Conn, src *source.Source, burst BurstRequest) *Listener {
	return &Listener{
		id:          id,
		conn:        conn,
		src:         src,
		state:       StateHTTPListener,
		introOffset: -1,
		burst:       burst,
	}
}

// ID satisfies source.Listener and worker.Client.
func (l *Listener) ID() string { return l.id }

// QueuePos satisfies source.Listener: the byte position this listener has
// been matched against the producer's timeline.
func (l *Listener) QueuePos() int64 { return l.queuePos }

// State returns the listener's current callback, for tests/observability.
func (l *Listener) State() State { return l.state }

// Active reports the ACTIVE flag: whether this listener has produced at
// least one write already (SPEC_FULL.md §4.8 step 5).
func (l *Listener) Active() bool { return l.active }

// SetState overrides the listener's initial callback, used by the
// admission path (SPEC_FULL.md §4.8 step 4 setup_listener) to start a
// listener in listener_wait or listener_pause instead of the http_listener
// default New assigns.
func (l *Listener) SetState(s State) { l.state = s }

// SetDisconTime sets the absolute deadline after which the listener is
// released regardless of state (SPEC_FULL.md §4.8 step 3).
func (l *Listener) SetDisconTime(t time.Time) { l.disconTime = t }

// SetIntroFile attaches the (external) intro-file reader.
func (l *Listener) SetIntroFile(f IntroFile) { l.introFile = f }
