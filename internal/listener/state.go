package listener

import (
	"time"

	"github.com/khaliullov/icecast-kh/internal/block"
	"github.com/khaliullov/icecast-kh/internal/source"
)

// maxSendIterations and statsless defaults bound send_listener's write
// loop (SPEC_FULL.md §4.5 step 8).
const maxSendIterations = 12

// RateGovernor is the (optional) global throttle_sends policy of
// SPEC_FULL.md §4.5 step 7, injected so this package never needs a
// process-wide singleton.
type RateGovernor interface {
	Level() int
}

// Tick drives one pass of send_listener (SPEC_FULL.md §4.5), run under the
// source lock. It returns the delay before this listener should be
// reconsidered and whether it is done (released) and should be dropped by
// its worker. Tick's signature matches worker.Client so a *Listener can be
// scheduled directly by a Worker.
func (l *Listener) Tick(now time.Time) (time.Duration, bool) {
	gov := l.governor
	l.src.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			l.src.Unlock()
		}
	}()

	// Step 1.
	if l.src.Flags&source.ListenersSync != 0 {
		delay, release := l.waitingOnSource(now)
		if release {
			unlocked = true
			return 0, true
		}
		return delay, false
	}

	// Step 2.
	if l.conn.Err() != nil {
		l.release()
		return 0, true
	}

	// Step 3.
	if !l.disconTime.IsZero() && !now.Before(l.disconTime) {
		l.release()
		return 0, true
	}

	// Step 4.
	if l.src.Flags&source.Running == 0 {
		return 100 * time.Millisecond, false
	}

	// Step 5: once per stats-update boundary, attempt migration onto the
	// source's worker (SPEC_FULL.md §4.5 step 5, §4.7).
	if l.bal != nil && !l.src.ClientStatsAt.Equal(l.statsBoundary) {
		l.statsBoundary = l.src.ClientStatsAt
		moved, err := l.bal.ListenerChangeWorker(l.id, l.src.WorkerID, len(l.src.Listeners))
		if err == nil && moved {
			unlocked = true
			l.src.Unlock()
			return 0, false
		}
	}

	// Step 6: compute lag and budget.
	lag := int64(0)
	if l.src.Producer != nil {
		lag = l.src.Producer.QueuePos - l.queuePos
	}
	budget := l.src.ListenerTrigger
	if budget <= 0 {
		budget = 64 * 1024
	}
	if l.src.IncomingRate.Rate() > 0 && lag < l.src.IncomingRate.Rate() {
		budget /= 2
	}

	// Step 7: rate governor.
	iterations := maxSendIterations
	extraDelay := time.Duration(0)
	if gov != nil {
		switch level := gov.Level(); {
		case level > 2:
			return 30 * time.Millisecond, false
		case level == 2:
			iterations = 2
			extraDelay = 50 * time.Millisecond
		case level == 1:
			if l.src.IncomingRate.Rate() > 0 && lag > 2*l.src.IncomingRate.Rate() {
				extraDelay = 150 * time.Millisecond
			}
		}
	}

	// Step 8: write loop.
	l.pendingDelay = 0
	var written int64
	for i := 0; i < iterations && written < budget; i++ {
		n, cont := l.checkBuffer(now)
		written += int64(n)
		if !cont {
			break
		}
	}

	// Step 9.
	l.src.OutgoingRate.Add(now, written)

	// Step 10: slow-listener eviction.
	if l.refbuf != nil && l.refbuf.HasFlag(block.ReleaseMarker) {
		l.release()
		return 0, true
	}

	if l.pendingDelay > 0 {
		return l.pendingDelay, false
	}
	return extraDelay, false
}

// checkBuffer dispatches to the state-specific step and returns bytes
// written and whether the loop should continue (a negative "return" in the
// spec's terms maps to cont=false here).
func (l *Listener) checkBuffer(now time.Time) (int, bool) {
	switch l.state {
	case StateHTTPListener:
		return l.tickHTTPListener(now)
	case StateIntro:
		return l.tickIntro(now)
	case StateIntroFile:
		return l.tickIntroFile(now)
	case StateQueueAdvance:
		return l.tickQueueAdvance(now)
	case StatePause:
		return l.tickPause(now)
	case StateWait:
		return l.tickWait(now)
	default:
		return 0, false
	}
}

func (l *Listener) tickHTTPListener(now time.Time) (int, bool) {
	if l.refbuf == nil {
		l.refbuf = l.src.Format.CreateClientHeaders()
		l.pos = 0
	}
	if l.refbuf == nil {
		l.state = StateIntro
		return 0, true
	}
	if l.refbuf.Len() == 0 && l.src.Queue.Empty() {
		l.pendingDelay = 500 * time.Millisecond
		return 0, false
	}

	n, err := l.src.Format.WriteBufToClient(l.conn, l.refbuf, l.pos)
	if err != nil {
		return 0, false
	}
	l.pos += n
	l.sentBytes += int64(n)
	if n > 0 {
		l.active = true
	}

	if l.pos >= l.refbuf.Len() {
		if l.refbuf.Next != nil {
			l.refbuf = l.refbuf.Next
			l.pos = 0
			l.hasIntroContent = true
			return n, true
		}
		l.refbuf = nil
		l.pos = 0
		l.sentBytes = 0
		l.state = StateIntro
	}
	return n, true
}

func (l *Listener) tickIntro(now time.Time) (int, bool) {
	if l.sentBytes > 0 {
		l.state = StateQueueAdvance
		return 0, true
	}
	l.introOffset = 0
	l.state = StateIntroFile
	return 0, true
}

func (l *Listener) tickIntroFile(now time.Time) (int, bool) {
	if l.introFile == nil {
		l.state = StateQueueAdvance
		return 0, true
	}
	buf := make([]byte, 4096)
	n, err := l.introFile.ReadAt(buf, l.introOffset)
	if n > 0 {
		if _, werr := l.conn.Write(buf[:n]); werr != nil {
			return 0, false
		}
		l.introOffset += int64(n)
		l.sentBytes += int64(n)
	}
	if err != nil { // EOF or other terminal condition
		if !l.src.Queue.Empty() {
			l.state = StateQueueAdvance
		} else {
			l.introOffset = 0
			l.pendingDelay = 100 * time.Millisecond
			return n, false
		}
	}
	return n, true
}

func (l *Listener) tickQueueAdvance(now time.Time) (int, bool) {
	if l.refbuf == nil {
		if !l.locateStartOnQueue(now) {
			l.pendingDelay = 150 * time.Millisecond
			return 0, false
		}
	}
	if l.pos >= l.refbuf.Len() {
		if l.refbuf.Next == nil {
			l.pendingDelay = l.src.NextDelay() + 5*time.Millisecond
			return 0, false
		}
		old := l.refbuf
		l.refbuf = old.Next
		l.refbuf.Retain()
		old.Release()
		l.pos = 0
	}

	n, err := l.src.Format.WriteBufToClient(l.conn, l.refbuf, l.pos)
	if err != nil {
		return 0, false
	}
	l.pos += n
	l.sentBytes += int64(n)
	l.queuePos += int64(n)
	if n > 0 {
		l.active = true
	}
	return n, true
}

func (l *Listener) tickPause(now time.Time) (int, bool) {
	if l.src.Flags&source.Running != 0 {
		return 0, false
	}
	if !l.paused.IsZero() && now.Sub(l.paused) > 15*time.Second {
		return 0, false
	}
	if l.src.Flags&source.ListenersSync == 0 {
		return 0, false
	}
	return 0, true
}

func (l *Listener) tickWait(now time.Time) (int, bool) {
	if l.src.Flags&source.ListenersSync == 0 {
		l.state = StateQueueAdvance
		l.refbuf = nil
	}
	return 0, true
}

// locateStartOnQueue implements SPEC_FULL.md §4.4 locate_start_on_queue.
// Decision (DESIGN.md): a computed negative lag is clamped to 0 rather
// than treated as an error.
func (l *Listener) locateStartOnQueue(now time.Time) bool {
	q := l.src.Queue
	if q.Empty() {
		return false
	}

	if l.sentBytes > 0 && l.src.Producer != nil &&
		l.queuePos > l.src.Producer.QueuePos-q.MinOffset && q.Tail.HasFlag(block.Sync) {
		l.refbuf = q.Tail
		l.refbuf.Retain()
		l.pos = 0
		l.finishLocate()
		return true
	}

	burst := l.burst.Requested(q.DefaultBurstSize) - l.sentBytes
	if burst < 0 {
		burst = 0
	}

	cur := q.MinCursor
	remaining := q.MinOffset
	for cur != nil && remaining > burst {
		remaining -= int64(cur.Len())
		cur = cur.Next
	}

	for cur != nil && !cur.HasFlag(block.Sync) {
		cur = cur.Next
	}
	if cur == nil {
		return false
	}

	l.refbuf = cur
	l.refbuf.Retain()
	l.pos = 0
	l.finishLocate()
	return true
}

func (l *Listener) finishLocate() {
	lag := int64(0)
	if l.src.Producer != nil {
		lag = l.src.Producer.QueuePos - l.queuePos
	}
	if lag < 0 {
		lag = 0
	}
	if l.src.Producer != nil {
		l.queuePos = l.src.Producer.QueuePos - lag
	}
	l.introOffset = -1
}
