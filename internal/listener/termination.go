package listener

import (
	"time"

	"github.com/khaliullov/icecast-kh/internal/block"
	"github.com/khaliullov/icecast-kh/internal/source"
)

// MoveListener is the external move-listener collaborator of
// SPEC_FULL.md §4.6: re-attach l to the mount/descriptor the fallback
// resolved to. Returning an error means the move failed and the listener
// should be re-attached to its original source instead.
type MoveListener func(l *Listener, fallbackMount string) error

// waitingOnSource implements SPEC_FULL.md §4.6 listener_waiting_on_source,
// called from Tick while the source lock is held and ListenersSync is set.
// It returns the resched delay and whether the listener was fully
// released (in which case the source lock has already been handled by the
// caller's release path).
// waitingOnSource always leaves the source lock unlocked when it reports
// release=true — either because it released the listener itself (and
// unlocks before returning) or because a successful fallback move already
// released the lock. Tick relies on this to decide whether its own
// deferred unlock should run.
func (l *Listener) waitingOnSource(now time.Time) (time.Duration, bool) {
	l.src.TerminationCount--

	if l.conn.Err() != nil {
		l.release()
		l.src.Unlock()
		return 0, true
	}

	if l.src.Fallback != nil && l.src.Fallback.Mount != "" {
		l.detach()
		dest := l.src.Fallback.Mount
		l.src.Unlock()

		moved := l.move != nil && l.move(l, dest) == nil

		if !moved {
			l.src.Lock()
			l.reattach()
			return 150 * time.Millisecond, false
		}
		return 0, true
	}

	if l.src.Flags&source.Terminating != 0 && l.src.Flags&source.PauseListeners != 0 &&
		l.src.Flags&source.Running != 0 {
		l.state = StatePause
		l.paused = now
		return 60 * time.Millisecond, false
	}

	l.release()
	l.src.Unlock()
	return 0, true
}

// detach implements SPEC_FULL.md §4.6 listener_detach: if the listener is
// past the initial response phase, its current partial block is copied
// privately (releasing this cursor's reference on the shared queue block,
// per P4) so later writes complete without retaining shared queue state;
// then it is unlinked from the listener set.
func (l *Listener) detach() {
	if l.refbuf != nil && l.refbuf.HasFlag(block.Queue) {
		if l.state != StateHTTPListener {
			priv := *l.refbuf
			priv.Next = nil
			l.refbuf.Release()
			l.refbuf = &priv
		} else {
			l.refbuf.Release()
			l.refbuf = nil
		}
	}
	delete(l.src.Listeners, l.id)
}

// reattach re-inserts l into its original source's listener set, used when
// a fallback move fails and the listener must keep streaming from here.
func (l *Listener) reattach() {
	l.src.Listeners[l.id] = l
}

// release implements SPEC_FULL.md §4.6 release_listener: detach, and if
// this was the last listener, dampen the outgoing-rate meter. The access
// log and auth_release_listener hooks are external collaborators
// (SPEC_FULL.md §1) invoked via onRelease, if set.
func (l *Listener) release() {
	l.detach()
	if len(l.src.Listeners) == 0 {
		l.src.OutgoingRate.Dampen()
	}
	if l.onRelease != nil {
		l.onRelease(l)
	}
}

// move, onRelease are injected collaborators; kept unexported with small
// setters so construction (New) doesn't need an ever-growing parameter
// list.
func (l *Listener) SetMoveListener(m MoveListener) { l.move = m }
func (l *Listener) SetOnRelease(f func(*Listener)) { l.onRelease = f }

// Release implements worker.Releasable: a worker pool shutting down calls
// this once per listener it still owns, matching SPEC_FULL.md §4.10's
// "calling ops.release once per still-owned client".
func (l *Listener) Release() {
	l.src.Lock()
	defer l.src.Unlock()
	l.release()
}
