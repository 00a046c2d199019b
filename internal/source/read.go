package source

import (
	"errors"
	"log"
	"time"

	"github.com/khaliullov/icecast-kh/internal/block"
)

// pullLoopIterations bounds step 7's pull loop per tick (SPEC_FULL.md §4.2).
const pullLoopIterations = 2

// minSkipDurationMs and maxSkipDurationMs bound the idle-backoff that
// grows/shrinks skip_duration across ticks (SPEC_FULL.md §4.2 step 6).
const (
	minSkipDurationMs = 10
	maxSkipDurationMs = 400
)

// Balancer is the subset of worker.Balancer that Read consults for
// SPEC_FULL.md §4.2 step 5, expressed as an interface so this package
// never imports internal/worker directly.
type Balancer interface {
	SourceChangeWorker(producerID string, listeners int) (bool, error)
}

// Tick adapts Read to the worker.Client interface (ID/Tick), so a Source's
// producer half can be scheduled directly by a Worker.
func (s *Source) Tick(now time.Time) (time.Duration, bool) {
	globalRunning := true
	if s.GlobalRunning != nil {
		globalRunning = s.GlobalRunning()
	}
	moved, err := s.Read(now, globalRunning, s.Bal)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			log.Printf("source %s: %v, force-terminating", s.mount, err)
		}
		return 0, true
	}
	if moved {
		// The balancer already relocated the producer onto another
		// worker and released our lock; this worker is done with it.
		return 0, true
	}
	s.mu.Lock()
	done := s.Flags&Running == 0 && s.Flags&Terminating != 0 && len(s.Listeners) == 0
	s.mu.Unlock()
	if done {
		return 0, true
	}
	// Reschedule delay was already stashed by Read via s.nextDelayMs.
	return time.Duration(s.nextDelayMs) * time.Millisecond, false
}

// Read implements the producer tick of SPEC_FULL.md §4.2, executed under
// the source lock (acquired here, released on every return path). It
// returns (true, nil) when the worker balancer has just relocated the
// producer — in which case the lock has already been released by the
// migration and the caller must not unlock again — or a non-nil error when
// a structural invariant was violated (ErrInvariantViolation), fatal to
// this source alone.
func (s *Source) Read(now time.Time, globalRunning bool, bal Balancer) (moved bool, err error) {
	s.mu.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			s.mu.Unlock()
		}
	}()

	// Step 1.
	if !globalRunning {
		s.Flags &^= Running
	}

	// Step 2.
	if s.Flags&ListenersSync != 0 {
		if s.TerminationCount > 0 {
			if now.Sub(s.SyncStartedAt) > 1500*time.Millisecond {
				log.Printf("source %s: listener sync did not drain in 1500ms, forcing clear", s.mount)
				s.Flags &^= Running | ListenersSync
			} else {
				s.nextDelayMs = 30
				return false, nil
			}
		} else {
			s.Fallback = nil
			s.Flags &^= ListenersSync
		}
	}

	// Step 3.
	listeners := len(s.Listeners)
	if listeners != s.PrevListeners {
		s.PrevListeners = listeners
		if listeners > s.PeakListeners {
			s.PeakListeners = listeners
		}
	}

	// Step 4.
	if s.StatsInterval <= 0 {
		s.StatsInterval = 5 * time.Second
	}
	if now.Sub(s.ClientStatsAt) >= s.StatsInterval {
		s.ClientStatsAt = now
		// Publishing bitrate/bytes/queue_size counters to stats is an
		// external collaborator (SPEC_FULL.md §1); the counters
		// themselves (IncomingRate, OutgoingRate, Queue.QueueSize) are
		// already maintained and readable via SnapshotRow.
	}

	// Step 5.
	recheckEvery := 6 * time.Second
	if now.Sub(s.WorkerRecheckAt) >= recheckEvery {
		s.WorkerRecheckAt = now
		if bal != nil && s.Producer != nil {
			didMove, berr := bal.SourceChangeWorker(s.id, listeners)
			if berr == nil && didMove {
				unlocked = true
				s.mu.Unlock()
				return true, nil
			}
		}
	}

	if s.Producer == nil {
		s.nextDelayMs = 100
		return false, nil
	}

	// Step 6: zero-timeout readability poll.
	ready, perr := s.Producer.Conn.Poll()
	if perr != nil {
		s.Flags &^= Running
		s.nextDelayMs = int64(s.SkipDurationMs) | 0x0F
		return false, nil
	}

	processed := false
	if !ready {
		if now.Sub(s.LastRead) > 3*time.Second {
			log.Printf("source %s: no data from producer for >3s", s.mount)
		}
		if s.TimeoutSeconds > 0 && now.Sub(s.LastRead) > s.TimeoutSeconds {
			s.Flags |= Timeout
			s.Flags &^= Running
		} else {
			s.SkipDurationMs = grow(s.SkipDurationMs)
		}
	} else {
		s.LastRead = now
		s.SkipDurationMs = shrink(s.SkipDurationMs)

		// Step 7: pull loop.
		for i := 0; i < pullLoopIterations; i++ {
			blk, gerr := s.Format.GetBuffer(s.Producer.Conn)
			if gerr != nil {
				if s.Producer.Error != nil {
					s.Flags &^= Running
				}
				break
			}
			if blk == nil {
				break
			}

			processed = true
			n := int64(blk.Len())
			s.Producer.BytesRead += n
			s.Producer.QueuePos += n
			s.IncomingRate.Add(now, n)

			if err := s.appendBlock(blk); err != nil {
				return false, err
			}

			if s.dumpFile != nil {
				if werr := s.Format.WriteBufToFile(s.dumpFile, blk); werr != nil {
					log.Printf("source %s: dump write failed: %v", s.mount, werr)
				}
			}
		}
	}

	// Step 8: head-trim.
	for s.Queue.ShouldTrimHead() {
		s.Queue.TrimHead()
	}

	// Step 9: reschedule.
	if processed {
		s.nextDelayMs = 15
	} else {
		s.nextDelayMs = int64(s.SkipDurationMs) | 0x0F
	}

	return false, nil
}

// appendBlock implements the middle of step 7: link blk into the queue
// with the queue/burst-window retention bookkeeping, detecting the
// min-offset invariant violation the legacy code treats as fatal
// (SPEC_FULL.md §7, Open Questions decision 2).
func (s *Source) appendBlock(blk *block.Block) error {
	if s.Queue.MinOffset < 0 {
		return ErrInvariantViolation
	}
	s.Queue.Append(blk)
	if s.Queue.MinCursor == nil && !s.Queue.Empty() {
		return ErrInvariantViolation
	}
	return nil
}

func grow(ms int64) int64 {
	next := int64(float64(ms) * 1.3)
	if next > maxSkipDurationMs {
		return maxSkipDurationMs
	}
	if next <= ms {
		return ms + 1
	}
	return next
}

func shrink(ms int64) int64 {
	next := int64(float64(ms) * 0.9)
	if next < minSkipDurationMs {
		return minSkipDurationMs
	}
	return next
}
