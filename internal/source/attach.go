package source

import (
	"errors"
	"sync"

	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/format"
	"github.com/khaliullov/icecast-kh/internal/registry"
)

// ErrMountInUse means the mount already has a live, non-hijackable
// producer (SPEC_FULL.md §4.9 startup).
var ErrMountInUse = errors.New("source: mountpoint in use")

// ErrSourceLimitReached means accepting this producer would exceed
// GlobalConfig.SourceLimit (SPEC_FULL.md §4.9).
var ErrSourceLimitReached = errors.New("source: global source limit reached")

// ErrUnsupportedContentType means the external codec-detection hook
// (connection_complete_source) rejected the stream (SPEC_FULL.md §4.9).
var ErrUnsupportedContentType = errors.New("source: unsupported content type")

// ErrHijacked is stashed on a displaced producer's Error field so its
// worker's next tick sees a transport failure and drops it, per the
// hijack-swap's "wake old worker so it drops the old client".
var ErrHijacked = errors.New("source: producer replaced by hijack")

// GlobalSources guards GlobalConfig.SourceLimit under a single short lock
// (SPEC_FULL.md §5's "atomic counter global.sources under a global lock").
type GlobalSources struct {
	mu sync.Mutex
	n  int
}

// TryAcquire increments the counter and reports success, unless limit > 0
// and the counter is already at limit.
func (g *GlobalSources) TryAcquire(limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 && g.n >= limit {
		return false
	}
	g.n++
	return true
}

// Release decrements the counter.
func (g *GlobalSources) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n > 0 {
		g.n--
	}
}

// Count returns the current number of attached producers.
func (g *GlobalSources) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// ConnectionComplete is the external codec-detection hook
// (connection_complete_source, SPEC_FULL.md §4.9 step 3): given the new
// Source (producer already attached, format not yet assigned), it must
// assign src.Format and return nil, or return an error to reject the
// stream as an unsupported content type.
type ConnectionComplete func(src *Source) error

// swapClientFormat is the optional format.Adapter extension
// (SPEC_FULL.md §6's swap_client) a format implementation may provide to
// be notified of a hijack handoff.
type swapClientFormat interface {
	SwapClient(newProducer, oldProducer *Producer)
}

// Startup implements SPEC_FULL.md §4.9 startup: reserve the mount, attach
// producer either to a brand new Source or (if hijacker and the existing
// source is RUNNING) via a hijack swap, enforce the global source limit,
// and run the external codec-detection hook. On any rejection the registry
// reservation is unwound so the mount is left exactly as it was.
func Startup(
	reg *registry.Registry,
	mount string,
	cfg *config.Mount,
	global *config.Global,
	adapter format.Adapter,
	producer *Producer,
	hijacker bool,
	globalSources *GlobalSources,
	connComplete ConnectionComplete,
) (*Source, error) {
	existing, result := reg.Reserve(mount, hijacker)

	switch result {
	case registry.ReserveDenied:
		return nil, ErrMountInUse

	case registry.ReserveExisting:
		src, ok := existing.(*Source)
		if !ok || !hijacker || !src.IsRunning() {
			return nil, ErrMountInUse
		}
		src.hijackSwap(producer)
		return src, nil

	case registry.ReserveCreated:
		if globalSources != nil && !globalSources.TryAcquire(global.SourceLimit) {
			return nil, ErrSourceLimitReached
		}

		src := New(mount, cfg, global, adapter)
		src.Producer = producer

		if !reg.Install(src) {
			if globalSources != nil {
				globalSources.Release()
			}
			return nil, ErrMountInUse
		}

		if connComplete != nil {
			if err := connComplete(src); err != nil {
				reg.Remove(src)
				if globalSources != nil {
					globalSources.Release()
				}
				return nil, ErrUnsupportedContentType
			}
		}

		return src, nil
	}

	return nil, ErrMountInUse
}

// hijackSwap implements SPEC_FULL.md §4.9's hijack swap: replace the
// producer, mark the displaced one with ErrHijacked so its worker's next
// tick drops it, and notify the format adapter if it wants to know.
func (s *Source) hijackSwap(newProducer *Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Producer
	s.Producer = newProducer

	if swapper, ok := s.Format.(swapClientFormat); ok {
		swapper.SwapClient(newProducer, old)
	}

	if old != nil {
		old.Error = ErrHijacked
		if s.Scheduler != nil {
			s.Scheduler.Nudge(old.ID)
		}
	}
}
