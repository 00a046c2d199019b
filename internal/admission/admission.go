// Package admission implements add_listener (SPEC_FULL.md §4.8): resolving
// a requested mount through the fallback chain, applying the bandwidth,
// listener-count, and duplicate-login limits, and handing an admitted
// client to a freshly constructed *listener.Listener in its correct
// initial state.
package admission

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/listener"
	"github.com/khaliullov/icecast-kh/internal/registry"
	"github.com/khaliullov/icecast-kh/internal/source"
)

// ErrNotFound means the fallback chain ended without a live source and no
// static fallback file could serve the request (SPEC_FULL.md §4.8 step 1).
var ErrNotFound = errors.New("admission: mount not found")

// ErrForbidden means a limit or policy check rejected the attach
// (SPEC_FULL.md §4.8 step 2); callers answer with the spec's 403 redirect.
var ErrForbidden = errors.New("admission: rejected")

// Request describes one incoming listener attach attempt. The auth
// decisions it carries (IsSlave, duplicate-login policy) are themselves
// resolved by an external auth module (SPEC_FULL.md §1); Request only
// carries their outcome.
type Request struct {
	Mount    string
	Username string

	// IsSlave marks an authenticated relay/slave connection, which skips
	// every bandwidth/listener-count limit (SPEC_FULL.md §4.8 step 2).
	IsSlave bool

	Burst listener.BurstRequest
	Conn  listener.Conn
}

// MountConfigLookup resolves a mount name to its configuration, used to
// walk fallback_mount chains and to look up a static-fallback rate hint;
// the on-disk config store is an external collaborator (SPEC_FULL.md §1).
type MountConfigLookup func(mount string) (*config.Mount, bool)

// DuplicateLoginChecker reports whether req should be rejected as a
// duplicate login against src (SPEC_FULL.md §4.8 step 2's
// check_duplicate_logins, including the "auth allows it" and "drops the
// existing session instead" branches, all external per §1).
type DuplicateLoginChecker func(src *source.Source, req Request) bool

// StaticFallback serves a listener directly from the static fallback file
// module when the chain ends without a live source (SPEC_FULL.md §4.8 step
// 1); external per §1. rateHint is in bytes/sec, 0 if none could be
// derived.
type StaticFallback func(mount string, rateHint int64, conn listener.Conn) error

// GlobalBandwidth reports the server's currently committed outgoing
// bandwidth in bytes/sec, consulted against GlobalMaxBandwidth
// (SPEC_FULL.md §4.8 step 2); external, since it aggregates across every
// mount, not just the one being admitted to.
type GlobalBandwidth func() int64

// kbpsSuffix extracts a bitrate hint encoded in a mount name's trailing
// "...[128]" suffix (SPEC_FULL.md §4.8 step 1).
var kbpsSuffix = regexp.MustCompile(`\[(\d+)\]$`)

// Admitter holds the collaborators add_listener needs; all but Reg are
// optional (a nil collaborator disables the check or hook it backs).
type Admitter struct {
	Reg *registry.Registry

	Lookup         MountConfigLookup
	DuplicateLogin DuplicateLoginChecker
	Static         StaticFallback
	GlobalBW       GlobalBandwidth

	// GlobalMaxBandwidth is the server-wide cap (SPEC_FULL.md §6); <= 0
	// means off.
	GlobalMaxBandwidth int64

	// WakeOnDemand is called when an ON_DEMAND mount without a running
	// producer gains its first listener, so the relay/source-fetch module
	// (external, per §1) can start pulling from upstream.
	WakeOnDemand func(mount string)

	// Balancer attaches the worker-migration policy of SPEC_FULL.md §4.5
	// step 5/§4.7 to every Listener this Admitter sets up; nil disables
	// listener migration.
	Balancer listener.WorkerBalancer
}

type verdict int

const (
	verdictAdmit verdict = iota
	verdictDeny
	verdictHop
)

// AddListener implements SPEC_FULL.md §4.8's add_listener. A nil
// *listener.Listener with a nil error means the request was served
// directly by the static fallback module rather than attached to a
// source.
func (a *Admitter) AddListener(req Request) (*listener.Listener, error) {
	mount := req.Mount
	hopsUsed := 0

	for {
		raw, hops, found := a.Reg.FindWithFallback(mount, a.fallbackNext)
		hopsUsed += hops
		if !found {
			return a.tryStaticFallback(mount, req)
		}

		src, ok := raw.(*source.Source)
		if !ok {
			return nil, ErrNotFound
		}

		src.Lock()
		v, hopMount := a.checkLimits(src, req)
		switch v {
		case verdictDeny:
			src.Unlock()
			return nil, ErrForbidden
		case verdictHop:
			src.Unlock()
			if hopsUsed >= registry.MaxFallbackDepth || hopMount == "" {
				return nil, ErrForbidden
			}
			hopsUsed++
			mount = hopMount
			continue
		}

		l := a.setupListener(src, req)
		wasRunning := src.IsRunning()
		src.Unlock()

		// Step 5: a listener that already has content to send (carried
		// over from a prior attach this Listener value represents, e.g. a
		// hijack swap) is ticked immediately instead of waiting out its
		// worker's next scheduled pass. Freshly constructed listeners are
		// never ACTIVE yet, so this is a no-op for the common path.
		if l.Active() && wasRunning {
			l.Tick(time.Now())
		}
		return l, nil
	}
}

// fallbackNext resolves mount's configured fallback_mount, the "next" hop
// function registry.FindWithFallback walks (SPEC_FULL.md §4.8 step 1).
func (a *Admitter) fallbackNext(mount string) (string, bool) {
	if a.Lookup == nil {
		return "", false
	}
	cfg, ok := a.Lookup(mount)
	if !ok || cfg.FallbackMount == "" {
		return "", false
	}
	return cfg.FallbackMount, true
}

// tryStaticFallback implements the tail of step 1: when the chain ends
// without a live source, attempt to serve from the static fallback file at
// a rate hint derived from the mount name's "[N]" suffix or the mount's
// configured limit_rate.
func (a *Admitter) tryStaticFallback(mount string, req Request) (*listener.Listener, error) {
	rate := int64(0)
	if m := kbpsSuffix.FindStringSubmatch(mount); m != nil {
		if kbps, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			rate = kbps * 1000 / 8
		}
	}
	if rate == 0 && a.Lookup != nil {
		if cfg, ok := a.Lookup(mount); ok && cfg.LimitRate > 0 {
			rate = cfg.LimitRate
		}
	}

	if a.Static != nil {
		if err := a.Static(mount, rate, req.Conn); err == nil {
			return nil, nil
		}
	}
	return nil, ErrNotFound
}

// checkLimits implements SPEC_FULL.md §4.8 step 2, executed under src's
// lock. It returns verdictHop with the fallback mount to try next when the
// mount is full and configured with fallback_when_full.
func (a *Admitter) checkLimits(src *source.Source, req Request) (verdict, string) {
	if req.IsSlave {
		return verdictAdmit, ""
	}
	cfg := src.Cfg

	estimate := int64(0)
	if cfg != nil && cfg.Bitrate > 0 {
		estimate = int64(cfg.Bitrate) * 1000 / 8
	} else {
		estimate = src.IncomingRate.Rate()
	}

	if a.GlobalMaxBandwidth > 0 && a.GlobalBW != nil {
		if a.GlobalBW()+estimate > a.GlobalMaxBandwidth {
			return verdictDeny, ""
		}
	}

	if a.DuplicateLogin != nil && a.DuplicateLogin(src, req) {
		return verdictDeny, ""
	}

	if cfg == nil {
		return verdictAdmit, ""
	}

	listeners := len(src.Listeners)
	overListeners := cfg.MaxListeners >= 0 && listeners >= cfg.MaxListeners
	overBandwidth := cfg.MaxBandwidth >= 0 && src.OutgoingRate.Rate()+estimate > cfg.MaxBandwidth

	if overListeners || overBandwidth {
		if cfg.FallbackWhenFull && cfg.FallbackMount != "" {
			return verdictHop, cfg.FallbackMount
		}
		return verdictDeny, ""
	}

	return verdictAdmit, ""
}

// setupListener implements SPEC_FULL.md §4.8 step 4: build the Listener in
// its correct initial state, apply the listener-duration deadline, and
// insert it into the source's listener map. Called with src's lock held.
func (a *Admitter) setupListener(src *source.Source, req Request) *listener.Listener {
	l := listener.New(uuid.New().String(), req.Conn, src, req.Burst)
	l.SetWorkerBalancer(a.Balancer)

	switch {
	case src.IsListenersSync():
		l.SetState(listener.StateWait)
	case src.Flags&source.OnDemand != 0 && !src.IsRunning():
		l.SetState(listener.StatePause)
		if a.WakeOnDemand != nil {
			a.WakeOnDemand(src.Mount())
		}
	default:
		// listener.New already defaults to StateHTTPListener.
	}

	if src.Cfg != nil && src.Cfg.MaxListenerDuration > 0 {
		l.SetDisconTime(time.Now().Add(src.Cfg.MaxListenerDuration))
	}

	src.Listeners[l.ID()] = l
	return l
}
