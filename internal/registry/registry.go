// Package registry implements the process-wide mount-name → Source map
// (SPEC_FULL.md §4.1), grounded on original_source/src/source.c's
// source_reserve/source_find_mount/source_remove_source and on the
// name→path RWMutex map shape in the retrieved corpus's mediamtx path
// manager.
package registry

import (
	"sort"
	"sync"
)

// MountSource is the subset of Source behavior the registry needs, kept as
// an interface so this package has no dependency on the source package
// (which itself depends on registry for fallback lookups).
type MountSource interface {
	Mount() string
	IsTerminating() bool
	IsListenersSync() bool
	HasProducer() bool
}

// Registry is the totally-ordered mount-name → Source map.
type Registry struct {
	mu     sync.RWMutex
	mounts map[string]MountSource
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{mounts: make(map[string]MountSource)}
}

// ReserveResult reports the outcome of Reserve.
type ReserveResult int

const (
	// ReserveCreated means a brand new Source should be constructed and
	// installed via Install.
	ReserveCreated ReserveResult = iota
	// ReserveExisting means an existing, reusable Source was found.
	ReserveExisting
	// ReserveDenied means the mount is in use and must not be claimed
	// (either already present with returnExistingIfDraining=false, or
	// mid-fallback-sync).
	ReserveDenied
)

// Reserve implements SPEC_FULL.md §4.1's reserve: under the write lock, look
// up mount. If absent, the caller should construct a Source and call
// Install. If present and returnExistingIfDraining is false, deny. If
// present and mid-listener-sync, deny (a new producer would race the
// in-flight fallback). Otherwise return the existing source.
func (r *Registry) Reserve(mount string, returnExistingIfDraining bool) (MountSource, ReserveResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.mounts[mount]
	if !ok {
		return nil, ReserveCreated
	}
	if !returnExistingIfDraining {
		return nil, ReserveDenied
	}
	if existing.IsListenersSync() {
		return nil, ReserveDenied
	}
	return existing, ReserveExisting
}

// Install links a newly constructed Source into the registry under the
// write lock. Callers must have just received ReserveCreated from Reserve
// for the same mount name (the registry does not re-check presence, since
// Reserve already serialized the decision under the same lock in spirit —
// callers are expected to call Install promptly after Reserve without
// yielding the registry's write intent to another goroutine in between is
// not enforceable across two lock acquisitions, so Install re-validates).
func (r *Registry) Install(src MountSource) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[src.Mount()]; exists {
		return false
	}
	r.mounts[src.Mount()] = src
	return true
}

// FindRaw performs a direct, unconditional lookup under the read lock.
func (r *Registry) FindRaw(mount string) (MountSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.mounts[mount]
	return s, ok
}

// available reports whether s is a usable fallback target: present,
// not terminating, and has a live producer.
func available(s MountSource) bool {
	return s != nil && !s.IsTerminating() && s.HasProducer()
}

// MaxFallbackDepth bounds fallback-chain traversal (SPEC_FULL.md §4.1, P6).
const MaxFallbackDepth = 10

// FindWithFallback walks at most MaxFallbackDepth links along the chain
// produced by next (the configured fallback_mount for each hop), stopping
// at the first mount whose source is available. It returns the source (if
// any) and the number of hops taken, satisfying P6 by construction: the
// loop itself is the only place depth increases.
func (r *Registry) FindWithFallback(mount string, next func(mount string) (string, bool)) (MountSource, int, bool) {
	depth := 0
	for depth < MaxFallbackDepth {
		if s, ok := r.FindRaw(mount); ok && available(s) {
			return s, depth, true
		}
		nextMount, ok := next(mount)
		if !ok || nextMount == "" {
			return nil, depth, false
		}
		mount = nextMount
		depth++
	}
	return nil, depth, false
}

// Remove unlinks src from the registry under the write lock. It is a no-op
// if src is not the currently registered source for its mount (guards
// against racing with a hijack/replace).
func (r *Registry) Remove(src MountSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.mounts[src.Mount()]; ok && cur == src {
		delete(r.mounts, src.Mount())
	}
}

// Mounts returns a sorted snapshot of mount names, for the dashboard/admin
// surfaces (SPEC_FULL.md §2.1.14-15) which read a point-in-time copy rather
// than holding the registry lock while rendering.
func (r *Registry) Mounts() []MountSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mounts))
	for name := range r.mounts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]MountSource, 0, len(names))
	for _, name := range names {
		out = append(out, r.mounts[name])
	}
	return out
}
