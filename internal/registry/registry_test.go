package registry

import "testing"

// fakeSource is a minimal MountSource stand-in for exercising the registry
// without pulling in the source package.
type fakeSource struct {
	mount       string
	terminating bool
	sync        bool
	hasProducer bool
}

func (f *fakeSource) Mount() string          { return f.mount }
func (f *fakeSource) IsTerminating() bool    { return f.terminating }
func (f *fakeSource) IsListenersSync() bool  { return f.sync }
func (f *fakeSource) HasProducer() bool      { return f.hasProducer }

func TestReserveCreatedForAbsentMount(t *testing.T) {
	r := New()
	src, result := r.Reserve("/stream.mp3", true)
	if result != ReserveCreated {
		t.Fatalf("Reserve() result = %v, want ReserveCreated", result)
	}
	if src != nil {
		t.Errorf("Reserve() returned a source for ReserveCreated, want nil")
	}
}

func TestReserveDeniedWithoutHijack(t *testing.T) {
	r := New()
	existing := &fakeSource{mount: "/stream.mp3", hasProducer: true}
	if !r.Install(existing) {
		t.Fatal("Install() failed for a fresh mount")
	}

	_, result := r.Reserve("/stream.mp3", false)
	if result != ReserveDenied {
		t.Errorf("Reserve(hijack=false) result = %v, want ReserveDenied", result)
	}
}

func TestReserveDeniedDuringListenerSync(t *testing.T) {
	r := New()
	existing := &fakeSource{mount: "/stream.mp3", sync: true}
	r.Install(existing)

	_, result := r.Reserve("/stream.mp3", true)
	if result != ReserveDenied {
		t.Errorf("Reserve(hijack=true) during listener sync = %v, want ReserveDenied", result)
	}
}

func TestReserveExistingForHijack(t *testing.T) {
	r := New()
	existing := &fakeSource{mount: "/stream.mp3", hasProducer: true}
	r.Install(existing)

	src, result := r.Reserve("/stream.mp3", true)
	if result != ReserveExisting {
		t.Fatalf("Reserve(hijack=true) result = %v, want ReserveExisting", result)
	}
	if src != existing {
		t.Errorf("Reserve() returned %v, want the existing source", src)
	}
}

func TestInstallRejectsDuplicateMount(t *testing.T) {
	r := New()
	first := &fakeSource{mount: "/a.mp3"}
	second := &fakeSource{mount: "/a.mp3"}

	if !r.Install(first) {
		t.Fatal("Install() of the first source failed")
	}
	if r.Install(second) {
		t.Errorf("Install() allowed a duplicate mount name")
	}

	got, ok := r.FindRaw("/a.mp3")
	if !ok || got != first {
		t.Errorf("FindRaw() = (%v, %v), want the first source", got, ok)
	}
}

func TestFindWithFallbackReturnsDirectHit(t *testing.T) {
	r := New()
	r.Install(&fakeSource{mount: "/live.mp3", hasProducer: true})

	s, hops, found := r.FindWithFallback("/live.mp3", func(string) (string, bool) {
		t.Fatal("next() called despite a direct, available hit")
		return "", false
	})
	if !found || hops != 0 {
		t.Errorf("FindWithFallback() = (found=%v, hops=%d), want (true, 0)", found, hops)
	}
	if s == nil || s.Mount() != "/live.mp3" {
		t.Errorf("FindWithFallback() returned %v, want /live.mp3", s)
	}
}

func TestFindWithFallbackSkipsUnavailableSources(t *testing.T) {
	r := New()
	r.Install(&fakeSource{mount: "/dead.mp3", terminating: true})
	r.Install(&fakeSource{mount: "/backup.mp3", hasProducer: true})

	chain := map[string]string{"/dead.mp3": "/backup.mp3"}
	s, hops, found := r.FindWithFallback("/dead.mp3", func(m string) (string, bool) {
		n, ok := chain[m]
		return n, ok
	})
	if !found {
		t.Fatalf("FindWithFallback() did not find the fallback target")
	}
	if hops != 1 {
		t.Errorf("FindWithFallback() hops = %d, want 1", hops)
	}
	if s.Mount() != "/backup.mp3" {
		t.Errorf("FindWithFallback() = %v, want /backup.mp3", s.Mount())
	}
}

func TestFindWithFallbackBoundsDepth(t *testing.T) {
	r := New()
	calls := 0
	_, hops, found := r.FindWithFallback("/m0", func(m string) (string, bool) {
		calls++
		return "/next", true // an unbroken chain that never resolves
	})
	if found {
		t.Errorf("FindWithFallback() found a source in an infinite chain, want false")
	}
	if hops != MaxFallbackDepth {
		t.Errorf("FindWithFallback() hops = %d, want MaxFallbackDepth (%d)", hops, MaxFallbackDepth)
	}
	if calls > MaxFallbackDepth {
		t.Errorf("next() called %d times, want at most %d", calls, MaxFallbackDepth)
	}
}

func TestFindWithFallbackStopsWhenChainBreaks(t *testing.T) {
	r := New()
	_, hops, found := r.FindWithFallback("/missing.mp3", func(string) (string, bool) {
		return "", false
	})
	if found {
		t.Errorf("FindWithFallback() found a source with no chain and no registered mount")
	}
	if hops != 0 {
		t.Errorf("FindWithFallback() hops = %d, want 0", hops)
	}
}

func TestRemoveOnlyDropsCurrentOccupant(t *testing.T) {
	r := New()
	original := &fakeSource{mount: "/a.mp3"}
	r.Install(original)

	replacement := &fakeSource{mount: "/a.mp3"}
	r.Remove(replacement) // not the current occupant, must be a no-op

	if _, ok := r.FindRaw("/a.mp3"); !ok {
		t.Fatalf("Remove() with a stale source removed the current occupant")
	}

	r.Remove(original)
	if _, ok := r.FindRaw("/a.mp3"); ok {
		t.Errorf("Remove() with the current occupant left it registered")
	}
}

func TestMountsReturnsSortedSnapshot(t *testing.T) {
	r := New()
	r.Install(&fakeSource{mount: "/c.mp3"})
	r.Install(&fakeSource{mount: "/a.mp3"})
	r.Install(&fakeSource{mount: "/b.mp3"})

	got := r.Mounts()
	if len(got) != 3 {
		t.Fatalf("Mounts() returned %d entries, want 3", len(got))
	}
	want := []string{"/a.mp3", "/b.mp3", "/c.mp3"}
	for i, m := range got {
		if m.Mount() != want[i] {
			t.Errorf("Mounts()[%d] = %q, want %q", i, m.Mount(), want[i])
		}
	}
}
