package source

import (
	"errors"
	"testing"
	"time"

	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/format"
	"github.com/khaliullov/icecast-kh/internal/registry"
)

func newTestSource(mount string) *Source {
	return New(mount, config.Default(mount), config.DefaultGlobal(), format.NewGeneric(""))
}

func TestNewSourceStartsOnDemandAndNotRunning(t *testing.T) {
	s := newTestSource("/test.mp3")
	if s.IsRunning() {
		t.Errorf("new Source reports Running, want not running")
	}
	if s.Flags&OnDemand == 0 {
		t.Errorf("new Source does not have OnDemand set")
	}
	if s.ID() == "" {
		t.Errorf("New() did not assign an id")
	}
}

func TestInitSetsRunningAndClearsOnDemand(t *testing.T) {
	s := newTestSource("/test.mp3")
	now := time.Now()

	if err := s.Init(now, "ice-name=Test;bitrate=128", nil); err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}

	if !s.IsRunning() {
		t.Errorf("Init() did not set Running")
	}
	if s.Flags&OnDemand != 0 {
		t.Errorf("Init() did not clear OnDemand")
	}
	if s.AudioInfo["ice-name"] != "Test" || s.AudioInfo["bitrate"] != "128" {
		t.Errorf("Init() parsed AudioInfo = %v, want ice-name=Test bitrate=128", s.AudioInfo)
	}
}

func TestInitIgnoresUnprefixedAudioInfoKeys(t *testing.T) {
	s := newTestSource("/test.mp3")
	if err := s.Init(time.Now(), "evil=payload;ice-genre=Rock", nil); err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}
	if _, ok := s.AudioInfo["evil"]; ok {
		t.Errorf("Init() kept a non ice-/bitrate key")
	}
	if s.AudioInfo["ice-genre"] != "Rock" {
		t.Errorf("Init() AudioInfo[ice-genre] = %q, want Rock", s.AudioInfo["ice-genre"])
	}
}

func TestShutdownMarksTerminatingAndSyncing(t *testing.T) {
	s := newTestSource("/test.mp3")
	s.Init(time.Now(), "", nil)
	s.Listeners["l1"] = fakeListener{id: "l1"}
	s.Listeners["l2"] = fakeListener{id: "l2"}

	s.Shutdown(false, nil)

	if !s.IsTerminating() {
		t.Errorf("Shutdown() did not set Terminating")
	}
	if !s.IsListenersSync() {
		t.Errorf("Shutdown() did not set ListenersSync")
	}
	if s.TerminationCount != 2 {
		t.Errorf("TerminationCount = %d, want 2", s.TerminationCount)
	}
	if s.Flags&OnDemand != 0 || s.Flags&Timeout != 0 {
		t.Errorf("Shutdown() did not clear OnDemand/Timeout")
	}
}

func TestShutdownInstallsConfiguredFallback(t *testing.T) {
	s := newTestSource("/test.mp3")
	s.Init(time.Now(), "", nil)
	s.Cfg.FallbackMount = "/backup.mp3"
	s.Listeners["l1"] = fakeListener{id: "l1"}

	s.Shutdown(true, nil)

	if s.Fallback == nil || s.Fallback.Mount != "/backup.mp3" {
		t.Errorf("Shutdown(withFallback=true) Fallback = %v, want /backup.mp3", s.Fallback)
	}
}

func TestShutdownRunsScriptsHook(t *testing.T) {
	s := newTestSource("/test.mp3")
	called := false
	s.Shutdown(false, func() { called = true })
	if !called {
		t.Errorf("Shutdown() did not invoke runScripts")
	}
}

func TestSetFallbackNoopWithoutListeners(t *testing.T) {
	s := newTestSource("/test.mp3")
	s.SetFallback("/backup.mp3")
	if s.Fallback != nil {
		t.Errorf("SetFallback() with no listeners set Fallback = %v, want nil", s.Fallback)
	}
}

func TestSetFallbackNoopWithEmptyMount(t *testing.T) {
	s := newTestSource("/test.mp3")
	s.Listeners["l1"] = fakeListener{id: "l1"}
	s.SetFallback("")
	if s.Fallback != nil {
		t.Errorf("SetFallback(\"\") set Fallback = %v, want nil", s.Fallback)
	}
}

func TestSetFallbackUsesLimitRateBeforeWarmup(t *testing.T) {
	s := newTestSource("/test.mp3")
	s.LimitRate = 9999
	s.Listeners["l1"] = fakeListener{id: "l1"}
	s.startedAt = time.Now() // freshly started, under the 40s warmup window

	s.SetFallback("/backup.mp3")

	if s.Fallback == nil {
		t.Fatalf("SetFallback() did not install a fallback")
	}
	if s.Fallback.BitrateHint != 9999 {
		t.Errorf("BitrateHint = %d, want LimitRate (9999) before warmup", s.Fallback.BitrateHint)
	}
}

func TestFreeReleasesQueueAndUnregisters(t *testing.T) {
	reg := registry.New()
	s := newTestSource("/test.mp3")
	reg.Install(s)

	s.Free(reg)

	if _, ok := reg.FindRaw("/test.mp3"); ok {
		t.Errorf("Free() did not unregister the source")
	}
	if !s.Queue.Empty() {
		t.Errorf("Free() did not release the queue")
	}
	if s.Producer != nil {
		t.Errorf("Free() left Producer set")
	}
}

func TestGlobalSourcesTryAcquireRespectsLimit(t *testing.T) {
	g := &GlobalSources{}
	if !g.TryAcquire(1) {
		t.Fatalf("TryAcquire(1) on an empty counter failed")
	}
	if g.TryAcquire(1) {
		t.Errorf("TryAcquire(1) succeeded a second time at the limit")
	}
	g.Release()
	if !g.TryAcquire(1) {
		t.Errorf("TryAcquire(1) failed after a Release()")
	}
}

func TestGlobalSourcesUnlimitedWhenZero(t *testing.T) {
	g := &GlobalSources{}
	for i := 0; i < 10; i++ {
		if !g.TryAcquire(0) {
			t.Fatalf("TryAcquire(0) failed on attempt %d, want unlimited", i)
		}
	}
	if got := g.Count(); got != 10 {
		t.Errorf("Count() = %d, want 10", got)
	}
}

func TestGlobalSourcesReleaseNeverGoesNegative(t *testing.T) {
	g := &GlobalSources{}
	g.Release()
	g.Release()
	if got := g.Count(); got != 0 {
		t.Errorf("Count() after Release on an empty counter = %d, want 0", got)
	}
}

func TestStartupCreatesNewSource(t *testing.T) {
	reg := registry.New()
	cfg := config.Default("/test.mp3")
	global := config.DefaultGlobal()
	producer := &Producer{ID: "p1"}

	src, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), producer, false, nil, nil)
	if err != nil {
		t.Fatalf("Startup() returned error: %v", err)
	}
	if src.Producer != producer {
		t.Errorf("Startup() did not attach the producer")
	}
	if _, ok := reg.FindRaw("/test.mp3"); !ok {
		t.Errorf("Startup() did not install the source into the registry")
	}
}

func TestStartupDeniesOccupiedMountWithoutHijack(t *testing.T) {
	reg := registry.New()
	cfg := config.Default("/test.mp3")
	global := config.DefaultGlobal()

	if _, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), &Producer{ID: "p1"}, false, nil, nil); err != nil {
		t.Fatalf("first Startup() returned error: %v", err)
	}
	_, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), &Producer{ID: "p2"}, false, nil, nil)
	if !errors.Is(err, ErrMountInUse) {
		t.Errorf("second Startup() error = %v, want ErrMountInUse", err)
	}
}

func TestStartupHijackSwapsRunningProducer(t *testing.T) {
	reg := registry.New()
	cfg := config.Default("/test.mp3")
	global := config.DefaultGlobal()

	old := &Producer{ID: "old"}
	src, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), old, false, nil, nil)
	if err != nil {
		t.Fatalf("first Startup() returned error: %v", err)
	}
	src.Init(time.Now(), "", nil) // must be Running for a hijack to be accepted

	newProducer := &Producer{ID: "new"}
	got, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), newProducer, true, nil, nil)
	if err != nil {
		t.Fatalf("hijack Startup() returned error: %v", err)
	}
	if got != src {
		t.Errorf("hijack Startup() returned a different *Source")
	}
	if src.Producer != newProducer {
		t.Errorf("hijack did not swap in the new producer")
	}
	if !errors.Is(old.Error, ErrHijacked) {
		t.Errorf("old producer Error = %v, want ErrHijacked", old.Error)
	}
}

func TestStartupRejectsHijackOfNonRunningSource(t *testing.T) {
	reg := registry.New()
	cfg := config.Default("/test.mp3")
	global := config.DefaultGlobal()

	if _, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), &Producer{ID: "old"}, false, nil, nil); err != nil {
		t.Fatalf("first Startup() returned error: %v", err)
	}

	_, err := Startup(reg, "/test.mp3", cfg, global, format.NewGeneric(""), &Producer{ID: "new"}, true, nil, nil)
	if !errors.Is(err, ErrMountInUse) {
		t.Errorf("hijack of a non-running source error = %v, want ErrMountInUse", err)
	}
}

func TestStartupEnforcesGlobalSourceLimit(t *testing.T) {
	reg := registry.New()
	global := config.DefaultGlobal()
	global.SourceLimit = 1
	gs := &GlobalSources{}

	if _, err := Startup(reg, "/a.mp3", config.Default("/a.mp3"), global, format.NewGeneric(""), &Producer{ID: "p1"}, false, gs, nil); err != nil {
		t.Fatalf("first Startup() returned error: %v", err)
	}
	_, err := Startup(reg, "/b.mp3", config.Default("/b.mp3"), global, format.NewGeneric(""), &Producer{ID: "p2"}, false, gs, nil)
	if !errors.Is(err, ErrSourceLimitReached) {
		t.Errorf("second Startup() error = %v, want ErrSourceLimitReached", err)
	}
	if gs.Count() != 1 {
		t.Errorf("GlobalSources.Count() after rejection = %d, want 1 (rollback must not touch the accepted source)", gs.Count())
	}
}

func TestStartupRollsBackOnUnsupportedContentType(t *testing.T) {
	reg := registry.New()
	global := config.DefaultGlobal()
	gs := &GlobalSources{}
	rejectAll := func(*Source) error { return errors.New("unsupported") }

	_, err := Startup(reg, "/test.mp3", config.Default("/test.mp3"), global, format.NewGeneric(""), &Producer{ID: "p1"}, false, gs, rejectAll)
	if !errors.Is(err, ErrUnsupportedContentType) {
		t.Fatalf("Startup() error = %v, want ErrUnsupportedContentType", err)
	}
	if _, ok := reg.FindRaw("/test.mp3"); ok {
		t.Errorf("Startup() left a rejected source registered")
	}
	if gs.Count() != 0 {
		t.Errorf("GlobalSources.Count() after rejection = %d, want 0", gs.Count())
	}
}

// fakeListener is a minimal source.Listener stand-in.
type fakeListener struct{ id string }

func (f fakeListener) ID() string       { return f.id }
func (f fakeListener) QueuePos() int64  { return 0 }
