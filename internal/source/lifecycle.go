package source

import (
	"net/url"
	"strings"
	"time"

	"github.com/khaliullov/icecast-kh/internal/registry"
)

// DumpWriter is the dump-file handle Init opens through openDump; the real
// file and its strftime-expansion live outside this module (SPEC_FULL.md
// §1, §6).
type DumpWriter interface {
	Write([]byte) (int, error)
	Close() error
}

// Init runs when the producer's callback fires for the first time after
// headers were sent (SPEC_FULL.md §4.3 init): opens the dump file, seeds
// stats, parses ice-audio-info, starts rate meters, sets Running, clears
// OnDemand. openDump, if non-nil, is the (external, per §1) dump-file
// opener; audioInfoHeader is the raw ice-audio-info header value, if any.
func (s *Source) Init(now time.Time, audioInfoHeader string, openDump func(name string) (DumpWriter, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DumpFilename != "" && openDump != nil {
		f, err := openDump(s.DumpFilename)
		if err == nil {
			s.dumpFile = f
		}
	}

	s.LastRead = now
	s.startedAt = now
	s.ClientStatsAt = now
	s.WorkerRecheckAt = now

	parseAudioInfo(s.AudioInfo, audioInfoHeader)

	s.Flags = s.Flags | Running
	s.Flags &^= OnDemand

	return nil
}

// parseAudioInfo fills dst from the semicolon-separated, URL-escaped
// ice-audio-info header, keeping only keys beginning "ice-" or equal to
// "bitrate" (SPEC_FULL.md §4.3).
func parseAudioInfo(dst map[string]string, header string) {
	if header == "" {
		return
	}
	for _, pair := range strings.Split(header, ";") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		if key != "bitrate" && !strings.HasPrefix(key, "ice-") {
			continue
		}
		val, err := url.QueryUnescape(kv[1])
		if err != nil {
			val = kv[1]
		}
		dst[key] = val
	}
}

// Shutdown implements SPEC_FULL.md §4.3 shutdown: clears OnDemand/Timeout,
// sets Terminating+ListenersSync, seeds TerminationCount from the listener
// count, wakes every listener, and — if withFallback — installs the mount's
// configured fallback. runScripts, if non-nil, fires the (external) on
// scripts and auth stream-end hooks.
func (s *Source) Shutdown(withFallback bool, runScripts func()) {
	s.mu.Lock()

	s.Flags &^= OnDemand | Timeout
	s.Flags |= Terminating | ListenersSync
	s.TerminationCount = len(s.Listeners)
	s.SyncStartedAt = time.Now()

	for id := range s.Listeners {
		if s.Scheduler != nil {
			s.Scheduler.Nudge(id)
		}
	}

	dest := ""
	if s.Cfg != nil {
		dest = s.Cfg.FallbackMount
	}

	s.mu.Unlock()

	if runScripts != nil {
		runScripts()
	}

	if withFallback && dest != "" {
		s.SetFallback(dest)
	}
}

// SetOverride implements SPEC_FULL.md §4.3 set_override: locates the
// source currently serving srcMount via reg; if it exists, has listeners,
// and shares a codec type with dest, atomically points it at dest and
// starts the fallback-sync handoff. serveStatic, if non-nil, is called
// instead when no live source exists for srcMount (the external static
// file-serve module, per §1).
func SetOverride(reg *registry.Registry, srcMount string, dest *Source, serveStatic func(mount string)) {
	raw, ok := reg.FindRaw(srcMount)
	if !ok {
		if serveStatic != nil {
			serveStatic(srcMount)
		}
		return
	}
	src, ok := raw.(*Source)
	if !ok {
		return
	}

	src.mu.Lock()
	dest.mu.Lock()
	sameCodec := src.Cfg != nil && dest.Cfg != nil && src.Cfg.Type == dest.Cfg.Type
	hasListeners := len(src.Listeners) > 0
	dest.mu.Unlock()

	if !hasListeners || !sameCodec {
		src.mu.Unlock()
		return
	}

	src.Fallback = &Fallback{Mount: dest.mount, Type: FallbackOverride}
	src.TerminationCount = len(src.Listeners)
	src.Flags |= ListenersSync
	src.SyncStartedAt = time.Now()

	for id := range src.Listeners {
		if src.Scheduler != nil {
			src.Scheduler.Nudge(id)
		}
	}
	src.mu.Unlock()
}

// SetFallback implements SPEC_FULL.md §4.3 set_fallback: a no-op if destMount
// is empty or there are no listeners; otherwise it computes a bitrate hint
// (the rolling in-bitrate once connected more than 40s, else LimitRate) and
// stores the fallback descriptor.
func (s *Source) SetFallback(destMount string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if destMount == "" || len(s.Listeners) == 0 {
		return
	}

	hint := s.LimitRate
	if !s.startedAt.IsZero() && time.Since(s.startedAt) > 40*time.Second {
		hint = s.IncomingRate.Rate()
	}

	codec := ""
	if s.Cfg != nil {
		codec = s.Cfg.Type
	}

	s.Fallback = &Fallback{
		Mount:       destMount,
		Type:        FallbackConfigured,
		BitrateHint: hint,
		CodecType:   codec,
	}
}

// Free implements SPEC_FULL.md §4.3 free_source: unlink from the registry,
// take the source lock, release the queue's references, and close the dump
// file. Callers must ensure ListenerCount() is already 0.
func (s *Source) Free(reg *registry.Registry) {
	reg.Remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Queue.Release()
	if s.dumpFile != nil {
		s.dumpFile.Close()
		s.dumpFile = nil
	}
	s.Producer = nil
}
