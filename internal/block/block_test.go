package block

import "testing"

func TestNewStartsUnreferenced(t *testing.T) {
	b := New([]byte("abcd"), Sync)
	if got := b.RefCount(); got != 0 {
		t.Errorf("RefCount() = %d, want 0", got)
	}
	if got := b.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}

func TestRetainRelease(t *testing.T) {
	b := New([]byte("x"), 0)

	b.Retain()
	b.Retain()
	if got := b.RefCount(); got != 2 {
		t.Fatalf("RefCount() after two Retain = %d, want 2", got)
	}

	if drained := b.Release(); drained {
		t.Errorf("Release() after two Retain reported drained, want still referenced")
	}
	if got := b.RefCount(); got != 1 {
		t.Errorf("RefCount() = %d, want 1", got)
	}

	if drained := b.Release(); !drained {
		t.Errorf("Release() on last reference did not report drained")
	}
	if got := b.RefCount(); got != 0 {
		t.Errorf("RefCount() = %d, want 0", got)
	}
}

func TestReleaseWithoutRetainReportsDrained(t *testing.T) {
	b := New(nil, 0)
	if drained := b.Release(); !drained {
		t.Errorf("Release() on an unreferenced block did not report drained")
	}
}

func TestHasFlagRequiresAllBits(t *testing.T) {
	tests := []struct {
		name  string
		flags Flag
		check Flag
		want  bool
	}{
		{"exact match", Sync, Sync, true},
		{"missing bit", Queue, Sync, false},
		{"subset of combined", Sync | Queue, Sync, true},
		{"combined not present", Sync, Sync | Queue, false},
		{"zero flags never match nonzero", 0, Sync, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(nil, tt.flags)
			if got := b.HasFlag(tt.check); got != tt.want {
				t.Errorf("HasFlag(%v) on block with %v = %v, want %v", tt.check, tt.flags, got, tt.want)
			}
		})
	}
}

func TestSetFlagOrsIn(t *testing.T) {
	b := New(nil, Sync)
	b.SetFlag(ReleaseMarker)
	if !b.HasFlag(Sync) {
		t.Errorf("SetFlag cleared an existing flag")
	}
	if !b.HasFlag(ReleaseMarker) {
		t.Errorf("SetFlag did not set the new flag")
	}
}

func TestLenOnNilBlock(t *testing.T) {
	var b *Block
	if got := b.Len(); got != 0 {
		t.Errorf("Len() on nil block = %d, want 0", got)
	}
}
