package queue

import (
	"testing"

	"github.com/khaliullov/icecast-kh/internal/block"
)

func TestAppendFirstBlockBecomesHeadAndMinCursor(t *testing.T) {
	q := New(0, 0, 1<<20)
	b := block.New(make([]byte, 10), block.Sync)

	q.Append(b)

	if q.Head != b || q.Tail != b || q.MinCursor != b {
		t.Fatalf("first Append did not set Head/Tail/MinCursor to the new block")
	}
	if got := b.RefCount(); got != 2 {
		t.Errorf("RefCount() after first Append = %d, want 2 (tail + burst-window)", got)
	}
	if q.QueueSize != 10 {
		t.Errorf("QueueSize = %d, want 10", q.QueueSize)
	}
	if !b.HasFlag(block.Queue) {
		t.Errorf("Append did not set the Queue flag")
	}
}

func TestAppendAdvancesMinCursorPastOldBlocks(t *testing.T) {
	q := New(0, 0, 1<<20) // MinSize 0: the window never retains a finished block
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)

	q.Append(b1)
	q.Append(b2)

	if q.Head != b1 {
		t.Fatalf("Head = %v, want b1", q.Head)
	}
	if q.MinCursor != b2 {
		t.Errorf("MinCursor did not advance past b1 once it fell outside MinSize")
	}
	if got := b1.RefCount(); got != 0 {
		t.Errorf("b1 RefCount() = %d, want 0 (tail ref dropped on Append, window ref dropped by cursor advance)", got)
	}
	if got := b2.RefCount(); got != 2 {
		t.Errorf("b2 RefCount() = %d, want 2 (tail + burst-window)", got)
	}
	if b1.Next != b2 {
		t.Errorf("Append did not link b1.Next to b2")
	}
}

func TestAppendKeepsBlocksWithinMinSizeInWindow(t *testing.T) {
	q := New(1000, 0, 1<<20) // large MinSize: both blocks stay in the burst window
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)

	q.Append(b1)
	q.Append(b2)

	if q.MinCursor != b1 {
		t.Errorf("MinCursor moved past b1 despite MinSize keeping it in the window")
	}
	if got := b1.RefCount(); got != 1 {
		t.Errorf("b1 RefCount() = %d, want 1 (tail ref dropped, window ref retained)", got)
	}
	if got := b2.RefCount(); got != 2 {
		t.Errorf("b2 RefCount() = %d, want 2 (tail + burst-window)", got)
	}
}

func TestShouldTrimHeadByQueueSizeLimit(t *testing.T) {
	q := New(1000, 0, 5) // limit smaller than a single block
	b := block.New(make([]byte, 10), 0)
	q.Append(b)

	if !q.ShouldTrimHead() {
		t.Errorf("ShouldTrimHead() = false, want true once QueueSize exceeds QueueSizeLimit")
	}
}

func TestShouldTrimHeadFalseWhileMultiplyReferenced(t *testing.T) {
	q := New(0, 0, 1<<20)
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)
	q.Append(b1)
	q.Append(b2)

	b1.Retain() // two lagging listeners still on the evicted head
	b1.Retain()

	if q.ShouldTrimHead() {
		t.Errorf("ShouldTrimHead() = true with refcount %d, want false (still multiply referenced)", b1.RefCount())
	}
}

func TestShouldTrimHeadFalseWithLoneLaggingListener(t *testing.T) {
	q := New(0, 0, 1<<20)
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)
	q.Append(b1)
	q.Append(b2)

	b1.Retain() // one lagging listener still referencing the fallen-behind head

	if got := b1.RefCount(); got != 1 {
		t.Fatalf("b1 RefCount() = %d, want 1", got)
	}
	if q.ShouldTrimHead() {
		t.Errorf("ShouldTrimHead() = true, want false: a listener is still reading the head")
	}
}

func TestShouldTrimHeadFalseForInWindowHead(t *testing.T) {
	q := New(1000, 0, 1<<20) // large MinSize: the head stays inside the burst window
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)
	q.Append(b1)
	q.Append(b2)

	if got := b1.RefCount(); got != 1 {
		t.Fatalf("b1 RefCount() = %d, want 1 (burst-window reference, no listener)", got)
	}
	if q.ShouldTrimHead() {
		t.Errorf("ShouldTrimHead() = true, want false: the head is still inside the min-queue window")
	}
}

func TestTrimHeadEvictsFullyDrainedHead(t *testing.T) {
	q := New(0, 0, 1<<20)
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)
	q.Append(b1)
	q.Append(b2)

	if got := b1.RefCount(); got != 0 {
		t.Fatalf("b1 RefCount() = %d, want 0 (out of window, no listeners)", got)
	}
	if !q.ShouldTrimHead() {
		t.Fatalf("ShouldTrimHead() = false, want true once the head carries no references at all")
	}

	trimmed := q.TrimHead()
	if trimmed != b1 {
		t.Fatalf("TrimHead() returned %v, want b1", trimmed)
	}
	if !trimmed.HasFlag(block.ReleaseMarker) {
		t.Errorf("TrimHead() did not set ReleaseMarker on the evicted block")
	}
	if q.Head != b2 {
		t.Errorf("Head after TrimHead = %v, want b2", q.Head)
	}
	if q.QueueSize != 10 {
		t.Errorf("QueueSize after TrimHead = %d, want 10", q.QueueSize)
	}
}

func TestEmpty(t *testing.T) {
	q := New(0, 0, 1<<20)
	if !q.Empty() {
		t.Errorf("Empty() on a freshly created queue = false, want true")
	}
	q.Append(block.New([]byte("x"), 0))
	if q.Empty() {
		t.Errorf("Empty() after Append = true, want false")
	}
}

func TestReleaseDropsAllQueueOwnedReferences(t *testing.T) {
	q := New(1000, 0, 1<<20)
	b1 := block.New(make([]byte, 10), 0)
	b2 := block.New(make([]byte, 10), 0)
	q.Append(b1)
	q.Append(b2)

	q.Release()

	if got := b1.RefCount(); got != 0 {
		t.Errorf("b1 RefCount() after Release() = %d, want 0", got)
	}
	if got := b2.RefCount(); got != 0 {
		t.Errorf("b2 RefCount() after Release() = %d, want 0", got)
	}
	if !q.Empty() {
		t.Errorf("Release() did not reset the queue to empty")
	}
}
