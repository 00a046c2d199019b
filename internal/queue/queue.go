// Package queue implements the per-source streaming queue: a singly linked
// chain of reference-counted blocks with burst/min-queue retention discipline.
//
// All methods assume the caller holds the owning source's lock; Queue itself
// does no locking (per SPEC_FULL.md §5: "a mount-wide lock serialises
// structural changes").
package queue

import "github.com/khaliullov/icecast-kh/internal/block"

// Queue is a SourceQueue: head/tail of the block chain, plus a min-cursor
// marking the burst-retention window.
type Queue struct {
	Head *block.Block
	Tail *block.Block

	MinCursor *block.Block
	MinOffset int64

	MinSize          int64
	DefaultBurstSize int64

	QueueSize      int64
	QueueSizeLimit int64
}

// New creates an empty queue with the given min-queue size, default burst
// size, and hard size limit (mirrors SourceQueue's constructor fields in
// SPEC_FULL.md §3).
func New(minSize, defaultBurstSize, queueSizeLimit int64) *Queue {
	return &Queue{
		MinSize:          minSize,
		DefaultBurstSize: defaultBurstSize,
		QueueSizeLimit:   queueSizeLimit,
	}
}

// Append links b onto the tail of the queue, following SPEC_FULL.md §4.2
// step 7: the new block becomes head+min-cursor if the queue was empty,
// otherwise it is linked after the old tail; the source's tail-retention
// reference moves from the old tail to the new one, and the new tail also
// gains a second, burst-window reference. The min-cursor then advances so
// MinOffset stays within [0, MinSize+largest block].
func (q *Queue) Append(b *block.Block) {
	b.SetFlag(block.Queue)

	if q.Head == nil {
		q.Head = b
		q.MinCursor = b
		q.MinOffset = 0
	} else {
		q.Tail.Next = b
		q.Tail.Release() // drop old tail's retention reference
	}

	q.Tail = b
	q.QueueSize += int64(b.Len())

	b.Retain() // tail retention reference
	b.Retain() // burst-window (min-cursor..tail) reference

	q.MinOffset += int64(b.Len())
	for q.MinOffset > q.MinSize && q.MinCursor != nil && q.MinCursor.Next != nil {
		q.MinCursor.Release()
		next := q.MinCursor.Next
		q.MinOffset -= int64(q.MinCursor.Len())
		q.MinCursor = next
	}
}

// ShouldTrimHead reports whether the head block should be unlinked: either
// the queue has grown past its configured limit, or the head carries no
// references at all (a block still inside the min-window holds a
// burst-window reference of its own and never reaches this).
func (q *Queue) ShouldTrimHead() bool {
	if q.Head == nil {
		return false
	}
	if q.QueueSize > q.QueueSizeLimit {
		return true
	}
	return q.Head.RefCount() <= 0
}

// TrimHead marks the head block with ReleaseMarker, unlinks it, releases the
// queue's own reference, and subtracts its length from QueueSize. It returns
// the unlinked block so callers can detect listeners still pinned to it
// (P5: a listener referencing a released block must be dropped).
func (q *Queue) TrimHead() *block.Block {
	old := q.Head
	if old == nil {
		return nil
	}

	old.SetFlag(block.ReleaseMarker)
	q.Head = old.Next
	if q.Head == nil {
		q.Tail = nil
	}
	if q.MinCursor == old {
		q.MinCursor = q.Head
	}

	q.QueueSize -= int64(old.Len())
	old.Release()

	return old
}

// Empty reports whether the queue currently holds no blocks.
func (q *Queue) Empty() bool {
	return q.Head == nil
}

// Release drops every reference the queue itself holds: the tail retention
// reference and the min-window references from min-cursor through tail, then
// walks the remaining chain. Used by source teardown (free_source, §4.3).
func (q *Queue) Release() {
	if q.Head == nil {
		return
	}

	// Undo the burst-window references (min-cursor..tail).
	for cur := q.MinCursor; cur != nil; cur = cur.Next {
		cur.Release()
	}
	// Undo the tail retention reference.
	if q.Tail != nil {
		q.Tail.Release()
	}

	q.Head = nil
	q.Tail = nil
	q.MinCursor = nil
	q.MinOffset = 0
	q.QueueSize = 0
}
