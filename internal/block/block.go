// Package block implements the immutable, reference-counted audio block that
// flows from a mountpoint's producer through the source queue to its listeners.
package block

// Flag marks a structural property of a Block. Flags are the only part of a
// published Block that may still change, and only while the owning source's
// lock is held.
type Flag uint8

const (
	// Sync marks a block that is safe to begin streaming from: a codec frame
	// boundary, as decided by the FormatAdapter that produced it.
	Sync Flag = 1 << iota
	// Queue marks a block that has been linked into a SourceQueue (as opposed
	// to, say, a private per-listener copy made during detach).
	Queue
	// ReleaseMarker is set on a block once it has been unlinked from the
	// queue's head. A listener that still references such a block must drop
	// it and be released (the "slow listener" path).
	ReleaseMarker
)

// Block is an immutable run of encoded audio bytes. Once linked into a
// SourceQueue, Bytes is never mutated; only Flags (to add ReleaseMarker) and
// Next (once, to extend the chain) change, and only under the source lock.
type Block struct {
	Bytes []byte
	Flags Flag
	Next  *Block

	refcount int
}

// New wraps a byte slice in a fresh, unreferenced Block.
func New(data []byte, flags Flag) *Block {
	return &Block{Bytes: data, Flags: flags}
}

// Len returns the number of content bytes in the block.
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Bytes)
}

// HasFlag reports whether all bits in f are set.
func (b *Block) HasFlag(f Flag) bool {
	return b.Flags&f == f
}

// SetFlag ORs f into the block's flag word. Callers must hold the owning
// source's lock.
func (b *Block) SetFlag(f Flag) {
	b.Flags |= f
}

// Retain takes a reference on the block. Callers must hold the owning
// source's lock; this is not done atomically because, per the spec, the
// refcount is structural state guarded by that lock, not independently
// shared memory.
func (b *Block) Retain() {
	b.refcount++
}

// Release drops a reference and reports whether the block has no remaining
// referrers. Callers must hold the owning source's lock.
func (b *Block) Release() bool {
	b.refcount--
	return b.refcount <= 0
}

// RefCount returns the current reference count, for tests and invariant
// checks (P4). Callers must hold the owning source's lock.
func (b *Block) RefCount() int {
	return b.refcount
}
