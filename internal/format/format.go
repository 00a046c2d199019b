// Package format defines the FormatAdapter contract the core consumes from
// the (out-of-scope, per SPEC_FULL.md §1) per-codec plugins, plus two
// reference adapters — generic and mp3 — that make the core exercisable
// end-to-end without a real Ogg/MP3 codec plugin.
package format

import (
	"io"

	"github.com/khaliullov/icecast-kh/internal/block"
)

// ClientWriter is the minimal surface a listener or producer connection
// exposes to a FormatAdapter: a place to write response/audio bytes and a
// running total of how many have gone out. The acceptor and socket I/O that
// implement it live outside this module (SPEC_FULL.md §1).
type ClientWriter interface {
	io.Writer
}

// Adapter is the FormatAdapter interface of SPEC_FULL.md §6. It never
// decodes audio to PCM (§1 Non-goals: no transcoding); it only recognizes
// enough codec structure to place SYNC flags and to know where a block ends.
type Adapter interface {
	// GetBuffer pulls the next codec-aligned block from the producer's byte
	// stream. It returns (nil, nil) when no full block is available yet
	// without that being an error (SPEC_FULL.md §4.2 step 7: "soft" case).
	GetBuffer(r io.Reader) (*block.Block, error)

	// CreateClientHeaders builds the per-client HTTP response headers (and,
	// optionally, a chain of intro blocks via Block.Next) for a newly
	// attached listener.
	CreateClientHeaders() *block.Block

	// WriteBufToClient writes as many bytes of b.Bytes[pos:] as the
	// transport accepts, returning the count written.
	WriteBufToClient(w ClientWriter, b *block.Block, pos int) (int, error)

	// WriteBufToFile optionally mirrors a block to a dump file. Adapters
	// that don't support dumping should no-op.
	WriteBufToFile(w io.Writer, b *block.Block) error

	// ContentType is the value sent in the listener response's
	// Content-Type header.
	ContentType() string
}
