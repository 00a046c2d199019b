package format

import (
	"bufio"
	"fmt"
	"io"

	"github.com/khaliullov/icecast-kh/internal/block"
)

// GenericSyncInterval is the default number of bytes between SYNC-flagged
// blocks produced by the generic adapter, mirroring the retrieved corpus's
// SyncPointInterval (16 KiB) used to place synthetic sync points on streams
// whose real codec structure the core doesn't parse.
const GenericSyncInterval = 16 * 1024

// GenericChunkSize is the size of each block the generic adapter reads,
// matching the corpus's 4 KiB default read chunk.
const GenericChunkSize = 4 * 1024

// Generic is a codec-agnostic Adapter standing in for the out-of-scope Ogg
// codec plugin (SPEC_FULL.md §2.1.11): it frames the producer's byte stream
// into fixed-size blocks and tags SYNC every GenericSyncInterval bytes.
type Generic struct {
	bytesSinceSync int64
	contentType    string
}

// NewGeneric creates a generic adapter reporting the given Content-Type to
// listeners (e.g. "application/ogg").
func NewGeneric(contentType string) *Generic {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Generic{contentType: contentType}
}

func (g *Generic) GetBuffer(r io.Reader) (*block.Block, error) {
	buf := make([]byte, GenericChunkSize)
	n, err := io.ReadAtLeast(r, buf, 1)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}

	b := block.New(buf[:n], 0)
	g.bytesSinceSync += int64(n)
	if g.bytesSinceSync >= GenericSyncInterval {
		b.SetFlag(block.Sync)
		g.bytesSinceSync = 0
	}
	return b, nil
}

func (g *Generic) CreateClientHeaders() *block.Block {
	header := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\n\r\n", g.contentType)
	return block.New([]byte(header), 0)
}

func (g *Generic) WriteBufToClient(w ClientWriter, b *block.Block, pos int) (int, error) {
	if pos >= b.Len() {
		return 0, nil
	}
	return w.Write(b.Bytes[pos:])
}

func (g *Generic) WriteBufToFile(w io.Writer, b *block.Block) error {
	if w == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(b.Bytes); err != nil {
		return err
	}
	return bw.Flush()
}

func (g *Generic) ContentType() string {
	return g.contentType
}
