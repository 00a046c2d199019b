package format

import (
	"bufio"
	"fmt"
	"io"

	"github.com/khaliullov/icecast-kh/internal/block"
)

var (
	mp3BitratesV1L3 = []int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mp3SampleRatesV1 = []int{44100, 48000, 32000, 0}
)

// mp3FrameLen returns the length in bytes of the MPEG-1 Layer III frame
// starting at data, or 0 if data does not begin with a valid frame header.
// Adapted from the retrieved corpus's DetectMP3Frame, trimmed to the single
// version/layer combination (MPEG-1 Layer III) that dominates Icecast MP3
// mounts; other combinations fall back to the generic adapter's fixed
// chunking, which is always a legal (if less precisely synced) framing.
func mp3FrameLen(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	if data[0] != 0xFF || (data[1]&0xE0) != 0xE0 {
		return 0
	}

	version := (data[1] >> 3) & 0x03
	layer := (data[1] >> 1) & 0x03
	if version != 3 || layer != 1 { // MPEG-1, Layer III
		return 0
	}

	bitrateIdx := (data[2] >> 4) & 0x0F
	samplingIdx := (data[2] >> 2) & 0x03
	padding := int((data[2] >> 1) & 0x01)

	if bitrateIdx == 0 || bitrateIdx == 15 || samplingIdx == 3 {
		return 0
	}

	bitrate := mp3BitratesV1L3[bitrateIdx] * 1000
	samplingRate := mp3SampleRatesV1[samplingIdx]
	if bitrate == 0 || samplingRate == 0 {
		return 0
	}

	return 144*bitrate/samplingRate + padding
}

// MP3 is an Adapter that recognizes MPEG-1 Layer III frame boundaries in the
// producer's byte stream and places SYNC on every frame (any frame boundary
// is a legal place for a listener to start decoding). It never decodes to
// PCM (SPEC_FULL.md's "dropped teacher dependencies": no go-mp3, no
// transcoding) — it only parses the four-byte frame header.
//
// carry holds up to three bytes read while probing a candidate frame header
// that turned out not to match, so the next GetBuffer call resumes scanning
// one byte later instead of re-reading from the wire.
type MP3 struct {
	carry []byte
}

// NewMP3 creates an MP3 frame-sync adapter.
func NewMP3() *MP3 {
	return &MP3{}
}

func (m *MP3) GetBuffer(r io.Reader) (*block.Block, error) {
	head := make([]byte, 4)
	n := copy(head, m.carry)
	m.carry = nil

	if n < 4 {
		rn, err := io.ReadFull(r, head[n:])
		if n+rn < 4 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if n+rn > 0 {
					m.carry = append(m.carry, head[:n+rn]...)
				}
				return nil, nil
			}
			return nil, err
		}
	}

	frameLen := mp3FrameLen(head)
	if frameLen <= 4 {
		// Not a recognizable frame header: drop the leading byte, hand it
		// back as an unsynced block, and carry the remaining three forward
		// so the next call resyncs one byte later rather than re-scanning
		// the stream from the start.
		m.carry = append(m.carry, head[1:]...)
		return block.New(head[:1], 0), nil
	}

	rest := make([]byte, frameLen-4)
	n, err := io.ReadFull(r, rest)
	if n < len(rest) {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Partial frame at end of stream: hand back what we have.
			frame := append(head, rest[:n]...)
			return block.New(frame, 0), nil
		}
		return nil, err
	}

	frame := append(head, rest...)
	return block.New(frame, block.Sync), nil
}

func (m *MP3) CreateClientHeaders() *block.Block {
	header := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\n\r\n", m.ContentType())
	return block.New([]byte(header), 0)
}

func (m *MP3) WriteBufToClient(w ClientWriter, b *block.Block, pos int) (int, error) {
	if pos >= b.Len() {
		return 0, nil
	}
	return w.Write(b.Bytes[pos:])
}

func (m *MP3) WriteBufToFile(w io.Writer, b *block.Block) error {
	if w == nil {
		return nil
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(b.Bytes); err != nil {
		return err
	}
	return bw.Flush()
}

func (m *MP3) ContentType() string {
	return "audio/mpeg"
}
