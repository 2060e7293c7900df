package packet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ──────────────────────────────────────────────────────────────────────────────
//
//	Stream framing -- matches the firmware's TCP/serial API byte-for-byte
//
//	[0x94][0xC3][lenHi][lenLo] || payload
//
// ──────────────────────────────────────────────────────────────────────────────
const (
	START1     byte = 0x94
	START2     byte = 0xC3
	HEADER_LEN      = 4
)

var ErrFrameTooLarge = errors.New("frame too large")

// Frame prefixes payload with the stream header.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HEADER_LEN+len(payload))
	buf[0] = START1
	buf[1] = START2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HEADER_LEN:], payload)
	return buf, nil
}

// FrameReader extracts framed payloads from a byte stream. Bytes outside a
// frame (firmware debug output, wake-up sequences) are skipped, and a header
// announcing more than MaxLen bytes is treated as noise so the reader can
// resynchronise on the next START1.
type FrameReader struct {
	r      *bufio.Reader
	MaxLen int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MAX_TO_FROM_RADIO_SIZE), MaxLen: MAX_TO_FROM_RADIO_SIZE}
}

// ReadFrame blocks until a complete frame is available and returns its
// payload.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != START1 {
			continue
		}

		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != START2 {
			if b == START1 {
				_ = fr.r.UnreadByte()
			}
			continue
		}

		var hdr [2]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > fr.MaxLen {
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
