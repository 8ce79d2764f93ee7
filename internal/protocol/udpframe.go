package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the length prefix in front of every UDP payload.
const FrameHeaderSize = 2

// MaxFramePayload is the largest payload a 16-bit prefix can describe.
const MaxFramePayload = 0xFFFF

// AppendFrame appends the length-prefixed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return dst, fmt.Errorf("udp payload too large: %d bytes", len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// FrameSplitter turns a stream of chunks back into UDP payloads. A frame may
// span several chunks; the incomplete tail is carried into the next Feed.
// It is goroutine-local and needs no locking.
type FrameSplitter struct {
	pending []byte
}

// Feed consumes chunk entirely and returns every payload completed by it,
// in order. Returned slices do not alias chunk.
func (s *FrameSplitter) Feed(chunk []byte) [][]byte {
	buf := chunk
	if len(s.pending) > 0 {
		buf = append(s.pending, chunk...)
		s.pending = nil
	}

	var out [][]byte
	for len(buf) >= FrameHeaderSize {
		n := int(binary.BigEndian.Uint16(buf))
		if len(buf) < FrameHeaderSize+n {
			break
		}
		payload := make([]byte, n)
		copy(payload, buf[FrameHeaderSize:FrameHeaderSize+n])
		out = append(out, payload)
		buf = buf[FrameHeaderSize+n:]
	}

	if len(buf) > 0 {
		s.pending = append([]byte(nil), buf...)
	}
	return out
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (s *FrameSplitter) Pending() int {
	return len(s.pending)
}
