package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Binary frame layout, client <-> server:
//
//	[type:1][reserved:1][length:2 big-endian][payload:length]
//
// Audio travels in these frames; control messages travel as JSON text
// messages on the same connection (see message.go).
const (
	// FrameHeaderSize is the fixed header length in bytes.
	FrameHeaderSize = 4

	// MaxFramePayload is the largest payload a frame can carry.
	MaxFramePayload = 0xFFFF
)

// FrameType identifies the frame payload kind.
type FrameType byte

const (
	// FrameAudio carries one encoded audio chunk.
	FrameAudio FrameType = 0x01
)

// Sentinel errors for frame codec failures.
var (
	// ErrTruncatedFrame is returned when the input ends mid-frame.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxFramePayload.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds 65535 bytes")
)

// Frame is one wire frame. Frames are immutable once decoded; the codec is
// stateless and safe to use concurrently on independent streams.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// EncodeFrame serializes a frame to wire bytes.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = 0x00 // reserved
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses one frame from the start of data.
// Returns the frame and the number of bytes consumed.
func DecodeFrame(data []byte) (Frame, int, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, 0, ErrTruncatedFrame
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < FrameHeaderSize+length {
		return Frame{}, 0, ErrTruncatedFrame
	}

	payload := make([]byte, length)
	copy(payload, data[FrameHeaderSize:FrameHeaderSize+length])

	return Frame{
		Type:    FrameType(data[0]),
		Payload: payload,
	}, FrameHeaderSize + length, nil
}

// ReadFrame reads exactly one frame from r.
// Returns io.EOF on a clean end of stream and ErrTruncatedFrame when the
// stream ends inside a frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrTruncatedFrame
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, ErrTruncatedFrame
	}

	return Frame{Type: FrameType(header[0]), Payload: payload}, nil
}

// FrameScanner decodes a lazy sequence of frames from a byte stream.
type FrameScanner struct {
	r *bufio.Reader
}

// NewFrameScanner creates a scanner over r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: bufio.NewReader(r)}
}

// Next returns the next frame. io.EOF signals a clean end of stream.
func (s *FrameScanner) Next() (Frame, error) {
	return ReadFrame(s.r)
}

// ChunkPayload splits b into MaxFramePayload-sized pieces so an arbitrarily
// large audio clip can be framed. The returned slices alias b.
func ChunkPayload(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, len(b)/MaxFramePayload+1)
	for len(b) > MaxFramePayload {
		chunks = append(chunks, b[:MaxFramePayload])
		b = b[MaxFramePayload:]
	}
	return append(chunks, b)
}
