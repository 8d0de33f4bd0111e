package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
	}{
		{
			name:  "audio frame",
			frame: Frame{Type: FrameAudio, Payload: []byte{0x01, 0x02, 0x03, 0x04}},
		},
		{
			name:  "empty payload",
			frame: Frame{Type: FrameAudio, Payload: []byte{}},
		},
		{
			name:  "max payload",
			frame: Frame{Type: FrameAudio, Payload: make([]byte, MaxFramePayload)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodeFrame(tt.frame)
			if err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			if len(wire) != FrameHeaderSize+len(tt.frame.Payload) {
				t.Errorf("wire length = %d, want %d", len(wire), FrameHeaderSize+len(tt.frame.Payload))
			}

			decoded, consumed, err := DecodeFrame(wire)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if consumed != len(wire) {
				t.Errorf("consumed = %d, want %d", consumed, len(wire))
			}
			if decoded.Type != tt.frame.Type {
				t.Errorf("type = %v, want %v", decoded.Type, tt.frame.Type)
			}
			if !bytes.Equal(decoded.Payload, tt.frame.Payload) {
				t.Error("payload does not round-trip")
			}
		})
	}
}

func TestEncodeFrameOversizePayload(t *testing.T) {
	_, err := EncodeFrame(Frame{Type: FrameAudio, Payload: make([]byte, MaxFramePayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	wire, err := EncodeFrame(Frame{Type: FrameAudio, Payload: []byte("hello world")})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty input", data: nil},
		{name: "partial header", data: wire[:2]},
		{name: "header only", data: wire[:FrameHeaderSize]},
		{name: "partial payload", data: wire[:len(wire)-3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeFrame(tt.data); !errors.Is(err, ErrTruncatedFrame) {
				t.Errorf("expected ErrTruncatedFrame, got %v", err)
			}
		})
	}
}

func TestFrameScanner(t *testing.T) {
	payloads := [][]byte{
		[]byte("first"),
		[]byte("second"),
		{},
		[]byte("fourth"),
	}

	var stream bytes.Buffer
	for _, p := range payloads {
		wire, err := EncodeFrame(Frame{Type: FrameAudio, Payload: p})
		if err != nil {
			t.Fatalf("EncodeFrame() error = %v", err)
		}
		stream.Write(wire)
	}

	scanner := NewFrameScanner(&stream)
	for i, want := range payloads {
		frame, err := scanner.Next()
		if err != nil {
			t.Fatalf("Next() frame %d error = %v", i, err)
		}
		if !bytes.Equal(frame.Payload, want) {
			t.Errorf("frame %d payload = %q, want %q", i, frame.Payload, want)
		}
	}

	if _, err := scanner.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFrameScannerMidFrameEOF(t *testing.T) {
	wire, err := EncodeFrame(Frame{Type: FrameAudio, Payload: []byte("incomplete")})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	scanner := NewFrameScanner(bytes.NewReader(wire[:len(wire)-1]))
	if _, err := scanner.Next(); !errors.Is(err, ErrTruncatedFrame) {
		t.Errorf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestChunkPayload(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{name: "empty", size: 0, wantChunks: 0},
		{name: "small", size: 100, wantChunks: 1},
		{name: "exactly max", size: MaxFramePayload, wantChunks: 1},
		{name: "just over max", size: MaxFramePayload + 1, wantChunks: 2},
		{name: "several chunks", size: MaxFramePayload*3 + 10, wantChunks: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkPayload(make([]byte, tt.size))
			if len(chunks) != tt.wantChunks {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.wantChunks)
			}

			var total int
			for i, c := range chunks {
				if len(c) > MaxFramePayload {
					t.Errorf("chunk %d is %d bytes, exceeds max", i, len(c))
				}
				total += len(c)
			}
			if total != tt.size {
				t.Errorf("total chunked bytes = %d, want %d", total, tt.size)
			}
		})
	}
}
