package audio

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

// Supported device audio formats.
const (
	FormatOpus  = "opus"
	FormatPCM16 = "pcm16"
)

// Decoder converts one device frame payload into PCM16 samples.
// Decoders are stateful and owned by a single connection.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}

// NewDecoder creates a decoder for the negotiated format.
func NewDecoder(format string, sampleRate, channels int) (Decoder, error) {
	switch format {
	case FormatOpus:
		return NewOpusDecoder(sampleRate, channels)
	case FormatPCM16:
		return PCMDecoder{}, nil
	default:
		return nil, fmt.Errorf("audio: unsupported format %q", format)
	}
}

// PCMDecoder passes raw PCM16 payloads through.
type PCMDecoder struct{}

// Decode converts little-endian PCM16 bytes to samples.
func (PCMDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("audio: odd pcm16 payload length %d", len(payload))
	}
	return BytesToSamples(payload), nil
}

// OpusDecoder decodes Opus frames into PCM16 samples.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewOpusDecoder creates a decoder for mono or stereo Opus at the given rate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	// 120ms is the largest frame Opus allows
	maxSamples := sampleRate * 120 / 1000 * channels
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, maxSamples),
	}, nil
}

// Decode decodes one Opus frame. The returned slice is a copy and safe to
// retain across calls.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}

	out := make([]int16, n*d.channels)
	copy(out, d.buf[:n*d.channels])
	return out, nil
}
