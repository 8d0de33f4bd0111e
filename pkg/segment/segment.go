// Package segment splits streamed text into speakable sentence units.
//
// The reply pipeline feeds raw LLM deltas into a Segmenter as they arrive.
// Whenever the accumulated text crosses a sentence boundary the completed
// sentence is emitted with a monotonically increasing ordinal, so synthesis
// can start on sentence one while the model is still writing sentence three.
// Markup spans such as <think>...</think> are dropped entirely, including
// tags split across deltas.
package segment

import (
	"strings"
)

// DefaultMaxPending caps how much boundary-less text accumulates before the
// segmenter gives up waiting and emits what it has.
const DefaultMaxPending = 280

// terminalRunes end a sentence. The rune is kept in the emitted text.
const terminalRunes = ".!?;。！？；"

// Unit is one speakable sentence with its position in the reply.
type Unit struct {
	// Ordinal is the zero-based position of this unit in the reply.
	Ordinal int

	// Text is the trimmed sentence text.
	Text string
}

// MarkupPair is an open/close delimiter pair whose content is discarded.
type MarkupPair struct {
	Open  string
	Close string
}

// Config controls segmentation behavior.
type Config struct {
	// MaxPending is the character cap before a forced emit.
	MaxPending int

	// Markup lists delimiter pairs to strip from the stream.
	Markup []MarkupPair
}

// DefaultConfig strips model reasoning spans and caps pending text.
func DefaultConfig() Config {
	return Config{
		MaxPending: DefaultMaxPending,
		Markup: []MarkupPair{
			{Open: "<think>", Close: "</think>"},
		},
	}
}

// Segmenter accumulates streamed fragments and emits sentence units.
// Not safe for concurrent use; one reply stream owns one Segmenter.
type Segmenter struct {
	cfg      Config
	sentence strings.Builder
	buf      string
	inMarkup int // index into cfg.Markup, -1 when outside markup
	next     int
}

// New creates a segmenter with default configuration.
func New() *Segmenter {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a segmenter with explicit configuration.
func NewWithConfig(cfg Config) *Segmenter {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Segmenter{cfg: cfg, inMarkup: -1}
}

// Write feeds one streamed fragment and returns any completed units.
func (s *Segmenter) Write(fragment string) []Unit {
	s.buf += fragment

	var units []Unit
	for {
		if s.inMarkup >= 0 {
			closeTag := s.cfg.Markup[s.inMarkup].Close
			if i := strings.Index(s.buf, closeTag); i >= 0 {
				s.buf = s.buf[i+len(closeTag):]
				s.inMarkup = -1
				continue
			}
			// Close tag may arrive split across fragments. Keep only the
			// tail that could still be its start; the rest is markup
			// content and is discarded.
			keep := overlapSuffix(s.buf, closeTag)
			s.buf = s.buf[len(s.buf)-keep:]
			break
		}

		tIdx, tLen, keepBoundary := firstBoundary(s.buf)
		oIdx, oPair := s.firstOpen(s.buf)

		if tIdx >= 0 && (oIdx < 0 || tIdx < oIdx) {
			if keepBoundary {
				s.sentence.WriteString(s.buf[:tIdx+tLen])
			} else {
				s.sentence.WriteString(s.buf[:tIdx])
			}
			s.buf = s.buf[tIdx+tLen:]
			units = s.emit(units)
			continue
		}

		if oIdx >= 0 {
			s.sentence.WriteString(s.buf[:oIdx])
			s.buf = s.buf[oIdx+len(s.cfg.Markup[oPair].Open):]
			s.inMarkup = oPair
			continue
		}

		// No boundary, no markup. Move clean text into the pending
		// sentence, holding back anything that could be a split open tag.
		keep := 0
		for _, pair := range s.cfg.Markup {
			if k := overlapSuffix(s.buf, pair.Open); k > keep {
				keep = k
			}
		}
		s.sentence.WriteString(s.buf[:len(s.buf)-keep])
		s.buf = s.buf[len(s.buf)-keep:]
		break
	}

	// Runaway boundary-less text gets emitted rather than buffered forever.
	if s.sentence.Len() >= s.cfg.MaxPending {
		units = s.emit(units)
	}

	return units
}

// Flush emits whatever is pending. Call when the stream ends.
func (s *Segmenter) Flush() []Unit {
	if s.inMarkup < 0 {
		s.sentence.WriteString(s.buf)
	}
	s.buf = ""
	s.inMarkup = -1
	return s.emit(nil)
}

// Reset clears all state, including ordinals, for reuse on a new reply.
func (s *Segmenter) Reset() {
	s.sentence.Reset()
	s.buf = ""
	s.inMarkup = -1
	s.next = 0
}

// emit appends the pending sentence as a unit if it is non-blank.
// Ordinals only advance on emitted units.
func (s *Segmenter) emit(units []Unit) []Unit {
	text := strings.TrimSpace(s.sentence.String())
	s.sentence.Reset()
	if text == "" {
		return units
	}
	units = append(units, Unit{Ordinal: s.next, Text: text})
	s.next++
	return units
}

// firstOpen returns the earliest markup open tag in text.
func (s *Segmenter) firstOpen(text string) (idx, pair int) {
	idx, pair = -1, -1
	for p, m := range s.cfg.Markup {
		if i := strings.Index(text, m.Open); i >= 0 && (idx < 0 || i < idx) {
			idx, pair = i, p
		}
	}
	return idx, pair
}

// firstBoundary returns the earliest sentence boundary in text.
// Terminal punctuation is kept in the sentence; newlines are not.
func firstBoundary(text string) (idx, size int, keep bool) {
	for i, r := range text {
		if r == '\n' {
			return i, 1, false
		}
		if strings.ContainsRune(terminalRunes, r) {
			return i, len(string(r)), true
		}
	}
	return -1, 0, false
}

// overlapSuffix returns the length of the longest proper prefix of tag
// that is a suffix of text.
func overlapSuffix(text, tag string) int {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(text, tag[:k]) {
			return k
		}
	}
	return 0
}
