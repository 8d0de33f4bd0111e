package vad

import (
	"time"
)

// EventKind identifies a segment boundary event.
type EventKind int

const (
	// SegmentStart fires when speech is first detected after silence.
	SegmentStart EventKind = iota

	// SegmentEnd fires when trailing silence persists past SilenceHold,
	// when the segment hits MaxSegment, or on a forced stop.
	SegmentEnd
)

// EndReason explains why a segment ended.
type EndReason string

const (
	EndSilence EndReason = "silence" // trailing silence exceeded SilenceHold
	EndCutoff  EndReason = "cutoff"  // segment hit MaxSegment mid-speech
	EndForced  EndReason = "forced"  // manual listen-stop override
)

// Event is a segment boundary emitted by the Gate.
type Event struct {
	Kind   EventKind
	Reason EndReason // set for SegmentEnd

	// Prefix holds the pre-speech padding frames, including the frame that
	// triggered the start decision. Set for SegmentStart.
	Prefix [][]int16
}

// GateConfig holds the elapsed-time thresholds for segment detection.
type GateConfig struct {
	// SilenceHold is how long silence must persist after speech before the
	// segment ends.
	SilenceHold time.Duration

	// MaxSegment bounds segment length; a hard cutoff fires even with no
	// silence detected, to bound buffer growth.
	MaxSegment time.Duration

	// PrefixPad is how much pre-speech audio to keep so the utterance
	// includes the frames that triggered the start decision.
	PrefixPad time.Duration

	// FrameDuration is the nominal duration of one fed frame.
	FrameDuration time.Duration
}

// DefaultGateConfig returns gate defaults for 60ms device frames.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SilenceHold:   700 * time.Millisecond,
		MaxSegment:    15 * time.Second,
		PrefixPad:     300 * time.Millisecond,
		FrameDuration: 60 * time.Millisecond,
	}
}

// Gate turns per-frame speech classification into segment events using
// arrival timestamps. It buffers nothing beyond the prefix padding ring;
// accumulating the utterance is the turn buffer's job.
type Gate struct {
	det Detector
	cfg GateConfig

	active       bool
	segmentStart time.Time
	lastSpeech   time.Time

	prefix    [][]int16
	prefixCap int
}

// NewGate creates a gate over the detector, filling zero config fields with
// defaults.
func NewGate(det Detector, cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = def.SilenceHold
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = def.MaxSegment
	}
	if cfg.PrefixPad < 0 {
		cfg.PrefixPad = def.PrefixPad
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}

	prefixCap := int(cfg.PrefixPad/cfg.FrameDuration) + 1
	return &Gate{
		det:       det,
		cfg:       cfg,
		prefixCap: prefixCap,
	}
}

// Active reports whether a segment is open. While active, fed frames belong
// to the current utterance.
func (g *Gate) Active() bool {
	return g.active
}

// Feed classifies one frame and returns any segment events it produces.
// Callers pass the frame arrival time so the gate has no hidden clock.
func (g *Gate) Feed(pcm []int16, now time.Time) []Event {
	speech := g.det.Classify(pcm)

	if !g.active {
		g.pushPrefix(pcm)
		if !speech {
			return nil
		}
		return []Event{g.open(now)}
	}

	// Hard cutoff bounds buffer growth even with no silence detected.
	if now.Sub(g.segmentStart) >= g.cfg.MaxSegment {
		return []Event{g.close(EndCutoff)}
	}

	if speech {
		g.lastSpeech = now
		return nil
	}

	if now.Sub(g.lastSpeech) >= g.cfg.SilenceHold {
		return []Event{g.close(EndSilence)}
	}
	return nil
}

// ForceStart opens a segment regardless of classification (manual listen
// override). No-op if a segment is already open.
func (g *Gate) ForceStart(now time.Time) []Event {
	if g.active {
		return nil
	}
	return []Event{g.open(now)}
}

// ForceEnd closes the open segment (manual listen override).
// No-op if no segment is open.
func (g *Gate) ForceEnd() []Event {
	if !g.active {
		return nil
	}
	return []Event{g.close(EndForced)}
}

// Reset clears all gate and detector state.
func (g *Gate) Reset() {
	g.active = false
	g.prefix = nil
	g.det.Reset()
}

func (g *Gate) open(now time.Time) Event {
	g.active = true
	g.segmentStart = now
	g.lastSpeech = now

	prefix := g.prefix
	g.prefix = nil
	return Event{Kind: SegmentStart, Prefix: prefix}
}

func (g *Gate) close(reason EndReason) Event {
	g.active = false
	g.det.Reset()
	return Event{Kind: SegmentEnd, Reason: reason}
}

func (g *Gate) pushPrefix(pcm []int16) {
	if g.prefixCap <= 0 {
		return
	}
	if len(g.prefix) >= g.prefixCap {
		g.prefix = g.prefix[1:]
	}
	g.prefix = append(g.prefix, pcm)
}
