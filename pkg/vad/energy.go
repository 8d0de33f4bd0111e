package vad

import (
	"github.com/teslashibe/go-wren/pkg/audio"
)

func init() {
	Register("energy", func(cfg Config) (Detector, error) {
		return NewEnergyDetector(cfg), nil
	})
}

// EnergyDetector is a pure-Go voice activity detector based on RMS energy
// levels. Uses hysteresis to avoid flickering between speech and silence.
type EnergyDetector struct {
	speechThreshold  float64 // RMS level to start speech
	silenceThreshold float64 // RMS level to end speech
	speechFrames     int     // consecutive speech frames needed to trigger
	silenceFrames    int     // consecutive silence frames needed to end
	inSpeech         bool
	speechCount      int
	silenceCount     int
}

// NewEnergyDetector creates an RMS detector from cfg, filling zero fields
// with defaults.
func NewEnergyDetector(cfg Config) *EnergyDetector {
	def := DefaultConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = def.SilenceFrames
	}

	return &EnergyDetector{
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		speechFrames:     cfg.SpeechFrames,
		silenceFrames:    cfg.SilenceFrames,
	}
}

// Classify returns true if the PCM frame is considered speech.
func (d *EnergyDetector) Classify(pcm []int16) bool {
	level := audio.RMS(pcm)

	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechThreshold {
			d.speechCount++
			d.silenceCount = 0
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}

	return d.inSpeech
}

// Reset clears internal state.
func (d *EnergyDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

// Verify EnergyDetector implements Detector at compile time.
var _ Detector = (*EnergyDetector)(nil)
