// Package vad provides voice activity detection for the audio ingest path.
//
// A Detector classifies each PCM frame as speech or silence; the Gate turns
// the per-frame classification into utterance segment events (start and end)
// using elapsed-time thresholds. Detector implementations are selected by
// name through a registry so the backend can be swapped by configuration.
package vad

import (
	"fmt"
	"sort"
	"sync"
)

// Detector classifies PCM frames as speech or silence.
// Detectors are stateful and owned by a single connection.
type Detector interface {
	// Classify returns true if the frame contains speech.
	Classify(pcm []int16) bool

	// Reset clears internal state between utterances.
	Reset()
}

// Config holds tunable detector parameters.
type Config struct {
	// SampleRate of the incoming PCM frames.
	SampleRate int

	// SpeechThreshold is the normalized RMS level that starts speech.
	SpeechThreshold float64

	// SilenceThreshold is the normalized RMS level that ends speech.
	// Kept below SpeechThreshold for hysteresis.
	SilenceThreshold float64

	// SpeechFrames is the consecutive speech frames needed to enter speech.
	SpeechFrames int

	// SilenceFrames is the consecutive silence frames needed to leave speech.
	SilenceFrames int
}

// DefaultConfig returns detector defaults for 16kHz speech frames.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     2,
		SilenceFrames:    5,
	}
}

// Factory creates a Detector from a Config.
type Factory func(cfg Config) (Detector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named detector factory. Called from implementation init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates a detector by registry name.
func New(name string, cfg Config) (Detector, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("vad: unknown detector %q (have %v)", name, Names())
	}
	return f(cfg)
}

// Has reports whether a detector name is registered.
func Has(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names returns the registered detector names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
