// Package stt provides a unified interface for speech-to-text providers.
//
// Providers implement the Provider interface and register themselves by
// name, enabling provider selection by configuration. The orchestration core
// calls Transcribe with one buffered utterance at a time.
//
// Example usage:
//
//	provider, _ := stt.New("openai", stt.Config{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	    Model:  "whisper-1",
//	})
//	defer provider.Close()
//
//	result, _ := provider.Transcribe(ctx, pcm, 16000)
//	// result.Text holds the transcript
package stt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Provider defines the speech-to-text provider interface.
// All implementations must satisfy this interface for seamless switching.
type Provider interface {
	// Transcribe converts one mono PCM16 utterance to text.
	// Returns ErrEmptyAudio when the utterance holds no audio.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcript. May be empty when no speech was recognized.
	Text string

	// Duration is the audio length that was transcribed.
	Duration time.Duration

	// LatencyMs is the provider round-trip time in milliseconds.
	LatencyMs int64
}

// Config holds provider construction parameters.
type Config struct {
	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the provider endpoint (e.g. a local whisper server).
	BaseURL string

	// Model selects the transcription model.
	Model string

	// Language is an optional language hint (e.g. "en").
	Language string

	// Timeout bounds one transcription call. Zero means the provider default.
	Timeout time.Duration
}

// Factory creates a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named provider factory. Called from implementation init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates a provider by registry name.
func New(name string, cfg Config) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("stt: unknown provider %q (have %v)", name, Names())
	}
	return f(cfg)
}

// Has reports whether a provider name is registered.
func Has(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names returns the registered provider names, sorted.
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
