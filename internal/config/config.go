// Package config provides configuration for go-wren commands.
//
// Everything is driven by environment variables so the gateway runs the
// same way under systemd, Docker, or a bare shell with a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/teslashibe/go-wren/pkg/inference"
	"github.com/teslashibe/go-wren/pkg/stt"
	"github.com/teslashibe/go-wren/pkg/tts"
	"github.com/teslashibe/go-wren/pkg/vad"
)

// Defaults for the gateway.
const (
	DefaultPort         = "8080"
	DefaultSampleRate   = 16000
	DefaultAudioFormat  = "opus"
	DefaultSystemPrompt = "You are Wren, a friendly voice assistant. Keep answers short and conversational."
)

// Config holds the full gateway configuration.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Providers, validated against the package registries.
	VADDetector  string
	STTProvider  string
	TTSProvider  string
	ChatProvider string

	// Credentials
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	ElevenLabsAPIKey string
	ElevenLabsVoice  string

	// Models
	STTModel  string
	ChatModel string
	TTSModel  string
	TTSVoice  string

	// Device audio
	SampleRate  int
	AudioFormat string // opus or pcm16

	// Voice activity detection
	VADSilenceHold time.Duration
	VADMaxSegment  time.Duration
	VADPrefixPad   time.Duration

	// Reply pipeline
	SynthWorkers    int
	SentenceBuffer  int
	MaxBacklogBytes int

	// Limits and persistence
	QuotaDailyChars int
	HistoryDir      string
	SystemPrompt    string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     envStr("PORT", DefaultPort),
		LogLevel: envStr("LOG_LEVEL", "info"),

		VADDetector:  envStr("VAD_DETECTOR", "energy"),
		STTProvider:  envStr("STT_PROVIDER", "openai"),
		TTSProvider:  envStr("TTS_PROVIDER", "openai"),
		ChatProvider: envStr("CHAT_PROVIDER", "openai"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoice:  os.Getenv("ELEVENLABS_VOICE_ID"),

		STTModel:  envStr("STT_MODEL", "whisper-1"),
		ChatModel: envStr("CHAT_MODEL", "gpt-4o-mini"),
		TTSModel:  envStr("TTS_MODEL", tts.ModelTTS1),
		TTSVoice:  envStr("TTS_VOICE", tts.VoiceShimmer),

		SampleRate:  envInt("SAMPLE_RATE", DefaultSampleRate),
		AudioFormat: envStr("AUDIO_FORMAT", DefaultAudioFormat),

		VADSilenceHold: envMillis("VAD_SILENCE_HOLD_MS", 700*time.Millisecond),
		VADMaxSegment:  envMillis("VAD_MAX_SEGMENT_MS", 15*time.Second),
		VADPrefixPad:   envMillis("VAD_PREFIX_PAD_MS", 300*time.Millisecond),

		SynthWorkers:    envInt("SYNTH_WORKERS", 2),
		SentenceBuffer:  envInt("SENTENCE_BUFFER", 16),
		MaxBacklogBytes: envInt("MAX_BACKLOG_BYTES", 192000),

		QuotaDailyChars: envInt("QUOTA_DAILY_CHARS", 50000),
		HistoryDir:      envStr("HISTORY_DIR", "data/history"),
		SystemPrompt:    envStr("SYSTEM_PROMPT", DefaultSystemPrompt),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate fails fast on anything that would only surface mid-session.
func (c *Config) validate() error {
	if !vad.Has(c.VADDetector) {
		return fmt.Errorf("config: unknown VAD_DETECTOR %q (registered: %v)", c.VADDetector, vad.Names())
	}
	if !stt.Has(c.STTProvider) {
		return fmt.Errorf("config: unknown STT_PROVIDER %q (registered: %v)", c.STTProvider, stt.Names())
	}
	if !tts.Has(c.TTSProvider) {
		return fmt.Errorf("config: unknown TTS_PROVIDER %q (registered: %v)", c.TTSProvider, tts.Names())
	}
	if !inference.Has(c.ChatProvider) {
		return fmt.Errorf("config: unknown CHAT_PROVIDER %q (registered: %v)", c.ChatProvider, inference.Names())
	}

	switch c.AudioFormat {
	case "opus", "pcm16":
	default:
		return fmt.Errorf("config: AUDIO_FORMAT must be opus or pcm16, got %q", c.AudioFormat)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("config: SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.SynthWorkers <= 0 {
		return fmt.Errorf("config: SYNTH_WORKERS must be positive, got %d", c.SynthWorkers)
	}

	return nil
}

// envStr returns the env value or a default.
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns the env value parsed as int, or a default.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envMillis returns the env value interpreted as milliseconds, or a default.
func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
