package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/teslashibe/go-wren/internal/httpc"
	"github.com/teslashibe/go-wren/pkg/audio"
)

const (
	providerOpenAI = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
	defaultTimeout = 30 * time.Second

	// Whisper resamples everything to 16kHz internally; wideband input
	// only inflates the upload.
	whisperSampleRate = 16000
)

func init() {
	Register(providerOpenAI, func(cfg Config) (Provider, error) {
		return NewOpenAI(cfg)
	})
}

// OpenAI implements Provider for the OpenAI-compatible transcription API.
// Works with api.openai.com and self-hosted whisper servers exposing the
// same endpoint.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible transcription provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &OpenAI{
		cfg:    cfg,
		client: httpc.NewClient(cfg.Timeout),
	}, nil
}

// Transcribe posts the utterance as a WAV file to /audio/transcriptions.
func (p *OpenAI) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}

	if sampleRate > whisperSampleRate {
		pcm = audio.SamplesToBytes(audio.Resample(audio.BytesToSamples(pcm), sampleRate, whisperSampleRate))
		sampleRate = whisperSampleRate
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(audio.EncodeWAV(pcm, sampleRate, 1)); err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("write audio: %w", err))
	}
	if err := writer.WriteField("model", p.cfg.Model); err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("write model field: %w", err))
	}
	if p.cfg.Language != "" {
		if err := writer.WriteField("language", p.cfg.Language); err != nil {
			return nil, WrapError(providerOpenAI, fmt.Errorf("write language field: %w", err))
		}
	}
	if err := writer.Close(); err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("close multipart writer: %w", err))
	}

	url := p.cfg.BaseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("transcription request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("decode response: %w", err))
	}

	return &Result{
		Text:      parsed.Text,
		Duration:  audio.Duration(len(pcm), sampleRate),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Health checks API reachability and key validity.
func (p *OpenAI) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return WrapError(providerOpenAI, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return WrapError(providerOpenAI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.parseError(resp)
	}
	return nil
}

// Close releases resources. The HTTP client needs no teardown.
func (p *OpenAI) Close() error {
	return nil
}

func (p *OpenAI) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Error.Message != "" {
		message = apiResp.Error.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerOpenAI,
	}
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
