// wren: voice assistant gateway.
// Accepts WebSocket connections from wren devices and runs the
// listen -> transcribe -> generate -> speak loop for each of them.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/teslashibe/go-wren/internal/config"
	"github.com/teslashibe/go-wren/internal/log"
	"github.com/teslashibe/go-wren/pkg/gateway"
	"github.com/teslashibe/go-wren/pkg/inference"
	"github.com/teslashibe/go-wren/pkg/session"
	"github.com/teslashibe/go-wren/pkg/stt"
	"github.com/teslashibe/go-wren/pkg/tts"
)

var (
	version = "1.0.0"
	port    = flag.String("port", "", "HTTP server port (overrides PORT)")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	providers, err := buildProviders(cfg)
	if err != nil {
		log.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	defer closeProviders(providers)

	srv := gateway.NewServer(cfg, providers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info("wren gateway started",
		"version", version,
		"port", cfg.Port,
		"stt", cfg.STTProvider,
		"chat", cfg.ChatProvider,
		"tts", cfg.TTSProvider)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := srv.Shutdown(); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("goodbye")
}

// buildProviders constructs the pipeline stages from configuration.
func buildProviders(cfg *config.Config) (session.Providers, error) {
	var p session.Providers

	sttProvider, err := stt.New(cfg.STTProvider, stt.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.STTModel,
	})
	if err != nil {
		return p, fmt.Errorf("stt: %w", err)
	}

	chatOpts := []inference.Option{
		inference.WithAPIKey(cfg.OpenAIAPIKey),
		inference.WithModel(cfg.ChatModel),
	}
	if cfg.OpenAIBaseURL != "" {
		chatOpts = append(chatOpts, inference.WithBaseURL(cfg.OpenAIBaseURL))
	}
	chatProvider, err := inference.New(cfg.ChatProvider, chatOpts...)
	if err != nil {
		return p, fmt.Errorf("chat: %w", err)
	}

	ttsProvider, err := buildTTS(cfg)
	if err != nil {
		return p, fmt.Errorf("tts: %w", err)
	}

	p.STT = sttProvider
	p.Chat = chatProvider
	p.TTS = ttsProvider
	return p, nil
}

func buildTTS(cfg *config.Config) (tts.Provider, error) {
	opts := []tts.Option{
		tts.WithModel(cfg.TTSModel),
		tts.WithVoice(cfg.TTSVoice),
		tts.WithOutputFormat(tts.EncodingPCM24),
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		opts = append(opts, tts.WithAPIKey(cfg.ElevenLabsAPIKey))
		if cfg.ElevenLabsVoice != "" {
			opts = append(opts, tts.WithVoice(cfg.ElevenLabsVoice))
		}
	default:
		opts = append(opts, tts.WithAPIKey(cfg.OpenAIAPIKey))
	}

	primary, err := tts.New(cfg.TTSProvider, opts...)
	if err != nil {
		return nil, err
	}

	// With both keys present the other vendor becomes a fallback, so one
	// outage does not mute the fleet.
	var fallback tts.Provider
	switch {
	case cfg.TTSProvider != "elevenlabs" && cfg.ElevenLabsAPIKey != "" && cfg.ElevenLabsVoice != "":
		fallback, err = tts.New("elevenlabs",
			tts.WithAPIKey(cfg.ElevenLabsAPIKey),
			tts.WithVoice(cfg.ElevenLabsVoice),
			tts.WithOutputFormat(tts.EncodingPCM24))
	case cfg.TTSProvider == "elevenlabs" && cfg.OpenAIAPIKey != "":
		fallback, err = tts.New("openai",
			tts.WithAPIKey(cfg.OpenAIAPIKey),
			tts.WithOutputFormat(tts.EncodingPCM24))
	}
	if err != nil || fallback == nil {
		return primary, nil
	}
	return tts.NewChain(primary, fallback)
}

func closeProviders(p session.Providers) {
	if p.STT != nil {
		p.STT.Close()
	}
	if p.Chat != nil {
		p.Chat.Close()
	}
	if p.TTS != nil {
		p.TTS.Close()
	}
}
