// Package gateway exposes the voice pipeline over HTTP: a WebSocket
// endpoint for devices plus health and stats routes for operators.
package gateway

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-wren/internal/config"
	"github.com/teslashibe/go-wren/internal/log"
	"github.com/teslashibe/go-wren/pkg/dialogue"
	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/quota"
	"github.com/teslashibe/go-wren/pkg/session"
	"github.com/teslashibe/go-wren/pkg/vad"
)

// pcm24DrainRate is the playback byte rate of the synthesized audio the
// pipeline produces by default (24kHz mono PCM16).
const pcm24DrainRate = 24000 * 2

// Server routes device connections into sessions.
type Server struct {
	app   *fiber.App
	cfg   *config.Config
	log   *slog.Logger
	quota *quota.Tracker

	providers session.Providers

	mu       sync.RWMutex
	sessions map[string]*session.Session

	stopRollover chan struct{}
}

// NewServer wires the fiber app around the given providers.
func NewServer(cfg *config.Config, providers session.Providers) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log.With("component", "gateway"),
		quota:        quota.New(cfg.QuotaDailyChars),
		providers:    providers,
		sessions:     make(map[string]*session.Session),
		stopRollover: make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "wren-gateway",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if cfg.LogLevel == "debug" {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/stats", s.handleStats)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/device", websocket.New(s.handleDevice))

	s.app = app
	return s
}

// Start runs the server until Shutdown. Blocks.
func (s *Server) Start() error {
	go s.rolloverLoop()
	s.log.Info("gateway listening", "port", s.cfg.Port)
	return s.app.Listen(":" + s.cfg.Port)
}

// Shutdown closes every session, then stops the HTTP server.
func (s *Server) Shutdown() error {
	close(s.stopRollover)

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			s.log.Warn("session close failed", "session_id", sess.ID, "error", err)
		}
	}

	return s.app.Shutdown()
}

// handleHealth reports pipeline provider reachability.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	status := fiber.Map{
		"status": "ok",
		"stt":    healthString(s.providers.STT.Health(ctx)),
		"chat":   healthString(s.providers.Chat.Health(ctx)),
		"tts":    healthString(s.providers.TTS.Health(ctx)),
	}
	return c.JSON(status)
}

func healthString(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// handleStats reports the live session set.
func (s *Server) handleStats(c *fiber.Ctx) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]fiber.Map, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, fiber.Map{
			"session_id":      sess.ID,
			"device_id":       sess.DeviceID,
			"state":           sess.State().String(),
			"quota_remaining": s.quota.Remaining(sess.DeviceID),
		})
	}

	return c.JSON(fiber.Map{
		"sessions": list,
		"count":    len(list),
	})
}

// handleDevice owns one device connection for its whole life.
func (s *Server) handleDevice(conn *websocket.Conn) {
	ws := newWSConn(conn)
	go ws.writePump()
	defer ws.Close()

	hello, err := ws.readHello()
	if err != nil {
		s.log.Warn("handshake failed", "error", err)
		return
	}

	sess, err := s.newSession(ws, hello)
	if err != nil {
		s.log.Error("session setup failed", "device_id", hello.DeviceID, "error", err)
		return
	}

	s.register(sess)
	defer func() {
		s.unregister(sess)
		if err := sess.Close(); err != nil {
			s.log.Warn("session close failed", "session_id", sess.ID, "error", err)
		}
	}()

	if err := sess.SendHelloAck(); err != nil {
		s.log.Warn("hello ack failed", "session_id", sess.ID, "error", err)
		return
	}

	s.log.Info("device connected",
		"session_id", sess.ID,
		"device_id", hello.DeviceID,
		"format", hello.Format,
		"sample_rate", hello.SampleRate)

	connLog := s.log.With("session_id", sess.ID)
	ws.readLoop(sess, func(err error) {
		connLog.Debug("inbound message rejected", "error", err)
	})

	s.log.Info("device disconnected", "session_id", sess.ID)
}

func (s *Server) newSession(ws *wsConn, hello *protocol.HelloData) (*session.Session, error) {
	detector, err := vad.New(s.cfg.VADDetector, vad.Config{
		SampleRate:       hello.SampleRate,
		SpeechThreshold:  vad.DefaultConfig().SpeechThreshold,
		SilenceThreshold: vad.DefaultConfig().SilenceThreshold,
		SpeechFrames:     vad.DefaultConfig().SpeechFrames,
		SilenceFrames:    vad.DefaultConfig().SilenceFrames,
	})
	if err != nil {
		return nil, err
	}

	frameDuration := time.Duration(hello.FrameDuration) * time.Millisecond

	var history dialogue.Store
	if s.cfg.HistoryDir != "" {
		history = dialogue.NewJSONStore(filepath.Join(s.cfg.HistoryDir, hello.DeviceID+".json"))
	}

	return session.New(ws, hello.DeviceID, s.providers, session.Config{
		SampleRate:  hello.SampleRate,
		AudioFormat: hello.Format,
		Channels:    hello.Channels,
		Gate: vad.GateConfig{
			SilenceHold:   s.cfg.VADSilenceHold,
			MaxSegment:    s.cfg.VADMaxSegment,
			PrefixPad:     s.cfg.VADPrefixPad,
			FrameDuration: frameDuration,
		},
		Detector:       detector,
		SynthWorkers:   s.cfg.SynthWorkers,
		SentenceBuffer: s.cfg.SentenceBuffer,
		DrainRate:      pcm24DrainRate,
		MaxBacklog:     s.cfg.MaxBacklogBytes,
		Quota:          s.quota,
		History:        history,
		SystemPrompt:   s.cfg.SystemPrompt,
	})
}

func (s *Server) register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
}

// rolloverLoop resets the daily quota budgets at the UTC day boundary.
func (s *Server) rolloverLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if s.quota.Rollover(now.UTC()) {
				s.log.Info("daily quota budgets reset")
			}
		case <-s.stopRollover:
			return
		}
	}
}
