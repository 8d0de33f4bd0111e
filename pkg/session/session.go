// Package session orchestrates one device conversation: voice activity
// gating, turn transcription, streaming reply generation, concurrent
// sentence synthesis, and ordered playback dispatch with barge-in.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-wren/internal/log"
	"github.com/teslashibe/go-wren/pkg/audio"
	"github.com/teslashibe/go-wren/pkg/dialogue"
	"github.com/teslashibe/go-wren/pkg/inference"
	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/quota"
	"github.com/teslashibe/go-wren/pkg/stt"
	"github.com/teslashibe/go-wren/pkg/tts"
	"github.com/teslashibe/go-wren/pkg/vad"
)

// State is the session lifecycle phase. Transitions are driven by gate
// events and turn progress; reads are lock-free for the stats endpoint.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StatePlaying
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StatePlaying:
		return "playing"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transport sends control messages and audio frames back to the device.
// The gateway's WebSocket connection implements it; tests use a recorder.
type Transport interface {
	SendControl(msg *protocol.Message) error
	SendAudio(payload []byte) error
	Close() error
}

// Providers bundles the pipeline stages a session talks to.
type Providers struct {
	STT  stt.Provider
	Chat inference.Provider
	TTS  tts.Provider
}

// Config holds per-session parameters.
type Config struct {
	// Device audio as announced in the hello handshake.
	SampleRate  int
	AudioFormat string
	Channels    int

	// Gate configures segment detection; Detector classifies frames.
	// A nil Detector gets the default energy detector.
	Gate     vad.GateConfig
	Detector vad.Detector

	// Reply pipeline.
	SynthWorkers   int
	SentenceBuffer int
	DrainRate      int // playback bytes/sec for flow control, 0 disables
	MaxBacklog     int

	// Quota is the shared per-device character budget, nil for unlimited.
	Quota *quota.Tracker

	// History persists the dialogue across connections, nil to disable.
	History dialogue.Store

	SystemPrompt string
	ApologyText  string
}

// DefaultApologyText is spoken by the device when a pipeline stage fails.
const DefaultApologyText = "Sorry, I had trouble with that. Could you try again?"

// Session is one device conversation over one connection.
type Session struct {
	ID       string
	DeviceID string

	transport Transport
	providers Providers
	cfg       Config
	log       *slog.Logger

	decoder audio.Decoder
	dialog  *dialogue.State

	state atomic.Int32

	mu      sync.Mutex
	gate    *vad.Gate
	frames  [][]int16 // current utterance, while the gate is open
	cur     *turn
	turnSeq int
	closed  bool

	pendingPersona string
	hasPersona     bool

	wg sync.WaitGroup
}

// New creates a session for a completed hello handshake.
func New(transport Transport, deviceID string, providers Providers, cfg Config) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if providers.STT == nil || providers.Chat == nil || providers.TTS == nil {
		return nil, errors.New("session: all providers are required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SynthWorkers <= 0 {
		cfg.SynthWorkers = 2
	}
	if cfg.SentenceBuffer <= 0 {
		cfg.SentenceBuffer = 16
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApologyText
	}

	decoder, err := audio.NewDecoder(cfg.AudioFormat, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}

	det := cfg.Detector
	if det == nil {
		det, err = vad.New("energy", vad.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		transport: transport,
		providers: providers,
		cfg:       cfg,
		decoder:   decoder,
		gate:      vad.NewGate(det, cfg.Gate),
		dialog:    dialogue.New(cfg.SystemPrompt),
	}
	s.log = log.With("component", "session", "session_id", s.ID, "device_id", deviceID)

	if cfg.History != nil {
		if err := s.dialog.Restore(cfg.History); err != nil {
			s.log.Warn("history restore failed", "error", err)
		}
	}

	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// SendHelloAck confirms the handshake, echoing the accepted audio format.
func (s *Session) SendHelloAck() error {
	msg, err := protocol.NewHelloAck(s.ID, s.cfg.AudioFormat, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		return err
	}
	return s.transport.SendControl(msg)
}

// HandleAudio processes one binary audio frame from the device. Malformed
// frames are dropped with a log line; the session keeps running.
func (s *Session) HandleAudio(payload []byte) {
	pcm, err := s.decoder.Decode(payload)
	if err != nil {
		s.log.Debug("dropping malformed audio frame", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	events := s.gate.Feed(pcm, time.Now())
	started := s.applyEventsLocked(events)

	// The triggering frame arrives inside the start event's prefix, so only
	// frames after the start are appended here.
	if !started && s.gate.Active() {
		s.frames = append(s.frames, pcm)
	}
}

// HandleControl processes one JSON control message from the device.
func (s *Session) HandleControl(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeListen:
		var data protocol.ListenData
		if err := msg.ParseData(&data); err != nil {
			return err
		}
		return s.handleListen(data.State)

	case protocol.TypePersona:
		var data protocol.PersonaData
		if err := msg.ParseData(&data); err != nil {
			return err
		}
		s.mu.Lock()
		s.pendingPersona = data.Prompt
		s.hasPersona = true
		s.mu.Unlock()
		s.log.Info("persona queued for next turn", "name", data.Name)
		return nil

	case protocol.TypeGoodbye:
		s.log.Info("device said goodbye")
		return s.Close()

	default:
		s.log.Debug("ignoring control message", "type", msg.Type)
		return nil
	}
}

func (s *Session) handleListen(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	switch state {
	case protocol.ListenStart:
		s.applyEventsLocked(s.gate.ForceStart(time.Now()))
	case protocol.ListenStop:
		s.applyEventsLocked(s.gate.ForceEnd())
	default:
		return errors.New("session: listen state must be start or stop")
	}
	return nil
}

// applyEventsLocked reacts to gate events. Returns true if a segment start
// was handled, meaning the triggering frame is already in the buffer.
func (s *Session) applyEventsLocked(events []vad.Event) bool {
	started := false
	for _, ev := range events {
		switch ev.Kind {
		case vad.SegmentStart:
			// Speech over playback is a barge-in: cut the reply first.
			s.interruptLocked()
			s.frames = append([][]int16{}, ev.Prefix...)
			s.setState(StateListening)
			started = true

		case vad.SegmentEnd:
			s.log.Debug("utterance captured", "frames", len(s.frames), "reason", ev.Reason)
			s.launchTurnLocked()
		}
	}
	return started
}

// interruptLocked cancels the in-flight turn and waits for its dispatcher to
// quiesce, so the stop marker precedes anything the next turn sends. The
// interrupted reply is recorded here, while the lock is held, so it sits in
// the history before the new turn's transcript.
func (s *Session) interruptLocked() {
	if s.cur == nil {
		return
	}
	s.log.Info("barge-in, cancelling turn", "turn", s.cur.seq)
	s.cur.cancel()
	s.cur.disp.abort()
	s.recordReply(s.cur)
	s.cur = nil
}

// launchTurnLocked starts turn processing for the buffered utterance.
func (s *Session) launchTurnLocked() {
	frames := s.frames
	s.frames = nil
	if len(frames) == 0 {
		s.setState(StateIdle)
		return
	}

	// A queued persona takes effect now, at the turn boundary.
	if s.hasPersona {
		s.dialog.SetSystem(s.pendingPersona)
		s.pendingPersona = ""
		s.hasPersona = false
	}

	t := newTurn(s.turnSeq, frames)
	s.turnSeq++
	t.disp = newDispatcher(s.transport, s.ID, s.cfg.DrainRate, s.cfg.MaxBacklog, func() {
		s.setState(StatePlaying)
	})
	s.cur = t
	s.setState(StateTranscribing)

	s.wg.Add(1)
	go s.runTurn(t)
}

// finishTurn clears the active turn if it is still this one. The abort is
// a no-op for turns whose dispatch already drained; for turns that never
// reached dispatch it releases the dispatcher.
func (s *Session) finishTurn(t *turn) {
	t.cancel()
	t.disp.abort()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == t {
		s.cur = nil
		if !s.closed {
			s.setState(StateIdle)
		}
	}

	if s.cfg.History != nil {
		if err := s.dialog.Flush(s.cfg.History); err != nil {
			s.log.Warn("history flush failed", "error", err)
		}
	}
}

// Close shuts the session down: cancels any in-flight turn, persists the
// dialogue, and closes the transport. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setState(StateClosing)
	s.interruptLocked()
	s.mu.Unlock()

	s.wg.Wait()

	if s.cfg.History != nil {
		if err := s.dialog.Flush(s.cfg.History); err != nil {
			s.log.Warn("history flush failed", "error", err)
		}
	}

	s.log.Info("session closed", "turns", s.turnSeq)
	return s.transport.Close()
}
