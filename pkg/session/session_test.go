package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/teslashibe/go-wren/pkg/inference"
	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/quota"
	"github.com/teslashibe/go-wren/pkg/stt"
	"github.com/teslashibe/go-wren/pkg/tts"
)

// quietDetector never classifies speech, so tests drive segments through the
// manual listen override and stay deterministic.
type quietDetector struct{}

func (quietDetector) Classify(pcm []int16) bool { return false }
func (quietDetector) Reset()                    {}

func newTestSession(t *testing.T, providers Providers) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s, err := New(ft, "dev-test", providers, Config{
		SampleRate:  16000,
		AudioFormat: "pcm16",
		Channels:    1,
		Detector:    quietDetector{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, ft
}

func listen(t *testing.T, s *Session, state string) {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeListen, s.ID, protocol.ListenData{State: state})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := s.HandleControl(msg); err != nil {
		t.Fatalf("HandleControl(listen %s) error = %v", state, err)
	}
}

// speakTurn pushes one utterance through the manual listen override and waits
// for the turn to finish.
func speakTurn(t *testing.T, s *Session) {
	t.Helper()
	listen(t, s, protocol.ListenStart)
	for i := 0; i < 5; i++ {
		s.HandleAudio(make([]byte, 640)) // 20ms of PCM16 at 16kHz
	}
	listen(t, s, protocol.ListenStop)
	waitFor(t, func() bool { return s.State() == StateIdle })
}

func transcriptTexts(t *testing.T, ft *fakeTransport) []string {
	t.Helper()
	var texts []string
	for _, m := range ft.messages() {
		if m.Type != protocol.TypeSTTFinal {
			continue
		}
		var data protocol.TranscriptData
		if err := m.ParseData(&data); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		texts = append(texts, data.Text)
	}
	return texts
}

func TestHappyPathTurn(t *testing.T) {
	s, ft := newTestSession(t, Providers{
		STT:  stt.NewMock("hello there"),
		Chat: inference.NewStreamMock("Hi! ", "How are you?"),
		TTS:  tts.NewMock(),
	})

	if err := s.SendHelloAck(); err != nil {
		t.Fatalf("SendHelloAck() error = %v", err)
	}

	speakTurn(t, s)

	if got := transcriptTexts(t, ft); len(got) != 1 || got[0] != "hello there" {
		t.Errorf("transcripts = %v, want [hello there]", got)
	}
	if ft.count(protocol.TypeTTSStart) != 1 {
		t.Errorf("tts.start sent %d times, want 1", ft.count(protocol.TypeTTSStart))
	}
	if ft.count(protocol.TypeTTSStop) != 1 {
		t.Errorf("tts.stop sent %d times, want 1", ft.count(protocol.TypeTTSStop))
	}
	if got := ft.sentenceOrdinals(t); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("sentence ordinals = %v, want [0 1]", got)
	}
	if len(ft.audio) == 0 {
		t.Error("no audio frames reached the transport")
	}
	if ft.count(protocol.TypeError) != 0 {
		t.Errorf("error messages sent = %d, want 0", ft.count(protocol.TypeError))
	}
}

func TestEmptyAudioReturnsToIdleSilently(t *testing.T) {
	chat := inference.NewStreamMock("Should not run.")
	s, ft := newTestSession(t, Providers{
		STT: &stt.Mock{
			TranscribeFunc: func(ctx context.Context, pcm []byte, sampleRate int) (*stt.Result, error) {
				return nil, stt.ErrEmptyAudio
			},
		},
		Chat: chat,
		TTS:  tts.NewMock(),
	})

	speakTurn(t, s)

	if ft.count(protocol.TypeError) != 0 {
		t.Error("silence must not produce an apology")
	}
	if ft.count(protocol.TypeSTTFinal) != 0 {
		t.Error("silence must not produce a transcript")
	}
	if chat.CallCount("Stream") != 0 {
		t.Error("silence must not reach generation")
	}
}

func TestTranscriptionFailureApologizesOnce(t *testing.T) {
	s, ft := newTestSession(t, Providers{
		STT:  stt.WithError(errors.New("upstream down")),
		Chat: inference.NewStreamMock("unused"),
		TTS:  tts.NewMock(),
	})

	speakTurn(t, s)

	if got := ft.count(protocol.TypeError); got != 1 {
		t.Errorf("error messages = %d, want exactly 1", got)
	}
	if ft.count(protocol.TypeTTSStart) != 0 {
		t.Error("a failed turn must not start playback")
	}
}

func TestSynthesisFailureApologizesOnce(t *testing.T) {
	s, ft := newTestSession(t, Providers{
		STT:  stt.NewMock("tell me a story"),
		Chat: inference.NewStreamMock("One. ", "Two. ", "Three."),
		TTS:  tts.WithError(errors.New("voice service down")),
	})

	speakTurn(t, s)

	// Three sentences fail, the device hears about it once.
	if got := ft.count(protocol.TypeError); got != 1 {
		t.Errorf("error messages = %d, want exactly 1", got)
	}
	if ft.count(protocol.TypeTTSStart) != 0 {
		t.Error("no clip survived, playback must not start")
	}
}

func TestBargeInStopsBeforeNextStart(t *testing.T) {
	var bargedIn atomic.Bool
	var calls int
	var mu sync.Mutex
	slow := tts.NewMock()
	inner := slow.SynthesizeFunc
	slow.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first || bargedIn.Load() {
			return inner(ctx, text)
		}
		// Later first-turn sentences hang until the barge-in cancels them.
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, ft := newTestSession(t, Providers{
		STT:  stt.NewMock("first question"),
		Chat: inference.NewStreamMock("Answer one. ", "Answer two. ", "Answer three."),
		TTS:  slow,
	})

	listen(t, s, protocol.ListenStart)
	s.HandleAudio(make([]byte, 640))
	listen(t, s, protocol.ListenStop)

	// First sentence reaches the device, the rest are stuck in synthesis.
	waitFor(t, func() bool { return ft.count(protocol.TypeTTSSentenceStart) == 1 })

	// Device speaks over the reply.
	bargedIn.Store(true)
	speakTurn(t, s)

	msgs := ft.messages()
	stopIdx, secondStartIdx := -1, -1
	starts := 0
	for i, m := range msgs {
		switch m.Type {
		case protocol.TypeTTSStop:
			if stopIdx < 0 {
				stopIdx = i
			}
		case protocol.TypeTTSStart:
			starts++
			if starts == 2 {
				secondStartIdx = i
			}
		}
	}

	if stopIdx < 0 {
		t.Fatal("barge-in did not send tts.stop")
	}
	if secondStartIdx >= 0 && stopIdx > secondStartIdx {
		t.Error("tts.stop must precede the next turn's tts.start")
	}

	// Nothing from the cancelled turn leaks past its stop marker: no
	// sentence between the stop and the next start, and the new turn's
	// sentences restart at ordinal zero in order.
	want := 0
	for i, m := range msgs {
		if i <= stopIdx || m.Type != protocol.TypeTTSSentenceStart {
			continue
		}
		if secondStartIdx >= 0 && i < secondStartIdx {
			t.Errorf("sentence marker at %d between stop and next start", i)
			continue
		}
		var data protocol.SentenceData
		if err := m.ParseData(&data); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		if data.Ordinal != want {
			t.Errorf("sentence ordinal = %d, want %d", data.Ordinal, want)
		}
		want++
	}
}

func TestInterruptedReplyPrecedesNextTranscript(t *testing.T) {
	var bargedIn atomic.Bool
	var calls int
	var mu sync.Mutex
	slow := tts.NewMock()
	inner := slow.SynthesizeFunc
	slow.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first || bargedIn.Load() {
			return inner(ctx, text)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, ft := newTestSession(t, Providers{
		STT:  stt.NewMock("what time is it"),
		Chat: inference.NewStreamMock("Half past. ", "Almost one."),
		TTS:  slow,
	})

	listen(t, s, protocol.ListenStart)
	s.HandleAudio(make([]byte, 640))
	listen(t, s, protocol.ListenStop)
	waitFor(t, func() bool { return ft.count(protocol.TypeTTSSentenceStart) == 1 })

	bargedIn.Store(true)
	speakTurn(t, s)

	// The interrupted reply is recorded as what the device heard, and it
	// lands before the barge-in turn's transcript, never after it.
	msgs := s.dialog.Snapshot()
	wantRoles := []inference.Role{
		inference.RoleSystem,
		inference.RoleUser,
		inference.RoleAssistant,
		inference.RoleUser,
		inference.RoleAssistant,
	}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("history has %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[2].Content != "Half past." {
		t.Errorf("interrupted reply = %q, want just the dispatched sentence", msgs[2].Content)
	}
	if msgs[4].Content != "Half past. Almost one." {
		t.Errorf("second reply = %q, want the full reply", msgs[4].Content)
	}
}

func TestPersonaAppliesAtNextTurn(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	chat := &inference.Mock{
		StreamFunc: func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
			mu.Lock()
			if len(req.Messages) > 0 && req.Messages[0].Role == inference.RoleSystem {
				prompts = append(prompts, req.Messages[0].Content)
			}
			mu.Unlock()
			return inference.NewStreamMock("Okay.").Stream(ctx, req)
		},
	}

	ft := &fakeTransport{}
	s, err := New(ft, "dev-test", Providers{
		STT:  stt.NewMock("hello"),
		Chat: chat,
		TTS:  tts.NewMock(),
	}, Config{
		SampleRate:   16000,
		AudioFormat:  "pcm16",
		Detector:     quietDetector{},
		SystemPrompt: "You are a helpful assistant.",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	speakTurn(t, s)

	msg, err := protocol.NewMessage(protocol.TypePersona, s.ID, protocol.PersonaData{
		Name:   "pirate",
		Prompt: "You are a pirate.",
	})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := s.HandleControl(msg); err != nil {
		t.Fatalf("HandleControl(persona) error = %v", err)
	}

	speakTurn(t, s)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("captured %d system prompts, want 2", len(prompts))
	}
	if prompts[0] != "You are a helpful assistant." {
		t.Errorf("turn 1 prompt = %q, want the original", prompts[0])
	}
	if prompts[1] != "You are a pirate." {
		t.Errorf("turn 2 prompt = %q, want the persona", prompts[1])
	}
}

func TestQuotaBlocksGeneration(t *testing.T) {
	tracker := quota.New(10)
	tracker.Add("dev-test", 100)

	chat := inference.NewStreamMock("unused")
	ft := &fakeTransport{}
	s, err := New(ft, "dev-test", Providers{
		STT:  stt.NewMock("hello"),
		Chat: chat,
		TTS:  tts.NewMock(),
	}, Config{
		SampleRate:  16000,
		AudioFormat: "pcm16",
		Detector:    quietDetector{},
		Quota:       tracker,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	speakTurn(t, s)

	if chat.CallCount("Stream") != 0 {
		t.Error("exhausted quota must not reach generation")
	}
	if ft.count(protocol.TypeError) != 1 {
		t.Errorf("error messages = %d, want 1 quota notice", ft.count(protocol.TypeError))
	}
	// The transcript is still reported even when the reply is blocked.
	if ft.count(protocol.TypeSTTFinal) != 1 {
		t.Error("transcript should be sent before the quota check")
	}
}

func TestGoodbyeClosesSession(t *testing.T) {
	s, ft := newTestSession(t, Providers{
		STT:  stt.NewMock("bye"),
		Chat: inference.NewStreamMock("Bye!"),
		TTS:  tts.NewMock(),
	})

	msg, err := protocol.NewMessage(protocol.TypeGoodbye, s.ID, nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := s.HandleControl(msg); err != nil {
		t.Fatalf("HandleControl(goodbye) error = %v", err)
	}

	if !ft.closed {
		t.Error("goodbye must close the transport")
	}
	if s.State() != StateClosing {
		t.Errorf("state = %s, want closing", s.State())
	}

	// Frames after close are ignored.
	s.HandleAudio(make([]byte, 640))
	if s.State() != StateClosing {
		t.Error("audio after close must not reopen the session")
	}
}
