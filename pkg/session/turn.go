package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/teslashibe/go-wren/pkg/audio"
	"github.com/teslashibe/go-wren/pkg/inference"
	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/segment"
	"github.com/teslashibe/go-wren/pkg/stt"
	"github.com/teslashibe/go-wren/pkg/tts"
)

// turn is one user utterance and the reply it produces. Each turn owns a
// context cancelled on barge-in and a dispatcher for its clips.
type turn struct {
	seq    int
	ctx    context.Context
	cancel context.CancelFunc

	frames [][]int16
	disp   *dispatcher

	apologyOnce sync.Once
	recordOnce  sync.Once
}

func newTurn(seq int, frames [][]int16) *turn {
	ctx, cancel := context.WithCancel(context.Background())
	return &turn{
		seq:    seq,
		ctx:    ctx,
		cancel: cancel,
		frames: frames,
	}
}

// pcm flattens the buffered frames into PCM16 bytes for transcription.
func (t *turn) pcm() []byte {
	n := 0
	for _, f := range t.frames {
		n += len(f)
	}
	flat := make([]int16, 0, n)
	for _, f := range t.frames {
		flat = append(flat, f...)
	}
	return audio.SamplesToBytes(flat)
}

// runTurn drives one utterance through transcribe, generate, synthesize,
// and dispatch. Runs on its own goroutine; everything it touches is either
// turn-local or internally synchronized.
func (s *Session) runTurn(t *turn) {
	defer s.wg.Done()
	defer s.finishTurn(t)

	text, ok := s.transcribe(t)
	if !ok {
		return
	}

	if s.cfg.Quota != nil && !s.cfg.Quota.Allow(s.DeviceID) {
		s.log.Info("reply blocked by quota", "turn", t.seq)
		s.sendError(protocol.ErrCodeQuota, "I've said all I can for today. Ask me again tomorrow.")
		return
	}

	s.dialog.AppendUser(text)
	s.setState(StateGenerating)

	s.generate(t)
	s.recordReply(t)
}

// recordReply appends what the device actually heard to the dialogue, at
// most once per turn. On barge-in this runs from the interrupt path while
// the session lock is held, so the interrupted reply always lands in the
// history before the next turn's user message.
func (s *Session) recordReply(t *turn) {
	t.recordOnce.Do(func() {
		dispatched, _ := t.disp.wait()
		if len(dispatched) > 0 {
			s.dialog.AppendAssistant(strings.Join(dispatched, " "))
		}
	})
}

// transcribe converts the buffered utterance to text and reports it.
func (s *Session) transcribe(t *turn) (string, bool) {
	result, err := s.providers.STT.Transcribe(t.ctx, t.pcm(), s.cfg.SampleRate)
	if err != nil {
		if errors.Is(err, stt.ErrEmptyAudio) || errors.Is(err, context.Canceled) {
			return "", false
		}
		s.log.Warn("transcription failed", "turn", t.seq, "error", err)
		s.apologize(t, protocol.ErrCodeTranscription)
		return "", false
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", false
	}

	msg, err := protocol.NewTranscriptMessage(protocol.TypeSTTFinal, s.ID, text)
	if err == nil {
		_ = s.transport.SendControl(msg)
	}

	if t.ctx.Err() != nil {
		return "", false
	}
	return text, true
}

// generate streams the reply and fans sentences out to the synthesis pool.
// Returns once dispatch has finished or been aborted.
func (s *Session) generate(t *turn) {
	stream, err := s.providers.Chat.Stream(t.ctx, &inference.ChatRequest{
		Messages: s.dialog.Snapshot(),
	})
	if err != nil {
		s.log.Warn("generation failed", "turn", t.seq, "error", err)
		s.apologize(t, protocol.ErrCodeGeneration)
		t.disp.seal(0)
		return
	}
	defer stream.Close()

	units := make(chan segment.Unit, s.cfg.SentenceBuffer)
	var workers sync.WaitGroup
	for i := 0; i < s.cfg.SynthWorkers; i++ {
		workers.Add(1)
		go s.synthWorker(t, units, &workers)
	}

	seg := segment.New()
	total := 0
	deliver := func(batch []segment.Unit) bool {
		for _, u := range batch {
			total++
			select {
			case units <- u:
			case <-t.ctx.Done():
				return false
			}
		}
		return true
	}

	var streamErr error
	for {
		chunk, err := stream.Recv()
		if t.ctx.Err() != nil {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Delta != "" && !deliver(seg.Write(chunk.Delta)) {
			break
		}
		if chunk.Done {
			deliver(seg.Flush())
			break
		}
	}

	close(units)
	t.disp.seal(total)
	workers.Wait()

	_, dispErr := t.disp.wait()

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		s.log.Warn("reply stream failed", "turn", t.seq, "error", streamErr)
		s.apologize(t, protocol.ErrCodeGeneration)
	}
	if dispErr != nil {
		s.log.Warn("dispatch failed", "turn", t.seq, "error", dispErr)
	}
}

// synthWorker pulls sentence units and feeds the dispatcher. A failed
// sentence is skipped rather than blocking every sentence behind it.
func (s *Session) synthWorker(t *turn, units <-chan segment.Unit, wg *sync.WaitGroup) {
	defer wg.Done()

	for u := range units {
		if t.ctx.Err() != nil {
			t.disp.skip(u.Ordinal)
			continue
		}

		result, err := s.providers.TTS.Synthesize(t.ctx, u.Text)
		if err != nil {
			t.disp.skip(u.Ordinal)
			if !errors.Is(err, tts.ErrEmptyText) && !errors.Is(err, context.Canceled) {
				s.log.Warn("synthesis failed", "turn", t.seq, "ordinal", u.Ordinal, "error", err)
				s.apologize(t, protocol.ErrCodeSynthesis)
			}
			continue
		}

		if s.cfg.Quota != nil {
			s.cfg.Quota.Add(s.DeviceID, result.CharCount)
		}

		t.disp.submit(&clip{
			ordinal: u.Ordinal,
			text:    u.Text,
			audio:   result.Audio,
			format:  result.Format,
		})
	}
}

// apologize reports a failure to the device, at most once per turn.
func (s *Session) apologize(t *turn, code string) {
	t.apologyOnce.Do(func() {
		s.sendError(code, s.cfg.ApologyText)
	})
}

func (s *Session) sendError(code, text string) {
	msg, err := protocol.NewErrorMessage(s.ID, code, text)
	if err != nil {
		return
	}
	_ = s.transport.SendControl(msg)
}
