package session

import (
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/tts"
)

// fakeTransport records everything sent to the device.
type fakeTransport struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	audio  [][]byte
	closed bool
}

func (f *fakeTransport) SendControl(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// messages returns a snapshot of the control messages sent so far.
func (f *fakeTransport) messages() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeTransport) count(msgType protocol.MessageType) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// sentenceOrdinals returns the ordinals of sentence markers, in send order.
func (f *fakeTransport) sentenceOrdinals(t *testing.T) []int {
	t.Helper()
	var ordinals []int
	for _, m := range f.messages() {
		if m.Type != protocol.TypeTTSSentenceStart {
			continue
		}
		var data protocol.SentenceData
		if err := m.ParseData(&data); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		ordinals = append(ordinals, data.Ordinal)
	}
	return ordinals
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func testClip(ordinal int, text string) *clip {
	return &clip{
		ordinal: ordinal,
		text:    text,
		audio:   make([]byte, 32),
		format: tts.AudioFormat{
			Encoding:   tts.EncodingPCM24,
			SampleRate: 24000,
			Channels:   1,
			BitDepth:   16,
		},
	}
}

func TestDispatchOrdersClips(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 0, 0, nil)

	// Workers finish out of order; the device must not.
	d.submit(testClip(2, "Third."))
	d.submit(testClip(0, "First."))
	d.submit(testClip(1, "Second."))
	d.seal(3)

	dispatched, err := d.wait()
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if len(dispatched) != 3 || dispatched[0] != "First." || dispatched[2] != "Third." {
		t.Errorf("dispatched = %v, want in sentence order", dispatched)
	}

	ordinals := ft.sentenceOrdinals(t)
	for i, o := range ordinals {
		if o != i {
			t.Errorf("sentence marker %d has ordinal %d", i, o)
		}
	}

	msgs := ft.messages()
	if msgs[0].Type != protocol.TypeTTSStart {
		t.Errorf("first message = %s, want tts.start", msgs[0].Type)
	}
	if msgs[len(msgs)-1].Type != protocol.TypeTTSStop {
		t.Errorf("last message = %s, want tts.stop", msgs[len(msgs)-1].Type)
	}
	if ft.count(protocol.TypeTTSStart) != 1 {
		t.Errorf("tts.start sent %d times, want 1", ft.count(protocol.TypeTTSStart))
	}
}

func TestSkipUnblocksLaterClips(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 0, 0, nil)

	d.submit(testClip(1, "Second."))
	d.skip(0)
	d.seal(2)

	dispatched, err := d.wait()
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if len(dispatched) != 1 || dispatched[0] != "Second." {
		t.Errorf("dispatched = %v, want only the surviving clip", dispatched)
	}
	if got := ft.sentenceOrdinals(t); len(got) != 1 || got[0] != 1 {
		t.Errorf("sentence ordinals = %v, want [1]", got)
	}
}

func TestAbortSendsSingleStop(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 0, 0, nil)

	d.submit(testClip(0, "First."))
	waitFor(t, func() bool { return ft.count(protocol.TypeTTSSentenceStart) == 1 })

	// No seal: the turn is still streaming when the abort lands.
	d.abort()

	if got := ft.count(protocol.TypeTTSStop); got != 1 {
		t.Errorf("tts.stop sent %d times, want exactly 1", got)
	}

	// Clips after the abort are discarded.
	d.submit(testClip(1, "Second."))
	dispatched, _ := d.wait()
	if len(dispatched) != 1 {
		t.Errorf("dispatched = %v, want only the pre-abort clip", dispatched)
	}
}

func TestAbortBeforeFirstClipSendsNothing(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 0, 0, nil)

	d.abort()

	if n := len(ft.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0 when nothing started", n)
	}
}

func TestDispatchSignalsPlayback(t *testing.T) {
	ft := &fakeTransport{}
	playing := make(chan struct{}, 1)
	d := newDispatcher(ft, "sess-1", 0, 0, func() {
		playing <- struct{}{}
	})

	d.submit(testClip(0, "Hello."))
	d.seal(1)
	if _, err := d.wait(); err != nil {
		t.Fatalf("wait() error = %v", err)
	}

	select {
	case <-playing:
	default:
		t.Error("onPlaying was not invoked")
	}
}

func TestThrottleDelaysDispatch(t *testing.T) {
	ft := &fakeTransport{}
	// 10000 B/s drain with a 1000 byte ceiling: the second clip may not go
	// out until most of the first has drained on the device.
	d := newDispatcher(ft, "sess-1", 10000, 1000, nil)

	first := testClip(0, "First.")
	first.audio = make([]byte, 5000)
	second := testClip(1, "Second.")
	second.audio = make([]byte, 1000)

	start := time.Now()
	d.submit(first)
	d.submit(second)
	d.seal(2)

	dispatched, err := d.wait()
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if len(dispatched) != 2 {
		t.Fatalf("dispatched = %v, want both clips", dispatched)
	}

	// 6000 bytes cannot clear a 1000 byte backlog ceiling in under 400ms
	// at 10000 B/s; allow scheduling slack below the exact figure.
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("dispatch finished in %v, want it paced by the drain rate", elapsed)
	}

	var sent int
	ft.mu.Lock()
	for _, chunk := range ft.audio {
		sent += len(chunk)
	}
	ft.mu.Unlock()
	if sent != 6000 {
		t.Errorf("sent %d audio bytes, want all 6000 despite throttling", sent)
	}
}

func TestAbortReturnsPromptlyWhileThrottled(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 10000, 1000, nil)

	big := testClip(0, "First.")
	big.audio = make([]byte, 100*1024) // ~6.5s of throttle at this rate
	d.submit(big)

	// First chunk goes out unthrottled; the loop then sleeps off the backlog.
	waitFor(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.audio) > 0
	})

	start := time.Now()
	d.abort()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort() took %v while throttled, want prompt return", elapsed)
	}
	if got := ft.count(protocol.TypeTTSStop); got != 1 {
		t.Errorf("tts.stop sent %d times, want 1 after throttled abort", got)
	}
}

func TestSealEmptyTurn(t *testing.T) {
	ft := &fakeTransport{}
	d := newDispatcher(ft, "sess-1", 0, 0, nil)

	d.seal(0)

	dispatched, err := d.wait()
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if len(dispatched) != 0 {
		t.Errorf("dispatched = %v, want none", dispatched)
	}
	if n := len(ft.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0 for an empty turn", n)
	}
}
