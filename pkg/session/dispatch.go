package session

import (
	"sync"
	"time"

	"github.com/teslashibe/go-wren/pkg/protocol"
	"github.com/teslashibe/go-wren/pkg/tts"
)

// clip is one synthesized sentence ready for dispatch.
type clip struct {
	ordinal int
	text    string
	audio   []byte
	format  tts.AudioFormat
}

// dispatcher puts concurrently synthesized clips back into sentence order
// and paces the bytes onto the transport. Synthesis workers finish out of
// order; the device must hear ordinal 0 before ordinal 1, so clips park in
// pending until their turn comes.
//
// Flow control: the device drains its buffer at the playback rate, so the
// dispatcher stops pushing once the estimated device backlog exceeds
// maxBacklog and resumes as playback catches up.
type dispatcher struct {
	transport Transport
	sessionID string

	drainRate  int // device playback rate, bytes per second
	maxBacklog int // bytes the device may hold ahead of playback

	onPlaying func() // runs when the first clip hits the wire

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[int]*clip
	skipped map[int]bool
	next    int
	total   int // sealed clip count, -1 until known
	aborted bool
	err     error

	started    bool
	stopOnce   sync.Once
	dispatched []string
	bytesSent  int
	startedAt  time.Time

	abortCh chan struct{}
	done    chan struct{}
}

func newDispatcher(t Transport, sessionID string, drainRate, maxBacklog int, onPlaying func()) *dispatcher {
	d := &dispatcher{
		transport:  t,
		sessionID:  sessionID,
		drainRate:  drainRate,
		maxBacklog: maxBacklog,
		onPlaying:  onPlaying,
		pending:    make(map[int]*clip),
		skipped:    make(map[int]bool),
		total:      -1,
		abortCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// submit hands a synthesized clip to the dispatcher.
func (d *dispatcher) submit(c *clip) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborted {
		return
	}
	d.pending[c.ordinal] = c
	d.cond.Broadcast()
}

// skip abandons an ordinal whose synthesis failed so later clips can flow.
func (d *dispatcher) skip(ordinal int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skipped[ordinal] = true
	d.cond.Broadcast()
}

// seal declares the total clip count. Dispatch completes once every ordinal
// below total has been sent or skipped.
func (d *dispatcher) seal(total int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total = total
	d.cond.Broadcast()
}

// abort stops dispatch and blocks until the loop has exited, which
// guarantees the stop marker (if one is owed) is on the wire before the
// caller starts a new turn.
func (d *dispatcher) abort() {
	d.mu.Lock()
	if !d.aborted {
		d.aborted = true
		close(d.abortCh)
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// wait blocks until dispatch finishes and returns the sentence texts that
// made it onto the wire, in order.
func (d *dispatcher) wait() ([]string, error) {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched, d.err
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for !d.aborted && !d.readyLocked() {
			d.cond.Wait()
		}
		if d.aborted || (d.total >= 0 && d.next >= d.total) {
			d.mu.Unlock()
			break
		}
		if d.skipped[d.next] {
			delete(d.skipped, d.next)
			d.next++
			d.mu.Unlock()
			continue
		}
		c := d.pending[d.next]
		delete(d.pending, d.next)
		d.next++
		d.mu.Unlock()

		if !d.dispatch(c) {
			break
		}
	}

	if d.started {
		d.stopOnce.Do(d.sendStop)
	}
}

// readyLocked reports whether the loop has something to do.
func (d *dispatcher) readyLocked() bool {
	if d.total >= 0 && d.next >= d.total {
		return true
	}
	return d.pending[d.next] != nil || d.skipped[d.next]
}

// dispatch sends one clip: markers first, then paced audio chunks.
// Returns false if dispatch should stop.
func (d *dispatcher) dispatch(c *clip) bool {
	if !d.started {
		d.started = true
		d.startedAt = time.Now()
		msg, err := protocol.NewTTSStartMessage(d.sessionID, wireFormat(c.format.Encoding), c.format.SampleRate, c.format.Channels)
		if err == nil {
			err = d.transport.SendControl(msg)
		}
		if err != nil {
			d.fail(err)
			return false
		}
		if d.onPlaying != nil {
			d.onPlaying()
		}
	}

	msg, err := protocol.NewSentenceStartMessage(d.sessionID, c.ordinal, c.text)
	if err == nil {
		err = d.transport.SendControl(msg)
	}
	if err != nil {
		d.fail(err)
		return false
	}

	for _, chunk := range protocol.ChunkPayload(c.audio) {
		if !d.throttle() {
			return false
		}
		if err := d.transport.SendAudio(chunk); err != nil {
			d.fail(err)
			return false
		}
		d.bytesSent += len(chunk)
	}

	d.mu.Lock()
	d.dispatched = append(d.dispatched, c.text)
	d.mu.Unlock()
	return true
}

// throttle sleeps while the estimated device backlog is over budget.
// Returns false if aborted while waiting.
func (d *dispatcher) throttle() bool {
	if d.drainRate <= 0 {
		return true
	}
	for {
		select {
		case <-d.abortCh:
			return false
		default:
		}

		played := int(time.Since(d.startedAt).Seconds() * float64(d.drainRate))
		backlog := d.bytesSent - played
		if backlog <= d.maxBacklog {
			return true
		}

		wait := time.Duration(backlog-d.maxBacklog) * time.Second / time.Duration(d.drainRate)
		if wait < 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-d.abortCh:
			return false
		}
	}
}

func (d *dispatcher) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	if !d.aborted {
		d.aborted = true
		close(d.abortCh)
	}
	d.mu.Unlock()
}

func (d *dispatcher) sendStop() {
	msg, err := protocol.NewTTSStopMessage(d.sessionID)
	if err != nil {
		return
	}
	_ = d.transport.SendControl(msg)
}

// wireFormat maps a synthesis encoding onto the protocol format tag.
func wireFormat(enc tts.Encoding) string {
	switch enc {
	case tts.EncodingMP3:
		return "mp3"
	case tts.EncodingOpus:
		return "opus"
	default:
		return "pcm16"
	}
}
