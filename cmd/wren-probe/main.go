// wren-probe: command-line device simulator for the wren gateway.
// Streams a raw PCM16 file over the device WebSocket, prints every control
// message, and saves the synthesized reply as a WAV file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-wren/pkg/audio"
	"github.com/teslashibe/go-wren/pkg/protocol"
)

var (
	serverURL  = flag.String("server", "ws://localhost:8080/ws/device", "Gateway WebSocket URL")
	audioFile  = flag.String("audio", "", "Raw PCM16 mono file to stream (required)")
	outFile    = flag.String("out", "reply.wav", "Where to save the reply audio")
	sampleRate = flag.Int("rate", 16000, "Sample rate of the input file")
	frameMs    = flag.Int("frame", 60, "Frame duration in milliseconds")
	deviceID   = flag.String("device", "probe-1", "Device identifier")
)

func main() {
	flag.Parse()
	if *audioFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	pcm, err := os.ReadFile(*audioFile)
	if err != nil {
		fatal("read audio: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		fatal("dial %s: %v", *serverURL, err)
	}
	defer conn.Close()

	hello, err := protocol.NewHelloMessage(*deviceID, "pcm16", *sampleRate, 1, *frameMs)
	if err != nil {
		fatal("hello: %v", err)
	}
	if err := writeJSON(conn, hello); err != nil {
		fatal("send hello: %v", err)
	}

	done := make(chan struct{})
	reply := &replyCollector{}
	go readLoop(conn, reply, done)

	// Pace frames at real time so the gateway's VAD sees a natural stream.
	frameBytes := *sampleRate * 2 * *frameMs / 1000
	ticker := time.NewTicker(time.Duration(*frameMs) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	fmt.Printf("streaming %d bytes as %dms frames\n", len(pcm), *frameMs)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame, err := protocol.EncodeFrame(protocol.Frame{
			Type:    protocol.FrameAudio,
			Payload: pcm[off:end],
		})
		if err != nil {
			fatal("encode frame: %v", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			fatal("send frame: %v", err)
		}

		select {
		case <-ticker.C:
		case <-sigCh:
			fmt.Println("interrupted")
			return
		case <-done:
			fatal("connection closed while streaming")
		}
	}

	// Trailing silence lets the silence-hold fire, then the reply arrives.
	silence := make([]byte, frameBytes)
	deadline := time.After(30 * time.Second)
	for {
		frame, _ := protocol.EncodeFrame(protocol.Frame{Type: protocol.FrameAudio, Payload: silence})
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			break
		}
		select {
		case <-ticker.C:
		case <-done:
			save(reply)
			return
		case <-deadline:
			fmt.Println("timed out waiting for the reply")
			save(reply)
			return
		case <-sigCh:
			save(reply)
			return
		}
		if reply.finished() {
			save(reply)
			return
		}
	}
}

// replyCollector accumulates the reply audio and format markers.
type replyCollector struct {
	audio      []byte
	sampleRate int
	channels   int
	done       bool
}

func (r *replyCollector) finished() bool { return r.done }

func readLoop(conn *websocket.Conn, reply *replyCollector, done chan struct{}) {
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			frame, _, err := protocol.DecodeFrame(data)
			if err == nil && frame.Type == protocol.FrameAudio {
				reply.audio = append(reply.audio, frame.Payload...)
			}

		case websocket.TextMessage:
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			printMarker(msg, reply)
			if reply.done {
				return
			}
		}
	}
}

func printMarker(msg *protocol.Message, reply *replyCollector) {
	switch msg.Type {
	case protocol.TypeHello:
		fmt.Printf("<- hello ack session=%s\n", msg.SessionID)

	case protocol.TypeSTTFinal:
		var data protocol.TranscriptData
		if msg.ParseData(&data) == nil {
			fmt.Printf("<- transcript: %q\n", data.Text)
		}

	case protocol.TypeTTSStart:
		var meta protocol.AudioMeta
		if msg.ParseData(&meta) == nil {
			reply.sampleRate = meta.SampleRate
			reply.channels = meta.Channels
			fmt.Printf("<- tts.start %s %dHz\n", meta.Format, meta.SampleRate)
		}

	case protocol.TypeTTSSentenceStart:
		var data protocol.SentenceData
		if msg.ParseData(&data) == nil {
			fmt.Printf("<- sentence %d: %q\n", data.Ordinal, data.Text)
		}

	case protocol.TypeTTSStop:
		fmt.Println("<- tts.stop")
		reply.done = true

	case protocol.TypeError:
		var data protocol.ErrorData
		if msg.ParseData(&data) == nil {
			fmt.Printf("<- error [%s]: %s\n", data.Code, data.Message)
		}

	default:
		fmt.Printf("<- %s\n", msg.Type)
	}
}

func save(reply *replyCollector) {
	if len(reply.audio) == 0 {
		fmt.Println("no reply audio received")
		return
	}
	rate, channels := reply.sampleRate, reply.channels
	if rate == 0 {
		rate = 24000
	}
	if channels == 0 {
		channels = 1
	}

	wav := audio.EncodeWAV(reply.audio, rate, channels)
	if err := os.WriteFile(*outFile, wav, 0644); err != nil {
		fatal("write %s: %v", *outFile, err)
	}
	fmt.Printf("saved %d bytes of reply audio to %s\n", len(reply.audio), *outFile)
}

func writeJSON(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
