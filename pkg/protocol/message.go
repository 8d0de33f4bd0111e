// Package protocol defines the wire contract between the wren device and the
// gateway: binary audio frames (frame.go) interleaved with JSON control
// messages on one WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of control message.
type MessageType string

const (
	// Device → Gateway messages
	TypeHello   MessageType = "hello"   // Handshake, first message on connect
	TypeListen  MessageType = "listen"  // Manual listen start/stop override
	TypePersona MessageType = "persona" // System prompt switch
	TypeGoodbye MessageType = "goodbye" // End the session after this chat

	// Gateway → Device messages
	TypeSTTPartial       MessageType = "stt.partial"        // Interim transcript
	TypeSTTFinal         MessageType = "stt.final"          // Final transcript
	TypeTTSStart         MessageType = "tts.start"          // Before the first clip of a turn
	TypeTTSSentenceStart MessageType = "tts.sentence_start" // Before each sentence's audio
	TypeTTSStop          MessageType = "tts.stop"           // After the last clip of a turn
	TypeError            MessageType = "error"              // Reported failure, carries apology text
)

// Message is the envelope for all control messages. Every message carries a
// type discriminator and, once the handshake completes, a session identifier.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, sessionID string, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type discriminator")
	}
	return &msg, nil
}

// =============================================================================
// Device → Gateway payloads
// =============================================================================

// HelloData is the handshake payload. The device announces its identity and
// audio format; the gateway echoes back the accepted format with the
// assigned session id on the envelope.
type HelloData struct {
	DeviceID      string `json:"device_id"`
	Format        string `json:"format"`         // "opus", "pcm16"
	SampleRate    int    `json:"sample_rate"`    // e.g. 16000
	Channels      int    `json:"channels"`       // 1 for mono
	FrameDuration int    `json:"frame_duration"` // ms per audio frame, e.g. 60
}

// ListenData overrides the VAD gate manually.
type ListenData struct {
	State string `json:"state"` // "start", "stop"
}

// Listen states.
const (
	ListenStart = "start"
	ListenStop  = "stop"
)

// PersonaData switches the assistant persona. The new prompt applies
// starting with the next turn, never mid-turn.
type PersonaData struct {
	Name   string `json:"name,omitempty"`
	Prompt string `json:"prompt"`
}

// =============================================================================
// Gateway → Device payloads
// =============================================================================

// TranscriptData carries transcribed user speech (stt.partial, stt.final).
type TranscriptData struct {
	Text string `json:"text"`
}

// SentenceData carries the text of the sentence whose audio follows
// (tts.sentence_start).
type SentenceData struct {
	Ordinal int    `json:"ordinal"`
	Text    string `json:"text"`
}

// AudioMeta describes the audio payload of the tts frames that follow
// (tts.start).
type AudioMeta struct {
	Format     string `json:"format"`      // "pcm16", "opus", "mp3"
	SampleRate int    `json:"sample_rate"` // e.g. 16000
	Channels   int    `json:"channels"`    // 1 for mono
}

// ErrorData reports a failure to the device. Message is speakable apology
// text; Code identifies the failing stage.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeTranscription = "transcription_failed"
	ErrCodeGeneration    = "generation_failed"
	ErrCodeSynthesis     = "synthesis_failed"
	ErrCodeQuota         = "quota_exceeded"
)
