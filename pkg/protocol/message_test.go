package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "hello message",
			msgType: TypeHello,
			data:    HelloData{DeviceID: "wren-01", Format: "opus", SampleRate: 16000},
			wantErr: false,
		},
		{
			name:    "sentence message",
			msgType: TypeTTSSentenceStart,
			data:    SentenceData{Ordinal: 3, Text: "Hello there."},
			wantErr: false,
		},
		{
			name:    "nil data",
			msgType: TypeTTSStop,
			data:    nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, "sess-1", tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if msg == nil && !tt.wantErr {
				t.Error("NewMessage() returned nil message")
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.SessionID != "sess-1" {
				t.Errorf("NewMessage() session_id = %q, want %q", msg.SessionID, "sess-1")
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	original := SentenceData{Ordinal: 7, Text: "How are you today?"}

	msg, err := NewMessage(TypeTTSSentenceStart, "sess-42", original)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(bytes)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if parsed.Type != TypeTTSSentenceStart {
		t.Errorf("parsed type = %v, want %v", parsed.Type, TypeTTSSentenceStart)
	}
	if parsed.SessionID != "sess-42" {
		t.Errorf("parsed session_id = %q, want %q", parsed.SessionID, "sess-42")
	}

	var sentence SentenceData
	if err := parsed.ParseData(&sentence); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if sentence != original {
		t.Errorf("parsed data = %+v, want %+v", sentence, original)
	}
}

func TestParseMessageInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("not json at all")},
		{name: "missing type", data: []byte(`{"session_id":"s"}`)},
		{name: "empty", data: []byte("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage(tt.data); err == nil {
				t.Error("ParseMessage() expected error, got nil")
			}
		})
	}
}

func TestParseDataNilData(t *testing.T) {
	msg := &Message{Type: TypeTTSStop}
	var sentence SentenceData
	if err := msg.ParseData(&sentence); err != nil {
		t.Errorf("ParseData() with nil data should be a no-op, got %v", err)
	}
}

func TestHelperConstructors(t *testing.T) {
	t.Run("hello", func(t *testing.T) {
		msg, err := NewHelloMessage("wren-01", "opus", 16000, 1, 60)
		if err != nil {
			t.Fatalf("NewHelloMessage() error = %v", err)
		}
		var hello HelloData
		if err := msg.ParseData(&hello); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		if hello.DeviceID != "wren-01" || hello.Format != "opus" || hello.FrameDuration != 60 {
			t.Errorf("unexpected hello payload: %+v", hello)
		}
	})

	t.Run("transcript", func(t *testing.T) {
		msg, err := NewTranscriptMessage(TypeSTTFinal, "sess-1", "hello")
		if err != nil {
			t.Fatalf("NewTranscriptMessage() error = %v", err)
		}
		if msg.Type != TypeSTTFinal {
			t.Errorf("type = %v, want %v", msg.Type, TypeSTTFinal)
		}
		var transcript TranscriptData
		if err := msg.ParseData(&transcript); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		if transcript.Text != "hello" {
			t.Errorf("text = %q, want %q", transcript.Text, "hello")
		}
	})

	t.Run("stop has no data", func(t *testing.T) {
		msg, err := NewTTSStopMessage("sess-1")
		if err != nil {
			t.Fatalf("NewTTSStopMessage() error = %v", err)
		}
		if msg.Data != nil {
			t.Errorf("stop marker should carry no data, got %s", msg.Data)
		}
	})

	t.Run("error", func(t *testing.T) {
		msg, err := NewErrorMessage("sess-1", ErrCodeGeneration, "Sorry, something went wrong.")
		if err != nil {
			t.Fatalf("NewErrorMessage() error = %v", err)
		}
		var report ErrorData
		if err := msg.ParseData(&report); err != nil {
			t.Fatalf("ParseData() error = %v", err)
		}
		if report.Code != ErrCodeGeneration {
			t.Errorf("code = %q, want %q", report.Code, ErrCodeGeneration)
		}
	})
}

func TestMessageTimestampIsRecent(t *testing.T) {
	msg, err := NewMessage(TypeTTSStop, "s", nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	now := time.Now().UnixMilli()
	if msg.Timestamp > now || msg.Timestamp < now-5000 {
		t.Errorf("timestamp %d not within 5s of now %d", msg.Timestamp, now)
	}
}

func TestMessageOmitsEmptyFields(t *testing.T) {
	msg := &Message{Type: TypeGoodbye}
	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := decoded["session_id"]; ok {
		t.Error("empty session_id should be omitted")
	}
	if _, ok := decoded["data"]; ok {
		t.Error("nil data should be omitted")
	}
}
