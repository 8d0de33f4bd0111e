package protocol

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewHelloMessage creates the device handshake message.
func NewHelloMessage(deviceID, format string, sampleRate, channels, frameDuration int) (*Message, error) {
	return NewMessage(TypeHello, "", HelloData{
		DeviceID:      deviceID,
		Format:        format,
		SampleRate:    sampleRate,
		Channels:      channels,
		FrameDuration: frameDuration,
	})
}

// NewHelloAck creates the gateway's handshake reply carrying the assigned
// session id and the accepted audio format.
func NewHelloAck(sessionID, format string, sampleRate, channels int) (*Message, error) {
	return NewMessage(TypeHello, sessionID, HelloData{
		Format:     format,
		SampleRate: sampleRate,
		Channels:   channels,
	})
}

// NewListenMessage creates a manual listen override message.
func NewListenMessage(sessionID, state string) (*Message, error) {
	return NewMessage(TypeListen, sessionID, ListenData{State: state})
}

// NewPersonaMessage creates a persona switch message.
func NewPersonaMessage(sessionID, name, prompt string) (*Message, error) {
	return NewMessage(TypePersona, sessionID, PersonaData{Name: name, Prompt: prompt})
}

// NewTranscriptMessage creates an stt.partial or stt.final message.
func NewTranscriptMessage(msgType MessageType, sessionID, text string) (*Message, error) {
	return NewMessage(msgType, sessionID, TranscriptData{Text: text})
}

// NewTTSStartMessage creates the start marker sent before the first clip of
// a turn.
func NewTTSStartMessage(sessionID, format string, sampleRate, channels int) (*Message, error) {
	return NewMessage(TypeTTSStart, sessionID, AudioMeta{
		Format:     format,
		SampleRate: sampleRate,
		Channels:   channels,
	})
}

// NewSentenceStartMessage creates the per-sentence text marker.
func NewSentenceStartMessage(sessionID string, ordinal int, text string) (*Message, error) {
	return NewMessage(TypeTTSSentenceStart, sessionID, SentenceData{Ordinal: ordinal, Text: text})
}

// NewTTSStopMessage creates the stop marker sent after the final clip of a
// turn, or on interruption.
func NewTTSStopMessage(sessionID string) (*Message, error) {
	return NewMessage(TypeTTSStop, sessionID, nil)
}

// NewErrorMessage creates an error report with speakable apology text.
func NewErrorMessage(sessionID, code, text string) (*Message, error) {
	return NewMessage(TypeError, sessionID, ErrorData{Code: code, Message: text})
}

// NewGoodbyeMessage creates a session close request.
func NewGoodbyeMessage(sessionID string) (*Message, error) {
	return NewMessage(TypeGoodbye, sessionID, nil)
}
