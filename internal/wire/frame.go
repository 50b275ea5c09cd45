// Package wire implements the framed binary protocol spoken on the client
// WebSocket. Every message is a single MessagePack map carrying the envelope
// fields (eventType, eventId, optional sessionId, optional requestType) and a
// kind-specific payload. Audio rides inside payloads as raw byte strings, so
// no base64 inflation occurs on the hot path.
//
// All wire field names are lowerCamelCase.
package wire

// Inbound event types (client → server).
const (
	EventAudioStart = "voicechat.audio.start"
	EventAudioChunk = "voicechat.audio.chunk"
	EventAudioEnd   = "voicechat.audio.end"
)

// Outbound event types (server → client).
const (
	EventConnectionAck     = "connection.ack"
	EventResponseStart     = "voicechat.response.start"
	EventResponseChunk     = "voicechat.response.chunk"
	EventResponseComplete  = "voicechat.response.complete"
	EventResponseInterrupt = "voicechat.response.interrupt"
)

// EventUnknown is the requestType used on error frames when the offending
// frame's eventType could not be extracted.
const EventUnknown = "error.unknown"

// AckSuffix and ErrorSuffix build the per-request response event types, e.g.
// "voicechat.audio.start" + AckSuffix.
const (
	AckSuffix   = ".ack"
	ErrorSuffix = ".error"
)

// Canonical error codes carried in the eventType of error frames.
const (
	CodeInvalidPayload  = "invalidPayload"
	CodeSessionError    = "sessionError"
	CodeConnectionError = "connectionError"
	CodeAudioError      = "audioError"
	CodeSTTError        = "sttError"
	CodeLLMError        = "llmError"
	CodeTTSError        = "ttsError"
	CodeInternalError   = "internalError"
)

// Frame is one protocol message in either direction.
type Frame struct {
	// EventType identifies the message kind, or carries an error code on
	// outbound error frames.
	EventType string

	// EventID correlates requests with their ACK/error/chunk responses. The
	// connection ACK carries a freshly generated ID; every other response
	// echoes the request's.
	EventID string

	// SessionID is the session correlation key. Absent only on frames sent
	// before the session is known.
	SessionID string

	// RequestType names the original eventType on outbound error frames.
	// Empty everywhere else.
	RequestType string

	// Payload holds the kind-specific fields. Binary audio appears as []byte.
	Payload map[string]any
}

// Ack builds the ACK response for a request frame.
func Ack(requestType, eventID, sessionID string) Frame {
	return Frame{
		EventType: requestType + AckSuffix,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   map[string]any{"sessionId": sessionID},
	}
}

// ConnectionAck builds the one-time handshake frame sent on channel accept.
func ConnectionAck(eventID, sessionID string) Frame {
	return Frame{
		EventType: EventConnectionAck,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   map[string]any{"sessionId": sessionID},
	}
}

// Error builds an error frame. code is one of the canonical error codes,
// requestType the eventType of the frame that caused the error (or
// [EventUnknown]).
func Error(code, requestType, eventID, sessionID, message string) Frame {
	return Frame{
		EventType:   code,
		EventID:     eventID,
		SessionID:   sessionID,
		RequestType: requestType,
		Payload:     map[string]any{"message": message},
	}
}

// ResponseStart builds the frame that opens a synthesized utterance.
func ResponseStart(eventID, sessionID, utteranceID string, timestampMs int64) Frame {
	return Frame{
		EventType: EventResponseStart,
		EventID:   eventID,
		SessionID: sessionID,
		Payload: map[string]any{
			"utteranceId": utteranceID,
			"timestamp":   timestampMs,
		},
	}
}

// ResponseChunk builds one audio chunk frame of an utterance.
func ResponseChunk(eventID, sessionID, utteranceID string, pcm []byte, sampleRate int) Frame {
	return Frame{
		EventType: EventResponseChunk,
		EventID:   eventID,
		SessionID: sessionID,
		Payload: map[string]any{
			"audio":       pcm,
			"sampleRate":  int64(sampleRate),
			"utteranceId": utteranceID,
		},
	}
}

// ResponseComplete builds the frame that closes an utterance normally.
func ResponseComplete(eventID, sessionID, utteranceID string) Frame {
	return Frame{
		EventType: EventResponseComplete,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   map[string]any{"utteranceId": utteranceID},
	}
}

// ResponseInterrupt builds the frame reporting a user interruption of the
// given utterance.
func ResponseInterrupt(eventID, sessionID, utteranceID string) Frame {
	return Frame{
		EventType: EventResponseInterrupt,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   map[string]any{"utteranceId": utteranceID},
	}
}
