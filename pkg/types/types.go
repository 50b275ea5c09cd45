// Package types holds the small value types shared between the voxgate
// engines and the provider capability interfaces.
package types

import "time"

// Transcript is a single recognition result emitted by an STT provider.
type Transcript struct {
	// Text is the recognised text. May be empty for housekeeping messages.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Non-final transcripts are low-latency hypotheses that may be revised.
	IsFinal bool

	// Confidence is the provider's confidence in the range [0, 1].
	Confidence float64

	// Timestamp is when the result was received by the session.
	Timestamp time.Time
}

// VoiceProfile identifies a synthesis voice at a TTS provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the TTS backend the voice belongs to.
	Provider string

	// Metadata carries provider-specific voice attributes (accent, age, ...).
	Metadata map[string]string
}

// Role labels the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation history passed to an LLM provider.
type Message struct {
	// Role is the message author.
	Role Role

	// Content is the message text.
	Content string

	// Timestamp is when the message was appended to the conversation.
	Timestamp time.Time
}
