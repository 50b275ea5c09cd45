package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope field names on the wire.
const (
	fieldEventType   = "eventType"
	fieldEventID     = "eventId"
	fieldSessionID   = "sessionId"
	fieldRequestType = "requestType"
	fieldPayload     = "payload"
)

// ParseError reports a frame that could not be decoded into a valid envelope.
// RequestType carries the offending frame's eventType when it could be
// extracted, and [EventUnknown] otherwise, so the caller can build the
// invalidPayload error frame without re-parsing.
type ParseError struct {
	RequestType string
	Reason      string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: invalid frame (%s): %s", e.RequestType, e.Reason)
}

// Encode serialises f into its canonical MessagePack form. Envelope fields are
// written in a fixed order and payload map keys are sorted, so encoding the
// same frame always yields the same bytes.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)

	n := 2 // eventType + eventId
	if f.SessionID != "" {
		n++
	}
	if f.RequestType != "" {
		n++
	}
	if f.Payload != nil {
		n++
	}

	if err := enc.EncodeMapLen(n); err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	if err := encodeStringField(enc, fieldEventType, f.EventType); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, fieldEventID, f.EventID); err != nil {
		return nil, err
	}
	if f.SessionID != "" {
		if err := encodeStringField(enc, fieldSessionID, f.SessionID); err != nil {
			return nil, err
		}
	}
	if f.RequestType != "" {
		if err := encodeStringField(enc, fieldRequestType, f.RequestType); err != nil {
			return nil, err
		}
	}
	if f.Payload != nil {
		if err := enc.EncodeString(fieldPayload); err != nil {
			return nil, fmt.Errorf("wire: encode payload key: %w", err)
		}
		if err := enc.Encode(f.Payload); err != nil {
			return nil, fmt.Errorf("wire: encode payload: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func encodeStringField(enc *msgpack.Encoder, key, value string) error {
	if err := enc.EncodeString(key); err != nil {
		return fmt.Errorf("wire: encode %s key: %w", key, err)
	}
	if err := enc.EncodeString(value); err != nil {
		return fmt.Errorf("wire: encode %s: %w", key, err)
	}
	return nil
}

// Decode parses data into a Frame. The envelope is validated strictly:
// eventType and eventId must be non-empty strings, and sessionId and
// requestType, when present, must be strings. Violations return a
// [*ParseError]; malformed MessagePack returns a *ParseError with
// RequestType = [EventUnknown].
func Decode(data []byte) (Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	raw, err := dec.DecodeMap()
	if err != nil {
		return Frame{}, &ParseError{RequestType: EventUnknown, Reason: "not a msgpack map: " + err.Error()}
	}

	f := Frame{}

	et, ok := raw[fieldEventType]
	if !ok {
		return Frame{}, &ParseError{RequestType: EventUnknown, Reason: "missing eventType"}
	}
	f.EventType, ok = et.(string)
	if !ok || f.EventType == "" {
		return Frame{}, &ParseError{RequestType: EventUnknown, Reason: "eventType is not a string"}
	}

	id, ok := raw[fieldEventID]
	if !ok {
		return Frame{}, &ParseError{RequestType: f.EventType, Reason: "missing eventId"}
	}
	f.EventID, ok = id.(string)
	if !ok || f.EventID == "" {
		return Frame{}, &ParseError{RequestType: f.EventType, Reason: "eventId is not a string"}
	}

	if sid, present := raw[fieldSessionID]; present {
		f.SessionID, ok = sid.(string)
		if !ok {
			return Frame{}, &ParseError{RequestType: f.EventType, Reason: "sessionId is not a string"}
		}
	}

	if rt, present := raw[fieldRequestType]; present {
		f.RequestType, ok = rt.(string)
		if !ok {
			return Frame{}, &ParseError{RequestType: f.EventType, Reason: "requestType is not a string"}
		}
	}

	if p, present := raw[fieldPayload]; present && p != nil {
		payload, ok := p.(map[string]any)
		if !ok {
			return Frame{}, &ParseError{RequestType: f.EventType, Reason: "payload is not a map"}
		}
		f.Payload = payload
	}

	return f, nil
}

// PayloadString extracts a string payload field. Returns "" when the field is
// absent or not a string.
func (f Frame) PayloadString(key string) string {
	s, _ := f.Payload[key].(string)
	return s
}

// PayloadBytes extracts a binary payload field. Returns nil, false when the
// field is absent or not a byte string.
func (f Frame) PayloadBytes(key string) ([]byte, bool) {
	b, ok := f.Payload[key].([]byte)
	return b, ok
}

// PayloadInt extracts an integer payload field across the numeric widths
// MessagePack may deliver. Returns 0, false when the field is absent or not
// integral.
func (f Frame) PayloadInt(key string) (int, bool) {
	switch v := f.Payload[key].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	default:
		return 0, false
	}
}

// PayloadBool extracts a boolean payload field. Returns false when absent.
func (f Frame) PayloadBool(key string) bool {
	b, _ := f.Payload[key].(bool)
	return b
}
