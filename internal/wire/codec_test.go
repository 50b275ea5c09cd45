package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := Frame{
		EventType: EventAudioChunk,
		EventID:   "evt-1",
		SessionID: "sess-1",
		Payload: map[string]any{
			"audio":   []byte{0x01, 0x02, 0x03, 0x04},
			"isMuted": false,
		},
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.EventType != f.EventType || got.EventID != f.EventID || got.SessionID != f.SessionID {
		t.Errorf("envelope mismatch: got %+v", got)
	}
	audio, ok := got.PayloadBytes("audio")
	if !ok || !bytes.Equal(audio, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("audio payload mismatch: %v (ok=%v)", audio, ok)
	}
	if got.PayloadBool("isMuted") {
		t.Error("isMuted should decode to false")
	}
}

func TestEncode_IsCanonical(t *testing.T) {
	// Re-encoding a decoded frame must reproduce the original bytes.
	f := ResponseChunk("evt-9", "sess-9", "utt-9", []byte{0xAA, 0xBB}, 48000)

	first, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	second, err := Encode(decoded)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Encode(Decode(b)) != b:\n first=%x\nsecond=%x", first, second)
	}
}

func TestDecode_RejectsNonStringEnvelope(t *testing.T) {
	encode := func(m map[string]any) []byte {
		data, err := msgpack.Marshal(m)
		if err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
		return data
	}

	cases := []struct {
		name        string
		frame       map[string]any
		requestType string
	}{
		{"eventType not a string", map[string]any{"eventType": 7, "eventId": "e"}, EventUnknown},
		{"eventType missing", map[string]any{"eventId": "e"}, EventUnknown},
		{"eventId not a string", map[string]any{"eventType": "x.y", "eventId": 3}, "x.y"},
		{"eventId missing", map[string]any{"eventType": "x.y"}, "x.y"},
		{"sessionId not a string", map[string]any{"eventType": "x.y", "eventId": "e", "sessionId": 1}, "x.y"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(encode(tc.frame))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if pe.RequestType != tc.requestType {
				t.Errorf("RequestType = %q, want %q", pe.RequestType, tc.requestType)
			}
		})
	}
}

func TestDecode_GarbageIsUnknown(t *testing.T) {
	_, err := Decode([]byte{0xC1, 0xFF, 0x00})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if pe.RequestType != EventUnknown {
		t.Errorf("RequestType = %q, want %q", pe.RequestType, EventUnknown)
	}
}

func TestDecode_OptionalSessionID(t *testing.T) {
	data, err := Encode(Frame{EventType: EventAudioEnd, EventID: "e1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", f.SessionID)
	}
}

func TestErrorFrame_CarriesRequestType(t *testing.T) {
	f := Error(CodeInvalidPayload, EventAudioChunk, "evt-2", "sess-2", "audio missing")
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.EventType != CodeInvalidPayload {
		t.Errorf("EventType = %q, want %q", got.EventType, CodeInvalidPayload)
	}
	if got.RequestType != EventAudioChunk {
		t.Errorf("RequestType = %q, want %q", got.RequestType, EventAudioChunk)
	}
	if got.PayloadString("message") != "audio missing" {
		t.Errorf("message = %q", got.PayloadString("message"))
	}
}

func TestAck_EchoesEventID(t *testing.T) {
	f := Ack(EventAudioStart, "evt-42", "sess-7")
	if f.EventType != EventAudioStart+AckSuffix {
		t.Errorf("EventType = %q", f.EventType)
	}
	if f.EventID != "evt-42" {
		t.Errorf("EventID = %q, want evt-42", f.EventID)
	}
	if f.Payload["sessionId"] != "sess-7" {
		t.Errorf("payload sessionId = %v", f.Payload["sessionId"])
	}
}

func TestPayloadInt_Widths(t *testing.T) {
	data, err := Encode(Frame{
		EventType: EventAudioStart,
		EventID:   "e",
		Payload:   map[string]any{"samplingRate": int64(48000)},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rate, ok := f.PayloadInt("samplingRate")
	if !ok || rate != 48000 {
		t.Errorf("samplingRate = %d (ok=%v), want 48000", rate, ok)
	}
}
