package elevenlabs

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New with empty apiKey should fail")
	}
}

func TestSampleRateFromFormat(t *testing.T) {
	cases := map[string]int{
		"pcm_16000": 16000,
		"pcm_24000": 24000,
		"pcm_44100": 44100,
		"mp3_44100": 16000, // unknown prefix falls back
		"":          16000,
	}
	for format, want := range cases {
		if got := sampleRateFromFormat(format); got != want {
			t.Errorf("sampleRateFromFormat(%q) = %d, want %d", format, got, want)
		}
	}
}

func TestParseAudioResponse(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03}
	raw, _ := json.Marshal(audioResponse{
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})

	chunk, ok := parseAudioResponse(raw, 16000)
	if !ok {
		t.Fatal("expected a chunk")
	}
	if string(chunk.Audio) != string(pcm) {
		t.Errorf("Audio = %v, want %v", chunk.Audio, pcm)
	}
	if chunk.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", chunk.SampleRate)
	}
	if chunk.Final {
		t.Error("Final should be false")
	}
}

func TestParseAudioResponse_FinalWithoutAudio(t *testing.T) {
	raw := []byte(`{"isFinal":true}`)
	chunk, ok := parseAudioResponse(raw, 16000)
	if !ok {
		t.Fatal("final marker must produce a chunk")
	}
	if !chunk.Final || len(chunk.Audio) != 0 {
		t.Errorf("chunk = %+v, want empty final", chunk)
	}
}

func TestParseAudioResponse_Ignored(t *testing.T) {
	cases := map[string][]byte{
		"empty message": []byte(`{}`),
		"info only":     []byte(`{"message":"ok"}`),
		"bad base64":    []byte(`{"audio":"!!!"}`),
		"invalid json":  []byte(`{`),
	}
	for name, raw := range cases {
		if _, ok := parseAudioResponse(raw, 16000); ok {
			t.Errorf("%s: should be ignored", name)
		}
	}
}

func TestTextMessage_FlushShape(t *testing.T) {
	msg, err := json.Marshal(textMessage{Text: "hello ", Flush: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["text"] != "hello " {
		t.Errorf("text = %v", decoded["text"])
	}
	if decoded["flush"] != true {
		t.Errorf("flush = %v, want true", decoded["flush"])
	}
	if _, present := decoded["voice_settings"]; present {
		t.Error("voice_settings must be omitted when nil")
	}
}

func TestVoiceProfiles(t *testing.T) {
	vr := voicesResponse{Voices: []elevenLabsVoice{
		{VoiceID: "v1", Name: "Alice", Category: "premade", Labels: map[string]string{"accent": "us"}},
	}}
	profiles := voiceProfiles(vr)
	if len(profiles) != 1 {
		t.Fatalf("len = %d, want 1", len(profiles))
	}
	p := profiles[0]
	if p.ID != "v1" || p.Name != "Alice" || p.Provider != "elevenlabs" {
		t.Errorf("profile = %+v", p)
	}
	if p.Metadata["category"] != "premade" || p.Metadata["accent"] != "us" {
		t.Errorf("metadata = %v", p.Metadata)
	}
}
