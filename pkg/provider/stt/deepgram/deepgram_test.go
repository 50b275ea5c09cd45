package deepgram

import (
	"net/url"
	"testing"

	"github.com/voxgate-io/voxgate/pkg/provider/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New with empty apiKey should fail")
	}
}

func TestBuildURL(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(stt.StreamConfig{
		SampleRate:     16000,
		InterimResults: true,
		EndpointingMs:  300,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":           "nova-3",
		"language":        "en",
		"sample_rate":     "16000",
		"interim_results": "true",
		"endpointing":     "300",
		"encoding":        "linear16",
		"channels":        "1",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURL_ConfigOverridesDefaults(t *testing.T) {
	p, _ := New("key")
	raw, err := p.buildURL(stt.StreamConfig{Model: "base", Language: "de-DE"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("model"); got != "base" {
		t.Errorf("model = %q, want base", got)
	}
	if got := u.Query().Get("language"); got != "de-DE" {
		t.Errorf("language = %q, want de-DE", got)
	}
	if got := u.Query().Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate = %q, want default 16000", got)
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [
				{"transcript": "hello world", "confidence": 0.97}
			]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected a transcript")
	}
	if tr.Text != "hello world" || !tr.IsFinal || tr.Confidence != 0.97 {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	cases := map[string][]byte{
		"metadata event":  []byte(`{"type":"Metadata"}`),
		"no alternatives": []byte(`{"type":"Results","channel":{"alternatives":[]}}`),
		"invalid json":    []byte(`{`),
	}
	for name, raw := range cases {
		if _, ok := parseDeepgramResponse(raw); ok {
			t.Errorf("%s: should be ignored", name)
		}
	}
}
