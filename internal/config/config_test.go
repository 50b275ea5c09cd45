package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxgate-io/voxgate/pkg/provider/stt"
)

const minimalYAML = `
providers:
  stt:
    name: deepgram
    api_key: dg-key
  tts:
    name: elevenlabs
    api_key: el-key
    voice_id: v1
  llm:
    name: openai
    api_key: sk-key
    model: gpt-4o-mini
`

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ChannelPath != "/ws" {
		t.Errorf("ChannelPath = %q", cfg.Server.ChannelPath)
	}
	if cfg.Server.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d", cfg.Server.MaxPayloadBytes)
	}
	if cfg.Session.IdleTimeout.Std() != 30*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout.Std())
	}
	if cfg.STT.TranscriptOverflow != OverflowTrim {
		t.Errorf("TranscriptOverflow = %q", cfg.STT.TranscriptOverflow)
	}
	if cfg.TTS.KeepaliveInterval.Std() != 8*time.Second {
		t.Errorf("KeepaliveInterval = %v", cfg.TTS.KeepaliveInterval.Std())
	}
	if cfg.LLM.MaxMessagesPerContext != 50 {
		t.Errorf("MaxMessagesPerContext = %d", cfg.LLM.MaxMessagesPerContext)
	}
}

func TestLoadFromReader_DurationsAndOverrides(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9000"
  channel_path: "/audio"
session:
  idle_timeout: 10m
stt:
  connect_timeout: 5s
  transcript_overflow: reject
` + minimalYAML
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Session.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout.Std())
	}
	if cfg.STT.ConnectTimeout.Std() != 5*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.STT.ConnectTimeout.Std())
	}
	if cfg.STT.TranscriptOverflow != OverflowReject {
		t.Errorf("TranscriptOverflow = %q", cfg.STT.TranscriptOverflow)
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "secret-from-env")
	yaml := strings.Replace(minimalYAML, "dg-key", "${TEST_DG_KEY}", 1)

	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.STT.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Providers.STT.APIKey)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := minimalYAML + "\nnot_a_real_key: true\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("unknown top-level key must be rejected")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
  channel_path: "ws"
stt:
  transcript_overflow: panic
providers:
  stt:
    name: deepgram
  tts:
    name: elevenlabs
  llm:
    name: openai
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "channel_path", "transcript_overflow"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidate_RequiresProviders(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: ':8080'\n"))
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
	if !strings.Contains(err.Error(), "providers.stt.name") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	yaml := "session:\n  idle_timeout: soon\n" + minimalYAML
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("invalid duration must be rejected")
	}
}

func TestRegistry_CreateAndMissing(t *testing.T) {
	r := NewRegistry()
	r.RegisterSTT("fake", func(entry ProviderEntry) (stt.Provider, error) {
		return nil, nil
	})

	if _, err := r.CreateSTT(ProviderEntry{Name: "fake"}); err != nil {
		t.Errorf("CreateSTT(fake): %v", err)
	}
	_, err := r.CreateSTT(ProviderEntry{Name: "missing"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
