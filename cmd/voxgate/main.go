// Command voxgate is the real-time voice conversation gateway: a WebSocket
// channel in front of streaming speech recognition, response generation, and
// speech synthesis providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate-io/voxgate/internal/config"
	llmengine "github.com/voxgate-io/voxgate/internal/engine/llm"
	sttengine "github.com/voxgate-io/voxgate/internal/engine/stt"
	ttsengine "github.com/voxgate-io/voxgate/internal/engine/tts"
	"github.com/voxgate-io/voxgate/internal/gateway"
	"github.com/voxgate-io/voxgate/internal/health"
	"github.com/voxgate-io/voxgate/internal/observe"
	"github.com/voxgate-io/voxgate/internal/orchestrator"
	"github.com/voxgate-io/voxgate/internal/resilience"
	"github.com/voxgate-io/voxgate/internal/session"
	"github.com/voxgate-io/voxgate/pkg/provider/echo"
	"github.com/voxgate-io/voxgate/pkg/provider/llm"
	"github.com/voxgate-io/voxgate/pkg/provider/llm/anyllm"
	openaillm "github.com/voxgate-io/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate-io/voxgate/pkg/provider/stt"
	"github.com/voxgate-io/voxgate/pkg/provider/stt/deepgram"
	"github.com/voxgate-io/voxgate/pkg/provider/tts"
	"github.com/voxgate-io/voxgate/pkg/provider/tts/elevenlabs"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", "", "optional .env file loaded before the config")
	flag.Parse()

	// Environment first: the config loader expands ${VAR} references.
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "voxgate: load env file %q: %v\n", *envPath, err)
			return 1
		}
	} else {
		_ = godotenv.Load() // a missing ./.env is fine
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability before anything that records metrics.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProv, ttsProv, llmGroup, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	sessions := session.NewRegistry(session.Config{
		IdleTimeout:     cfg.Session.IdleTimeout.Std(),
		MaxDuration:     cfg.Session.MaxDuration.Std(),
		CleanupInterval: cfg.Session.CleanupInterval.Std(),
	})

	orch := orchestrator.New(sessions, sttProv, ttsProv, llmGroup, orchestrator.Config{
		STT: sttEngineConfig(cfg),
		TTS: ttsEngineConfig(cfg),
		LLM: llmEngineConfig(cfg),
	}, observe.DefaultMetrics())

	// Sessions reaped for inactivity release their engine state too.
	sessions.OnEvict(func(s session.Session) {
		orch.Detach(s.ConnectionID)
	})
	go sessions.Run(ctx)

	_, _, llmEng := orch.Engines()
	checks := health.New(sessions.Len,
		health.Checker{Name: "llm", Check: llmEng.Check},
	)

	server := gateway.New(cfg.Server, orch, checks, observe.DefaultMetrics())

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider categories to the implementations that ship
// with voxgate. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt": {"deepgram", "echo"},
	"tts": {"elevenlabs", "echo"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// The OpenAI SDK directly; BaseURL makes it work against any
	// OpenAI-compatible server.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything else goes through the any-llm adapter. The hosted backends
	// share the APIKey + BaseURL pattern.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; BaseURL is the address, no API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured STT and TTS providers and the
// LLM fallback chain. The "echo" pair is special: it shares one loopback
// recorder, so it bypasses the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (stt.Provider, tts.Provider, *resilience.FallbackGroup[llm.Provider], error) {
	var (
		sttProv stt.Provider
		ttsProv tts.Provider
	)

	echoSTT := cfg.Providers.STT.Name == "echo"
	echoTTS := cfg.Providers.TTS.Name == "echo"
	if echoSTT || echoTTS {
		_, loopSTT, loopTTS := echo.NewLoopback()
		if echoSTT {
			sttProv = loopSTT
			slog.Info("provider created", "kind", "stt", "name", "echo")
		}
		if echoTTS {
			ttsProv = loopTTS
			slog.Info("provider created", "kind", "tts", "name", "echo")
		}
	}

	if sttProv == nil {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
		}
		sttProv = p
		slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	}

	if ttsProv == nil {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
		}
		ttsProv = p
		slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	group := resilience.NewFallbackGroup(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
		slog.Info("llm fallback registered", "name", entry.Name)
	}

	return sttProv, ttsProv, group, nil
}

// ── Engine configuration ──────────────────────────────────────────────────────

func sttEngineConfig(cfg *config.Config) sttengine.Config {
	return sttengine.Config{
		Language:          cfg.Providers.STT.Language,
		Model:             cfg.Providers.STT.Model,
		ConnectTimeout:    cfg.STT.ConnectTimeout.Std(),
		InactivityTimeout: cfg.STT.InactivityTimeout.Std(),
		Overflow:          cfg.STT.TranscriptOverflow,
	}
}

func ttsEngineConfig(cfg *config.Config) ttsengine.Config {
	return ttsengine.Config{
		VoiceID:           cfg.Providers.TTS.VoiceID,
		Language:          cfg.Providers.TTS.Language,
		KeepaliveInterval: cfg.TTS.KeepaliveInterval.Std(),
		ConnectTimeout:    cfg.STT.ConnectTimeout.Std(),
		SynthesisTimeout:  cfg.TTS.SynthesisTimeout.Std(),
		MaxSessions:       cfg.TTS.MaxConcurrentSessions,
	}
}

func llmEngineConfig(cfg *config.Config) llmengine.Config {
	return llmengine.Config{
		SystemPrompt:   cfg.LLM.SystemPrompt,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxMessages:    cfg.LLM.MaxMessagesPerContext,
		RequestTimeout: cfg.LLM.RequestTimeout.Std(),
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	fmt.Printf("║  Channel path    : %-19s ║\n", cfg.Server.ChannelPath)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// when the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
