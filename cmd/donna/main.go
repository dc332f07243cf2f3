// Command donna is the voice check-in call server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/dmdzco/donna2/internal/app"
	"github.com/dmdzco/donna2/internal/config"
	"github.com/dmdzco/donna2/internal/observe"
	"github.com/dmdzco/donna2/internal/resilience"
	"github.com/dmdzco/donna2/pkg/provider/embeddings"
	ollamaembed "github.com/dmdzco/donna2/pkg/provider/embeddings/ollama"
	oaembed "github.com/dmdzco/donna2/pkg/provider/embeddings/openai"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	"github.com/dmdzco/donna2/pkg/provider/llm/anyllm"
	oallm "github.com/dmdzco/donna2/pkg/provider/llm/openai"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/stt/deepgram"
	"github.com/dmdzco/donna2/pkg/provider/stt/whisper"
	"github.com/dmdzco/donna2/pkg/provider/tts"
	"github.com/dmdzco/donna2/pkg/provider/tts/coqui"
	"github.com/dmdzco/donna2/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "donna: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "donna: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("donna starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "donna"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := metricsShutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai goes through the native client; the rest share the any-llm
	// pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

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

	// ollama is a local server; it uses BaseURL for the address, not a key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// whisper targets a self-hosted whisper-server; BaseURL is the address.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := entry.StringOption("output_format", ""); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// coqui targets a self-hosted Coqui TTS or XTTS v2 server.
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.StringOption("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims, ok := entry.Options["dimensions"].(int); ok && dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})
}

// buildProviders instantiates every configured provider. The director and
// analysis roles get the voice model as an automatic fallback, so an outage
// of their dedicated vendor degrades guidance quality instead of silencing
// those roles.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var ps app.Providers
	var err error

	if ps.Voice, err = reg.CreateLLM(cfg.Providers.Voice); err != nil {
		return ps, fmt.Errorf("create voice provider %q: %w", cfg.Providers.Voice.Name, err)
	}
	slog.Info("provider created", "role", "voice", "name", cfg.Providers.Voice.Name)

	director, err := reg.CreateLLM(cfg.Providers.Director)
	if err != nil {
		return ps, fmt.Errorf("create director provider %q: %w", cfg.Providers.Director.Name, err)
	}
	ps.Director = withVoiceFallback(director, cfg.Providers.Director.Name, ps.Voice)
	slog.Info("provider created", "role", "director", "name", cfg.Providers.Director.Name)

	analysis, err := reg.CreateLLM(cfg.Providers.Analysis)
	if err != nil {
		return ps, fmt.Errorf("create analysis provider %q: %w", cfg.Providers.Analysis.Name, err)
	}
	ps.Analysis = withVoiceFallback(analysis, cfg.Providers.Analysis.Name, ps.Voice)
	slog.Info("provider created", "role", "analysis", "name", cfg.Providers.Analysis.Name)

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "role", "stt", "name", cfg.Providers.STT.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "role", "tts", "name", cfg.Providers.TTS.Name)

	if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
		return ps, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	// Embeds run off the hot path; retries keep flaky backends from
	// dropping memories.
	ps.Embeddings = resilience.NewRetryingEmbedder(ps.Embeddings, cfg.Providers.Embeddings.Name)
	slog.Info("provider created", "role", "embeddings", "name", cfg.Providers.Embeddings.Name)

	return ps, nil
}

// withVoiceFallback wraps a role provider so the voice model backs it up.
func withVoiceFallback(primary llm.Provider, name string, voice llm.Provider) llm.Provider {
	fb := resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{})
	fb.AddFallback("voice", voice)
	return fb
}
