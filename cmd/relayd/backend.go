package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/backend"
	"relayd/internal/backend/llamacpp"
	"relayd/internal/backend/ollama"
	"relayd/internal/config"
	"relayd/internal/registry"
	"relayd/internal/session"
)

// newBackend constructs the backend named by cfg.Backend.
func newBackend(cfg config.Config, log zerolog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return ollama.New(ollama.Options{
			BaseURL:   cfg.Ollama.BaseURL,
			Timeout:   time.Duration(cfg.Ollama.TimeoutSeconds) * time.Second,
			KeepAlive: cfg.Ollama.KeepAlive,
			Logger:    log.With().Str("backend", "ollama").Logger(),
		}), nil
	case config.BackendLlamaCpp:
		if !llamacpp.Built {
			log.Warn().Msg("llamacpp backend built without the 'llama' tag; models are listed but cannot be loaded")
		}
		be, err := llamacpp.New(llamacpp.Options{
			ModelsDir:   cfg.LlamaCpp.ModelsDir,
			ContextSize: cfg.LlamaCpp.ContextSize,
			Threads:     cfg.LlamaCpp.Threads,
			MaxTokens:   cfg.LlamaCpp.MaxTokens,
			Logger:      log.With().Str("backend", "llamacpp").Logger(),
		})
		if err != nil {
			return nil, err
		}
		return be, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func registryConfig(cfg config.Config, be backend.Backend, log zerolog.Logger) registry.Config {
	return registry.Config{
		Backend:        be,
		AcquireTimeout: cfg.AcquireTimeout(),
		MaxHandles:     cfg.Registry.MaxHandles,
		IdleTTL:        cfg.IdleTTL(),
		AutoPull:       cfg.Registry.AutoPull,
		Publisher:      registry.LogPublisher{Logger: log},
		Logger:         log,
	}
}

func sessionConfig(cfg config.Config, log zerolog.Logger) session.Config {
	s := cfg.Session
	return session.Config{
		MaxMessageLength: s.MaxMessageLength,
		SystemPrompt:     s.SystemPrompt,
		IntroPrompt:      s.IntroPrompt,
		HistoryTurns:     s.HistoryTurns,
		SendQueue:        s.SendQueue,
		WriteTimeout:     time.Duration(s.WriteTimeoutSeconds) * time.Second,
		PingInterval:     time.Duration(s.PingIntervalSeconds) * time.Second,
		ReadLimit:        s.ReadLimitBytes,
		Logger:           log,
	}
}

// originChecker limits websocket upgrades to the CORS origins. A wildcard,
// an empty list or disabled CORS accepts every origin.
func originChecker(c config.CORSConfig) func(*http.Request) bool {
	if !c.Enabled || len(c.AllowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return nil
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
