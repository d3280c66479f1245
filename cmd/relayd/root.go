package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relayd/internal/config"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	backend    string
	ollamaURL  string
	modelsDir  string
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&rootOptions{}) }

// newRootCmdWith builds the command tree with persistent flags bound to opts.
func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Stream local LLM replies to WebSocket clients",
		Long: `relayd relays chat messages from WebSocket clients to a local model backend
(Ollama or llama.cpp) and streams the reply back token by token.

Examples:
  relayd serve --config relayd.yaml
  relayd serve --backend llamacpp --models-dir ~/models/llm
  relayd models
  relayd pull llama3`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config and RELAYD_LOG_LEVEL)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: json|console")
	pf.StringVar(&opts.backend, "backend", "", "Inference backend: ollama|llamacpp")
	pf.StringVar(&opts.ollamaURL, "ollama-url", "", "Ollama base URL")
	pf.StringVar(&opts.modelsDir, "models-dir", "", "Directory of *.gguf files for the llamacpp backend")

	root.AddCommand(newServeCmd(opts), newModelsCmd(opts), newPullCmd(opts))
	return root
}

// loadConfig layers defaults, the config file, the environment and flags,
// in that order, then validates the result.
func loadConfig(cmd *cobra.Command, opts *rootOptions, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		c, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}
	if flags.Changed("ollama-url") {
		cfg.Ollama.BaseURL = opts.ollamaURL
	}
	if flags.Changed("models-dir") {
		cfg.LlamaCpp.ModelsDir = opts.modelsDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. format is json (default) or console.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = l
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q (want json or console)", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "relayd").Logger(), nil
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
