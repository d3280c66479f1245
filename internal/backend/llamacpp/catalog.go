// Package llamacpp serves GGUF models from a local directory through the
// in-process llama.cpp bindings. Without the 'llama' build tag every Load
// fails with backend.ErrUnavailable; the catalog still works.
package llamacpp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"relayd/internal/backend"
	"relayd/internal/common/fsutil"
)

// Options configures a Backend.
type Options struct {
	ModelsDir   string
	ContextSize int
	Threads     int
	MaxTokens   int
	Logger      zerolog.Logger
}

// Backend lists *.gguf files in ModelsDir and loads them in-process.
// Model names are the file names, extension included.
type Backend struct {
	opts Options
	log  zerolog.Logger

	mu sync.Mutex
	// last scan result, refreshed by List
	paths map[string]string
}

var _ backend.Backend = (*Backend)(nil)

// New constructs a Backend. ModelsDir may start with '~'.
func New(opts Options) (*Backend, error) {
	dir, err := fsutil.ExpandHome(opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("llamacpp: models dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	opts.ModelsDir = abs
	if opts.ContextSize <= 0 {
		opts.ContextSize = 2048
	}
	if opts.Threads <= 0 {
		opts.Threads = 4
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	return &Backend{opts: opts, log: opts.Logger, paths: map[string]string{}}, nil
}

func (b *Backend) Name() string { return "llamacpp" }

// Scan reads ModelsDir and returns name -> absolute path for each *.gguf file.
func Scan(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		out[name] = filepath.Join(dir, name)
	}
	return out, nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	paths, err := Scan(b.opts.ModelsDir)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.paths = paths
	b.mu.Unlock()
	names := make([]string, 0, len(paths))
	for n := range paths {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// resolve maps a model name to its file, tolerating a missing .gguf suffix.
func (b *Backend) resolve(name string) (string, bool) {
	if strings.ContainsAny(name, `/\`) || name == "" {
		return "", false
	}
	candidates := []string{name}
	if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
		candidates = append(candidates, name+".gguf")
	}
	for _, c := range candidates {
		p := filepath.Join(b.opts.ModelsDir, c)
		if fsutil.PathExists(p) {
			return p, true
		}
	}
	return "", false
}

func (b *Backend) Show(ctx context.Context, name string) error {
	if _, ok := b.resolve(name); !ok {
		return backend.ErrUnknownModel(name)
	}
	return nil
}

// Pull cannot download anything; it succeeds only when the file is already
// present, so operators can drop files into ModelsDir and retry.
func (b *Backend) Pull(ctx context.Context, name string, onProgress func(backend.PullProgress)) error {
	if _, ok := b.resolve(name); !ok {
		return fmt.Errorf("model file %q not found in %s; copy it there to make it available", name, b.opts.ModelsDir)
	}
	if onProgress != nil {
		onProgress(backend.PullProgress{Status: "success"})
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, name string) (backend.Model, error) {
	p, ok := b.resolve(name)
	if !ok {
		return nil, backend.ErrUnknownModel(name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.log.Info().Str("model", name).Str("path", p).Msg("llamacpp loading model")
	return loadModel(p, b.opts)
}

// formatPrompt renders a chat request as a plain-text transcript.
func formatPrompt(req backend.Request) string {
	var sb strings.Builder
	for _, m := range req.Messages() {
		switch m.Role {
		case backend.RoleSystem:
			sb.WriteString("System: ")
		case backend.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}
