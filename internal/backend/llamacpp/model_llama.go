//go:build llama

package llamacpp

import (
	"context"
	"errors"
	"io"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"relayd/internal/backend"
)

// Built reports whether real llama.cpp support is compiled in.
const Built = true

type llamaModel struct {
	// Predict is not reentrant; one generation at a time per model.
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	tokens  int
}

func loadModel(path string, opts Options) (backend.Model, error) {
	m, err := llama.New(path, llama.SetContext(opts.ContextSize))
	if err != nil {
		return nil, backend.ErrUnavailable("llama load: " + err.Error())
	}
	return &llamaModel{model: m, threads: opts.Threads, tokens: opts.MaxTokens}, nil
}

func (m *llamaModel) Stream(ctx context.Context, req backend.Request) (backend.Stream, error) {
	if m.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &tokenStream{ctx: ctx, cancel: cancel, toks: make(chan string), errc: make(chan error, 1)}
	prompt := formatPrompt(req)
	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		defer close(s.toks)
		m.model.SetTokenCallback(func(tok string) bool {
			select {
			case s.toks <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		})
		_, err := m.model.Predict(prompt,
			llama.SetTokens(m.tokens),
			llama.SetThreads(m.threads),
			llama.SetTopP(llama.DefaultOptions.TopP),
			llama.SetTopK(llama.DefaultOptions.TopK),
			llama.SetTemperature(llama.DefaultOptions.Temperature),
			llama.SetStopWords("User:"),
		)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		s.errc <- err
	}()
	return s, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

// tokenStream adapts the callback-driven Predict to backend.Stream.
type tokenStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	toks   chan string
	errc   chan error
	end    error
}

func (s *tokenStream) Recv() (string, error) {
	if s.end != nil {
		return "", s.end
	}
	tok, ok := <-s.toks
	if ok {
		return tok, nil
	}
	if err := <-s.errc; err != nil {
		s.end = err
	} else {
		s.end = io.EOF
	}
	return "", s.end
}

func (s *tokenStream) Close() error {
	s.cancel()
	return nil
}
