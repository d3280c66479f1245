// Package backend defines the inference capability the relay drives: a
// catalog of model names, a provisioning (pull) operation, and per-model
// bindings that turn a prompt into a lazy, cancellable sequence of text
// fragments.
//
// Implementations:
//
//   - ollama: HTTP client for a local Ollama server (default).
//   - llamacpp: in-process go-llama.cpp runtime over a directory of GGUF
//     files. Real inference requires `-tags=llama`; without it the adapter
//     lists models but refuses to load them.
//   - fake: deterministic in-memory backend used by tests.
package backend

import "context"

// Backend is the provisioning and instantiation side of an inference engine.
type Backend interface {
	// Name identifies the backend kind (e.g. "ollama").
	Name() string
	// List returns the model names the backend can serve without a pull.
	List(ctx context.Context) ([]string, error)
	// Show reports whether the model is locally available. It returns an
	// error satisfying IsUnknownModel when a pull is required.
	Show(ctx context.Context, name string) error
	// Pull makes the model locally available. onProgress may be nil.
	Pull(ctx context.Context, name string, onProgress func(PullProgress)) error
	// Load binds a locally available model for inference.
	Load(ctx context.Context, name string) (Model, error)
}

// Model is an instantiated binding for one model name. It may serve several
// streams over its lifetime, one per request.
type Model interface {
	// Stream starts generation. The returned Stream stops producing
	// fragments once ctx is canceled or Close is called.
	Stream(ctx context.Context, req Request) (Stream, error)
	// Close releases resources held by the binding.
	Close() error
}

// Stream is a pull-based sequence of generated text fragments. Recv returns
// io.EOF after the final fragment.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Role of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request.
type Request struct {
	// System is an optional system prompt.
	System string
	// History holds prior turns, oldest first.
	History []Message
	// Prompt is the current user message.
	Prompt string
}

// Messages flattens the request into chat messages.
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.History)+2)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	out = append(out, r.History...)
	return append(out, Message{Role: RoleUser, Content: r.Prompt})
}

// PullProgress is one progress report from a running pull.
type PullProgress struct {
	Status    string
	Digest    string
	Completed int64
	Total     int64
}
