//go:build !llama

package llamacpp

import "relayd/internal/backend"

// Built reports whether real llama.cpp support is compiled in.
const Built = false

func loadModel(path string, opts Options) (backend.Model, error) {
	return nil, backend.ErrUnavailable("llama support not built (missing 'llama' build tag)")
}
