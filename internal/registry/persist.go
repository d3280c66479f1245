package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"relayd/internal/common/fsutil"
)

type stateRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	CreatedUnix  int64 `json:"created_unix"`
}

// SaveState writes the names of live handles to path so a restarted
// process can warm them again.
func (r *Registry) SaveState(path string) error {
	if path == "" {
		return nil
	}
	r.mu.RLock()
	snap := make(map[string]stateRecord, len(r.handles))
	for name, h := range r.handles {
		snap[name] = stateRecord{LastUsedUnix: h.lastUsed.Unix(), CreatedUnix: h.created.Unix()}
	}
	r.mu.RUnlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// LoadState reads names saved by SaveState, most recently used first.
// A missing file yields no names and no error.
func LoadState(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]stateRecord
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	names := make([]string, 0, len(data))
	for n := range data {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := data[names[i]], data[names[j]]
		if a.LastUsedUnix != b.LastUsedUnix {
			return a.LastUsedUnix > b.LastUsedUnix
		}
		return names[i] < names[j]
	})
	return names, nil
}

// Prewarm acquires and immediately releases each name. Failures are logged
// and skipped; the number of handles warmed is returned.
func (r *Registry) Prewarm(ctx context.Context, names []string) int {
	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		h, err := r.Acquire(ctx, name)
		if err != nil {
			r.log.Warn().Err(err).Str("model", name).Msg("prewarm failed")
			continue
		}
		h.Release()
		n++
	}
	return n
}
