package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/backend"
)

// Handle is one loaded backend model. Sessions borrow it through Acquire and
// must call Release exactly once per successful Acquire.
type Handle struct {
	reg     *Registry
	name    string
	created time.Time
	model   backend.Model

	// guarded by reg.mu
	lastUsed time.Time
	refs     int
	evicted  bool
	closed   bool
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) Created() time.Time   { return h.created }
func (h *Handle) Model() backend.Model { return h.model }

// LastUsed returns when the handle was last acquired or released.
func (h *Handle) LastUsed() time.Time {
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()
	return h.lastUsed
}

// Release returns a borrowed handle. An evicted handle is closed by its last
// Release.
func (h *Handle) Release() {
	r := h.reg
	r.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed = r.cfg.Now()
	closeNow := h.evicted && h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
		if r.retired[h.name] == h {
			delete(r.retired, h.name)
		}
	}
	r.mu.Unlock()
	if closeNow {
		r.closeModel(h)
	}
}

// loadCall is an in-flight handle creation that Acquire callers wait on.
type loadCall struct {
	done chan struct{}
	err  error
}

// Registry owns live model handles keyed by name.
type Registry struct {
	cfg   Config
	be    backend.Backend
	pulls *PullCoordinator
	log   zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handles map[string]*Handle
	loading map[string]*loadCall
	// retired holds evicted handles still borrowed, so a re-acquire revives
	// the same binding instead of loading a second one.
	retired   map[string]*Handle
	closed    bool
	loads     uint64
	evictions uint64
	startTime time.Time
}

// New constructs a Registry over cfg.Backend.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:       cfg,
		be:        cfg.Backend,
		log:       cfg.Logger,
		base:      base,
		cancel:    cancel,
		handles:   make(map[string]*Handle),
		loading:   make(map[string]*loadCall),
		retired:   make(map[string]*Handle),
		startTime: cfg.Now(),
	}
	r.pulls = NewPullCoordinator(cfg.Backend, cfg.AcquireTimeout, cfg.Publisher, cfg.Logger)
	return r
}

// Pulls exposes the shared pull coordinator.
func (r *Registry) Pulls() *PullCoordinator { return r.pulls }

// BackendName returns the name of the backend serving inference.
func (r *Registry) BackendName() string { return r.be.Name() }

// Acquire returns the handle for name, creating it if needed. The caller
// blocks until the handle exists or ctx ends; other names are unaffected.
// Creation runs detached from ctx so a departing caller does not abort it
// for the others waiting on the same name.
func (r *Registry) Acquire(ctx context.Context, name string) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrModelUnavailable(name, errors.New("empty model name"))
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrModelUnavailable(name, errClosed)
		}
		if h, ok := r.handles[name]; ok {
			h.refs++
			h.lastUsed = r.cfg.Now()
			r.mu.Unlock()
			acquireTotal.WithLabelValues("hit").Inc()
			return h, nil
		}
		if h, ok := r.retired[name]; ok {
			r.reviveLocked(h)
			victims := r.capacityVictimsLocked(name)
			live := len(r.handles)
			r.mu.Unlock()
			acquireTotal.WithLabelValues("revive").Inc()
			liveHandles.Set(float64(live))
			r.finishEvictions(victims, "capacity")
			return h, nil
		}
		call, ok := r.loading[name]
		if !ok {
			call = &loadCall{done: make(chan struct{})}
			r.loading[name] = call
			go r.load(name, call)
		}
		r.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			acquireTotal.WithLabelValues("error").Inc()
			return nil, call.err
		}
		// The handle is in the map now; loop to borrow it.
	}
}

// reviveLocked puts an evicted but still borrowed handle back into service.
func (r *Registry) reviveLocked(h *Handle) {
	delete(r.retired, h.name)
	h.evicted = false
	h.refs++
	h.lastUsed = r.cfg.Now()
	r.handles[h.name] = h
}

// load creates the handle for name and publishes it before waking waiters.
func (r *Registry) load(name string, call *loadCall) {
	ctx, cancel := context.WithTimeout(r.base, r.cfg.AcquireTimeout)
	defer cancel()

	start := r.cfg.Now()
	r.cfg.Publisher.Publish(Event{Name: EventAcquireStart, Model: name})
	m, err := r.create(ctx, name)
	took := r.cfg.Now().Sub(start)
	loadDuration.Observe(took.Seconds())

	r.mu.Lock()
	delete(r.loading, name)
	if err == nil && r.closed {
		err = errClosed
		_ = m.Close()
	}
	if err != nil {
		call.err = ErrModelUnavailable(name, err)
		r.mu.Unlock()
		close(call.done)
		r.log.Warn().Err(err).Str("model", name).Dur("took", took).Msg("model load failed")
		r.cfg.Publisher.Publish(Event{Name: EventLoadFailed, Model: name, Fields: map[string]any{"error": err.Error()}})
		return
	}
	now := r.cfg.Now()
	r.handles[name] = &Handle{reg: r, name: name, created: now, lastUsed: now, model: m}
	r.loads++
	victims := r.capacityVictimsLocked(name)
	live := len(r.handles)
	r.mu.Unlock()
	close(call.done)

	acquireTotal.WithLabelValues("load").Inc()
	liveHandles.Set(float64(live))
	r.log.Info().Str("model", name).Dur("took", took).Msg("model loaded")
	r.cfg.Publisher.Publish(Event{Name: EventLoadReady, Model: name, Fields: map[string]any{"took_ms": took.Milliseconds()}})
	r.finishEvictions(victims, "capacity")
}

// create checks local availability, pulls when allowed, then loads.
func (r *Registry) create(ctx context.Context, name string) (backend.Model, error) {
	if err := r.be.Show(ctx, name); err != nil {
		if !backend.IsUnknownModel(err) || !r.cfg.AutoPull {
			return nil, err
		}
		if err := r.pulls.Pull(ctx, name); err != nil {
			return nil, err
		}
	}
	return r.be.Load(ctx, name)
}

// Pull makes name available locally through the shared coordinator.
func (r *Registry) Pull(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrAcquisitionFailed(name, errors.New("empty model name"))
	}
	return r.pulls.Pull(ctx, name)
}

// List returns the backend catalog merged with live handle names,
// deduplicated and sorted. When the catalog cannot be read the live names
// are still returned alongside the error.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	catalog, err := r.be.List(ctx)
	seen := make(map[string]struct{}, len(catalog))
	out := make([]string, 0, len(catalog))
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, n := range catalog {
		add(n)
	}
	r.mu.RLock()
	for n := range r.handles {
		add(n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	if err != nil {
		return out, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// Loaded returns the names of live handles, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handles))
	for n := range r.handles {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close evicts every handle and stops in-flight pulls. Borrowed handles are
// released by their last borrower.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var victims []*Handle
	for name, h := range r.handles {
		delete(r.handles, name)
		r.evictions++
		if r.retireLocked(h) {
			victims = append(victims, h)
		}
	}
	r.mu.Unlock()
	r.cancel()
	r.pulls.Stop()
	liveHandles.Set(0)

	var errs []error
	for _, h := range victims {
		evictionsTotal.WithLabelValues("close").Inc()
		if err := h.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) closeModel(h *Handle) {
	if err := h.model.Close(); err != nil {
		r.log.Warn().Err(err).Str("model", h.name).Msg("closing model failed")
	}
}
