package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/backend"
	"relayd/pkg/types"
)

// pullTask is one in-flight pull. done is closed after err is set and the
// task has been removed from the coordinator.
type pullTask struct {
	name    string
	done    chan struct{}
	err     error
	waiters int
	started time.Time
	last    backend.PullProgress
}

// PullCoordinator runs at most one backend pull per model name.
type PullCoordinator struct {
	be      backend.Backend
	timeout time.Duration
	pub     EventPublisher
	log     zerolog.Logger
	now     func() time.Time

	// base is the parent of every pull context; canceled by Stop.
	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*pullTask
}

// NewPullCoordinator builds a coordinator over be. Pulls are bounded by
// timeout (no bound when zero).
func NewPullCoordinator(be backend.Backend, timeout time.Duration, pub EventPublisher, log zerolog.Logger) *PullCoordinator {
	if pub == nil {
		pub = noopPublisher{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &PullCoordinator{
		be:      be,
		timeout: timeout,
		pub:     pub,
		log:     log,
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		tasks:   make(map[string]*pullTask),
	}
}

// Pull makes name available locally. If a pull for name is already running
// the caller waits for it instead of starting another. Every waiter gets the
// same result; failures are AcquisitionFailed. ctx only bounds this caller's
// wait, the transfer itself keeps going for the other waiters.
func (p *PullCoordinator) Pull(ctx context.Context, name string) error {
	p.mu.Lock()
	t, ok := p.tasks[name]
	if ok {
		t.waiters++
		pullWaiters.Inc()
	} else {
		t = &pullTask{name: name, done: make(chan struct{}), waiters: 1, started: p.now()}
		p.tasks[name] = t
		go p.run(t)
	}
	p.mu.Unlock()

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		p.mu.Lock()
		if p.tasks[name] == t {
			t.waiters--
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *PullCoordinator) run(t *pullTask) {
	ctx, cancel := p.base, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.base, p.timeout)
	}
	defer cancel()

	p.log.Info().Str("model", t.name).Msg("pull started")
	p.pub.Publish(Event{Name: EventPullStart, Model: t.name})
	err := p.be.Pull(ctx, t.name, func(pr backend.PullProgress) {
		p.mu.Lock()
		t.last = pr
		p.mu.Unlock()
	})

	p.mu.Lock()
	if err != nil {
		t.err = ErrAcquisitionFailed(t.name, err)
	}
	delete(p.tasks, t.name)
	waiters := t.waiters
	p.mu.Unlock()
	close(t.done)

	dur := p.now().Sub(t.started)
	if err != nil {
		pullsTotal.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("model", t.name).Int("waiters", waiters).Dur("took", dur).Msg("pull failed")
		p.pub.Publish(Event{Name: EventPullFailed, Model: t.name, Fields: map[string]any{"error": err.Error(), "waiters": waiters}})
		return
	}
	pullsTotal.WithLabelValues("success").Inc()
	p.log.Info().Str("model", t.name).Int("waiters", waiters).Dur("took", dur).Msg("pull finished")
	p.pub.Publish(Event{Name: EventPullDone, Model: t.name, Fields: map[string]any{"waiters": waiters}})
}

// InFlight reports whether a pull for name is running.
func (p *PullCoordinator) InFlight(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[name]
	return ok
}

// Tasks returns the pulls in flight, sorted by model name.
func (p *PullCoordinator) Tasks() []types.PullStatus {
	p.mu.Lock()
	out := make([]types.PullStatus, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, types.PullStatus{
			Model:       t.name,
			Waiters:     t.waiters,
			StartedUnix: t.started.Unix(),
			Phase:       t.last.Status,
			Completed:   t.last.Completed,
			Total:       t.last.Total,
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Stop cancels every running pull.
func (p *PullCoordinator) Stop() { p.cancel() }
