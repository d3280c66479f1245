// Package fake provides a scriptable in-memory backend for tests.
package fake

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"relayd/internal/backend"
)

// Backend is an in-memory backend.Backend. The zero value is not usable; call New.
type Backend struct {
	mu        sync.Mutex
	local     map[string]bool
	remote    map[string]bool
	fragments map[string][]string
	streamErr map[string]error
	live      map[string]chan string

	listErr   error
	pullErr   error
	loadErr   error
	pullDelay time.Duration
	pullGate  chan struct{}

	pulls   map[string]int
	loads   map[string]int
	closed  map[string]int
	streams []*Stream
	reqs    []backend.Request
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		local:     map[string]bool{},
		remote:    map[string]bool{},
		fragments: map[string][]string{},
		streamErr: map[string]error{},
		live:      map[string]chan string{},
		pulls:     map[string]int{},
		loads:     map[string]int{},
		closed:    map[string]int{},
	}
}

// AddLocal marks models as already available.
func (b *Backend) AddLocal(names ...string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.local[n] = true
	}
	return b
}

// AddRemote marks models as pullable.
func (b *Backend) AddRemote(names ...string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.remote[n] = true
	}
	return b
}

// SetFragments scripts the fragments streamed for a model.
func (b *Backend) SetFragments(name string, frags ...string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments[name] = append([]string(nil), frags...)
	return b
}

// SetStreamError makes streams for name fail with err after their fragments.
func (b *Backend) SetStreamError(name string, err error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamErr[name] = err
	return b
}

// Live makes streams for name read fragments from the returned channel.
// Closing the channel ends the stream.
func (b *Backend) Live(name string) chan<- string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string)
	b.live[name] = ch
	return ch
}

// SetListError makes List fail.
func (b *Backend) SetListError(err error) { b.mu.Lock(); b.listErr = err; b.mu.Unlock() }

// SetPullError makes Pull fail.
func (b *Backend) SetPullError(err error) { b.mu.Lock(); b.pullErr = err; b.mu.Unlock() }

// SetLoadError makes Load fail.
func (b *Backend) SetLoadError(err error) { b.mu.Lock(); b.loadErr = err; b.mu.Unlock() }

// SetPullDelay slows every pull down.
func (b *Backend) SetPullDelay(d time.Duration) { b.mu.Lock(); b.pullDelay = d; b.mu.Unlock() }

// HoldPulls blocks pulls until the returned func is called.
func (b *Backend) HoldPulls() (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.pullGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Pulls returns how many times Pull ran for name.
func (b *Backend) Pulls(name string) int { b.mu.Lock(); defer b.mu.Unlock(); return b.pulls[name] }

// Loads returns how many times Load succeeded for name.
func (b *Backend) Loads(name string) int { b.mu.Lock(); defer b.mu.Unlock(); return b.loads[name] }

// Closed returns how many bindings for name were closed.
func (b *Backend) Closed(name string) int { b.mu.Lock(); defer b.mu.Unlock(); return b.closed[name] }

// Streams returns every stream opened so far.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Stream(nil), b.streams...)
}

// Requests returns every generation request received so far.
func (b *Backend) Requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Request(nil), b.reqs...)
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) List(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]string, 0, len(b.local))
	for n := range b.local {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Show(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.local[name] {
		return backend.ErrUnknownModel(name)
	}
	return nil
}

func (b *Backend) Pull(ctx context.Context, name string, onProgress func(backend.PullProgress)) error {
	b.mu.Lock()
	b.pulls[name]++
	delay, gate, perr, known := b.pullDelay, b.pullGate, b.pullErr, b.remote[name] || b.local[name]
	b.mu.Unlock()

	if onProgress != nil {
		onProgress(backend.PullProgress{Status: "pulling manifest"})
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if perr != nil {
		return perr
	}
	if !known {
		return errors.New("pull model manifest: file does not exist")
	}
	if onProgress != nil {
		onProgress(backend.PullProgress{Status: "success", Completed: 1, Total: 1})
	}
	b.mu.Lock()
	b.local[name] = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Load(ctx context.Context, name string) (backend.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if !b.local[name] {
		return nil, backend.ErrUnknownModel(name)
	}
	b.loads[name]++
	return &model{b: b, name: name}, nil
}

type model struct {
	b      *Backend
	name   string
	closed bool
}

func (m *model) Stream(ctx context.Context, req backend.Request) (backend.Stream, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.closed {
		return nil, errors.New("model closed")
	}
	s := &Stream{
		ctx:   ctx,
		frags: append([]string(nil), m.b.fragments[m.name]...),
		err:   m.b.streamErr[m.name],
		live:  m.b.live[m.name],
	}
	m.b.streams = append(m.b.streams, s)
	m.b.reqs = append(m.b.reqs, req)
	return s, nil
}

func (m *model) Close() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.b.closed[m.name]++
	}
	return nil
}

// Stream is a scripted fragment stream that records how it was consumed.
type Stream struct {
	ctx   context.Context
	frags []string
	err   error
	live  chan string

	mu       sync.Mutex
	next     int
	recvs    int
	canceled bool
	closed   bool
}

func (s *Stream) Recv() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("stream closed")
	}
	s.mu.Unlock()

	if s.live != nil {
		select {
		case f, ok := <-s.live:
			if !ok {
				return "", s.endErr()
			}
			s.count()
			return f, nil
		case <-s.ctx.Done():
			s.cancel()
			return "", s.ctx.Err()
		}
	}

	if err := s.ctx.Err(); err != nil {
		s.cancel()
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.frags) {
		f := s.frags[s.next]
		s.next++
		s.recvs++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *Stream) endErr() error {
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

func (s *Stream) count() { s.mu.Lock(); s.recvs++; s.mu.Unlock() }

func (s *Stream) cancel() { s.mu.Lock(); s.canceled = true; s.mu.Unlock() }

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Received returns how many fragments were consumed.
func (s *Stream) Received() int { s.mu.Lock(); defer s.mu.Unlock(); return s.recvs }

// Canceled reports whether Recv observed context cancellation.
func (s *Stream) Canceled() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.canceled }

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.closed }
