package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Info describes an open session.
type Info struct {
	ID      string
	Model   string
	State   State
	Created time.Time
}

// Supervisor accepts WebSocket connections and owns their Controllers.
type Supervisor struct {
	models   ModelSource
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Controller
	closing  bool
	wg       sync.WaitGroup
}

// NewSupervisor builds a Supervisor. checkOrigin may be nil to accept every
// origin.
func NewSupervisor(models ModelSource, cfg Config, checkOrigin func(*http.Request) bool) *Supervisor {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		models: models,
		cfg:    cfg,
		log:    cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*Controller),
	}
}

// Accept upgrades the request and serves the connection until it ends.
// model binds the session to a model name; empty leaves it unbound.
func (s *Supervisor) Accept(w http.ResponseWriter, r *http.Request, model string) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := NewController(s.base, id, conn, s.models, model, s.cfg)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.sessions[id] = c
	s.wg.Add(1)
	s.mu.Unlock()
	activeSessions.Inc()

	log := s.log.With().Str("session", id).Str("model", model).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("session opened")
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		activeSessions.Dec()
		s.wg.Done()
	}()

	if err := c.Run(); err != nil {
		log.Info().Err(err).Msg("session closed")
		return
	}
	log.Info().Msg("session closed")
}

// Count returns the number of open sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions lists open sessions, oldest first.
func (s *Supervisor) Sessions() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, Info{ID: c.ID(), Model: c.Bound(), State: c.State(), Created: c.Created()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Shutdown stops accepting, closes every session and waits for them to
// finish or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*Controller, 0, len(s.sessions))
	for _, c := range s.sessions {
		open = append(open, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range open {
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
