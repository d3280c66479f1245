package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relayd/internal/backend"
	"relayd/internal/registry"
	"relayd/pkg/types"
)

// MaxModelNameLen bounds a model name, whether bound by path or named in a
// message.
const MaxModelNameLen = 256

const greetingUnbound = "Connected. Choose a model by connecting to /ws/{model} or by setting \"model\" in each message."

// State is the lifecycle state of a Controller.
type State int32

const (
	StateIdle State = iota
	StateGenerating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ModelSource hands out borrowed model handles.
type ModelSource interface {
	Acquire(ctx context.Context, name string) (*registry.Handle, error)
}

// Config tunes every session created by a Supervisor.
type Config struct {
	// MaxMessageLength caps user content, in characters.
	MaxMessageLength int
	SystemPrompt     string
	// IntroPrompt, when set, runs as the first request of a bound session.
	IntroPrompt string
	// HistoryTurns is how many user/assistant exchanges are replayed to the
	// backend; zero sends only the current message.
	HistoryTurns int
	SendQueue    int
	WriteTimeout time.Duration
	// PingInterval also sets the read deadline (10/9 of it); zero disables both.
	PingInterval time.Duration
	// ReadLimit caps an inbound frame. It never drops below what a
	// MaxMessageLength message needs with every character JSON-escaped, so
	// long content is rejected by the length check and not by the transport.
	ReadLimit int64
	Logger    zerolog.Logger
}

// minReadLimit allows n characters escaped as \uXXXX surrogate pairs (12
// bytes each) plus the envelope and model name.
func minReadLimit(n int) int64 {
	return 12*int64(n) + 4096
}

func (c Config) withDefaults() Config {
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 10000
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	if floor := minReadLimit(c.MaxMessageLength); c.ReadLimit < floor {
		c.ReadLimit = floor
	}
	return c
}

// Controller drives one connection. It is created by a Supervisor; Run
// blocks until the connection ends.
type Controller struct {
	id      string
	conn    Conn
	em      *Emitter
	models  ModelSource
	cfg     Config
	log     zerolog.Logger
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	bound     string
	history   []backend.Message
	genCancel context.CancelFunc
	genDone   chan struct{}
	// finishing is set once the running request has emitted, or is about to
	// emit, its terminal event.
	finishing bool
	closeOnce sync.Once
}

// NewController builds a controller for conn bound to model (may be empty).
func NewController(parent context.Context, id string, conn Conn, models ModelSource, model string, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With().Str("session", id).Logger()
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		id:      id,
		conn:    conn,
		em:      NewEmitter(conn, EmitterOptions{Queue: cfg.SendQueue, WriteTimeout: cfg.WriteTimeout, PingInterval: cfg.PingInterval, Logger: log}),
		models:  models,
		cfg:     cfg,
		log:     log,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		bound:   strings.TrimSpace(model),
	}
}

func (c *Controller) ID() string         { return c.id }
func (c *Controller) Created() time.Time { return c.created }

// Bound returns the model bound at connection time.
func (c *Controller) Bound() string { return c.bound }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run greets the client and reads messages until the connection ends or the
// client cancels. It returns a transport failure when the connection broke,
// nil on an orderly close.
func (c *Controller) Run() error {
	defer c.Close()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	if c.cfg.PingInterval > 0 {
		wait := c.cfg.PingInterval * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	// A failed write ends the read loop too.
	go func() {
		select {
		case <-c.em.Done():
			c.log.Debug().Err(c.em.Err()).Msg("emitter failed; closing connection")
			c.Close()
		case <-c.ctx.Done():
		}
	}()

	c.greet()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ferr := c.em.Err(); ferr != nil {
				return ferr
			}
			if c.State() == StateClosed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			c.log.Debug().Err(err).Msg("websocket read ended")
			return ErrTransportFailure(err)
		}
		c.handle(data)
	}
}

func (c *Controller) greet() {
	if c.bound == "" {
		_ = c.em.Emit(c.ctx, types.Event{Type: types.EventSystem, Content: greetingUnbound})
		return
	}
	_ = c.em.Emit(c.ctx, types.Event{Type: types.EventSystem, Content: "Connected to " + c.bound})
	if c.cfg.IntroPrompt != "" {
		c.start("", c.cfg.IntroPrompt, false)
	}
}

// handle parses one inbound frame.
func (c *Controller) handle(data []byte) {
	var msg types.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reject(ErrMalformed("expected a JSON object"), "malformed")
		return
	}
	switch msg.Type {
	case types.MessageCancel:
		c.log.Debug().Msg("client canceled session")
		c.Close()
	case types.MessageChat:
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			c.reject(ErrMalformed("content must not be empty"), "malformed")
			return
		}
		if n := utf8.RuneCountInString(content); n > c.cfg.MaxMessageLength {
			c.reject(ErrMalformed("content exceeds the maximum message length"), "malformed")
			return
		}
		model := strings.TrimSpace(msg.Model)
		if len(model) > MaxModelNameLen {
			c.reject(ErrMalformed("model name too long"), "malformed")
			return
		}
		c.start(model, content, true)
	case "":
		c.reject(ErrMalformed("missing type"), "malformed")
	default:
		c.reject(ErrMalformed("unknown message type"), "malformed")
	}
}

// reject reports a request-time error. While a response is streaming it is a
// system notice, so the in-flight event sequence stays intact; otherwise it
// is the request's single error event.
func (c *Controller) reject(err error, outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
	ev := types.Event{Type: types.EventError, Content: Describe(err)}
	c.mu.Lock()
	c.settleLocked()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateClosed:
		return
	case StateGenerating:
		ev.Type = types.EventSystem
	}
	_ = c.em.Emit(c.ctx, ev)
}

// settleLocked waits out a request that already emitted its terminal event,
// so the next frame sees Idle rather than a busy session. c.mu is held on
// entry and exit.
func (c *Controller) settleLocked() {
	for c.state == StateGenerating && c.finishing {
		done := c.genDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
}

// start moves Idle to Generating and runs the request in its own goroutine
// so the read loop keeps observing cancel and disconnect.
func (c *Controller) start(model, prompt string, remember bool) {
	c.mu.Lock()
	c.settleLocked()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateGenerating:
		c.mu.Unlock()
		c.reject(ErrSessionBusy(), "busy")
		return
	}
	if model == "" {
		model = c.bound
	}
	if model == "" {
		c.mu.Unlock()
		c.reject(ErrNoModelBound(), "no_model")
		return
	}
	req := backend.Request{System: c.cfg.SystemPrompt, History: c.recentHistoryLocked(), Prompt: prompt}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.state = StateGenerating
	c.genCancel = cancel
	c.genDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		reply, ok := c.generate(ctx, model, req)
		c.mu.Lock()
		if c.state == StateGenerating {
			c.state = StateIdle
		}
		c.genCancel = nil
		c.finishing = false
		if ok && remember {
			c.history = append(c.history,
				backend.Message{Role: backend.RoleUser, Content: prompt},
				backend.Message{Role: backend.RoleAssistant, Content: reply})
			c.trimHistoryLocked()
		}
		c.mu.Unlock()
	}()
}

// generate relays one request: acquire, start, tokens, then end or error.
// Once ctx is canceled nothing more is emitted. ok reports a clean end.
func (c *Controller) generate(ctx context.Context, model string, req backend.Request) (reply string, ok bool) {
	began := time.Now()
	log := c.log.With().Str("model", model).Logger()

	h, err := c.models.Acquire(ctx, model)
	if err != nil {
		c.fail(ctx, log, err)
		return "", false
	}
	defer h.Release()

	if err := c.em.Emit(ctx, types.Event{Type: types.EventStart}); err != nil {
		c.abandon(log, err)
		return "", false
	}
	stream, err := h.Model().Stream(ctx, req)
	if err != nil {
		c.fail(ctx, log, err)
		return "", false
	}
	defer stream.Close()

	var sb strings.Builder
	first := true
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.fail(ctx, log, err)
			return "", false
		}
		if ctx.Err() != nil {
			c.abandon(log, ctx.Err())
			return "", false
		}
		if first {
			firstTokenSeconds.Observe(time.Since(began).Seconds())
			first = false
		}
		sb.WriteString(frag)
		if err := c.em.Emit(ctx, types.Event{Type: types.EventToken, Content: frag}); err != nil {
			c.abandon(log, err)
			return "", false
		}
	}
	c.markFinishing()
	if err := c.em.Emit(ctx, types.Event{Type: types.EventEnd}); err != nil {
		c.abandon(log, err)
		return "", false
	}
	requestsTotal.WithLabelValues("end").Inc()
	log.Debug().Dur("took", time.Since(began)).Int("chars", sb.Len()).Msg("response complete")
	return sb.String(), true
}

// fail emits the terminal error event unless the request was canceled.
func (c *Controller) fail(ctx context.Context, log zerolog.Logger, err error) {
	if ctx.Err() != nil {
		c.abandon(log, err)
		return
	}
	requestsTotal.WithLabelValues("error").Inc()
	log.Warn().Err(err).Msg("request failed")
	c.markFinishing()
	_ = c.em.Emit(ctx, types.Event{Type: types.EventError, Content: Describe(err)})
}

func (c *Controller) markFinishing() {
	c.mu.Lock()
	c.finishing = true
	c.mu.Unlock()
}

func (c *Controller) abandon(log zerolog.Logger, err error) {
	requestsTotal.WithLabelValues("canceled").Inc()
	log.Debug().Err(err).Msg("request abandoned")
}

func (c *Controller) recentHistoryLocked() []backend.Message {
	if c.cfg.HistoryTurns == 0 || len(c.history) == 0 {
		return nil
	}
	return append([]backend.Message(nil), c.history...)
}

func (c *Controller) trimHistoryLocked() {
	if limit := 2 * c.cfg.HistoryTurns; len(c.history) > limit {
		c.history = append([]backend.Message(nil), c.history[len(c.history)-limit:]...)
	}
}

// Close cancels any generation, waits for it to stop, flushes the emitter
// and closes the connection. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		cancel, done := c.genCancel, c.genDone
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.cancel()
		if done != nil {
			<-done
		}
		c.em.Close()
		_ = c.conn.Close()
	})
}
