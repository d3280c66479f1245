package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relayd/pkg/types"
)

// EmitterOptions tunes an Emitter.
type EmitterOptions struct {
	// Queue is the number of frames buffered ahead of the socket.
	Queue        int
	WriteTimeout time.Duration
	// PingInterval sends keepalive pings; zero disables them.
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Emitter serializes events onto one connection. A single pump goroutine
// performs every write; Emit only enqueues, blocking its caller when the
// queue is full so a slow client stalls its own session and nothing else.
type Emitter struct {
	conn  Conn
	opts  EmitterOptions
	log   zerolog.Logger
	queue chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
	dead     chan struct{}
	deadOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// NewEmitter starts the write pump for conn.
func NewEmitter(conn Conn, opts EmitterOptions) *Emitter {
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	e := &Emitter{
		conn:     conn,
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan []byte, opts.Queue),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		dead:     make(chan struct{}),
	}
	go e.pump()
	return e
}

// Emit enqueues ev behind every event emitted before it. It returns ctx's
// error once ctx is done, even when the queue has room, so nothing is
// emitted on behalf of a canceled request.
func (e *Emitter) Emit(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-e.stop:
		return errEmitterClosed
	case <-e.dead:
		return e.Err()
	default:
	}
	select {
	case e.queue <- b:
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
		return nil
	case <-e.stop:
		return errEmitterClosed
	case <-e.dead:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, flushes what is queued, sends a close frame
// and waits for the pump to exit.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.pumpDone
}

// Done is closed when a write fails.
func (e *Emitter) Done() <-chan struct{} { return e.dead }

// Err returns the transport failure, if any.
func (e *Emitter) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Emitter) fail(err error) {
	e.deadOnce.Do(func() {
		e.errMu.Lock()
		e.err = ErrTransportFailure(err)
		e.errMu.Unlock()
		close(e.dead)
	})
}

func (e *Emitter) write(messageType int, b []byte) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
	return e.conn.WriteMessage(messageType, b)
}

func (e *Emitter) pump() {
	defer close(e.pumpDone)
	var tick <-chan time.Time
	if e.opts.PingInterval > 0 {
		t := time.NewTicker(e.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case b := <-e.queue:
			if err := e.write(websocket.TextMessage, b); err != nil {
				e.log.Debug().Err(err).Msg("websocket write failed")
				e.fail(err)
				return
			}
		case <-tick:
			if err := e.write(websocket.PingMessage, nil); err != nil {
				e.log.Debug().Err(err).Msg("websocket ping failed")
				e.fail(err)
				return
			}
		case <-e.stop:
			e.flush()
			return
		}
	}
}

// flush drains the queue and says goodbye. Errors only mark the emitter dead.
func (e *Emitter) flush() {
	for {
		select {
		case b := <-e.queue:
			if err := e.write(websocket.TextMessage, b); err != nil {
				e.fail(err)
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := e.write(websocket.CloseMessage, msg); err != nil {
				e.fail(err)
			}
			return
		}
	}
}
