package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relayd/internal/backend"
	"relayd/internal/backend/llamacpp"
	"relayd/internal/backend/ollama"
	"relayd/internal/httpapi"
	"relayd/internal/registry"
	"relayd/internal/session"
	"relayd/pkg/types"
)

// fakeOllama is an in-process Ollama server. Pulls of names in pullable
// block on release (when set) so tests can pile up concurrent waiters.
type fakeOllama struct {
	mu       sync.Mutex
	local    map[string]bool
	pullable map[string]bool
	pulls    map[string]int
	release  chan struct{}
	reply    []string
}

func newFakeOllama(t *testing.T, local ...string) (*fakeOllama, *httptest.Server) {
	t.Helper()
	f := &fakeOllama{
		local:    map[string]bool{},
		pullable: map[string]bool{},
		pulls:    map[string]int{},
		reply:    []string{"Hello", ", ", "world"},
	}
	for _, n := range local {
		f.local[n] = true
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func modelOf(r *http.Request) string {
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Model
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		models := []map[string]string{}
		for n := range f.local {
			models = append(models, map[string]string{"name": n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	known := func(w http.ResponseWriter, r *http.Request) {
		name := modelOf(r)
		f.mu.Lock()
		ok := f.local[name]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model '`+name+`' not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}
	mux.HandleFunc("/api/show", known)
	mux.HandleFunc("/api/generate", known)
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		name := modelOf(r)
		f.mu.Lock()
		f.pulls[name]++
		ok, release := f.pullable[name], f.release
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n")
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		if release != nil {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		if !ok {
			_, _ = io.WriteString(w, `{"error":"pull model manifest: file does not exist"}`+"\n")
			return
		}
		f.mu.Lock()
		f.local[name] = true
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"success"}`+"\n")
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reply := append([]string(nil), f.reply...)
		f.mu.Unlock()
		enc := json.NewEncoder(w)
		for _, frag := range reply {
			_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": frag}, "done": false})
		}
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": ""}, "done": true})
	})
	return mux
}

func (f *fakeOllama) pullCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[name]
}

// stack is relayd assembled in-process on top of a backend.
type stack struct {
	reg *registry.Registry
	sup *session.Supervisor
	srv *httptest.Server
}

func newStack(t *testing.T, be backend.Backend) *stack {
	t.Helper()
	reg := registry.New(registry.Config{
		Backend:        be,
		AcquireTimeout: 10 * time.Second,
		AutoPull:       true,
		Logger:         zerolog.Nop(),
	})
	sup := session.NewSupervisor(reg, session.Config{
		MaxMessageLength: 10000,
		HistoryTurns:     10,
		WriteTimeout:     5 * time.Second,
		Logger:           zerolog.Nop(),
	}, nil)
	srv := httptest.NewServer(httpapi.NewMux(reg, sup))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		srv.Close()
		_ = reg.Close()
	})
	return &stack{reg: reg, sup: sup, srv: srv}
}

func newOllamaStack(t *testing.T, f *httptest.Server) *stack {
	t.Helper()
	return newStack(t, ollama.New(ollama.Options{BaseURL: f.URL, Timeout: 10 * time.Second, Logger: zerolog.Nop()}))
}

func newLlamaStack(t *testing.T, dir string) *stack {
	t.Helper()
	be, err := llamacpp.New(llamacpp.Options{ModelsDir: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("llamacpp backend: %v", err)
	}
	return newStack(t, be)
}

// createTempModelsDir creates a temporary directory populated with empty .gguf files.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

func (s *stack) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// chat sends one message and returns every event up to the terminal one.
func chat(t *testing.T, conn *websocket.Conn, content string) []types.Event {
	t.Helper()
	evs, err := chatErr(conn, content)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	return evs
}

// chatErr is chat for use off the test goroutine.
func chatErr(conn *websocket.Conn, content string) ([]types.Event, error) {
	if err := conn.WriteJSON(types.InboundMessage{Type: types.MessageChat, Content: content}); err != nil {
		return nil, err
	}
	var evs []types.Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
		var ev types.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return evs, err
		}
		evs = append(evs, ev)
		if ev.Terminal() {
			return evs, nil
		}
	}
}

func joinTokens(evs []types.Event) string {
	var sb strings.Builder
	for _, ev := range evs {
		if ev.Type == types.EventToken {
			sb.WriteString(ev.Content)
		}
	}
	return sb.String()
}

func httpDo(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
