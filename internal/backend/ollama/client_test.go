package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/internal/backend"
)

// fakeOllama serves a small subset of the Ollama API.
type fakeOllama struct {
	mu        sync.Mutex
	local     map[string]bool
	pullable  map[string]bool
	chatLines []string
	lastChat  map[string]any
	unloads   int
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var models []map[string]string
		for n := range f.local {
			models = append(models, map[string]string{"name": n})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		ok := f.local[fmt.Sprint(body["model"])]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := fmt.Sprint(body["model"])
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.local[name] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model '`+name+`' not found"}`)
			return
		}
		if ka, ok := body["keep_alive"]; ok && fmt.Sprint(ka) == "0" {
			f.unloads++
		}
		_, _ = io.WriteString(w, `{"done":true}`)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := fmt.Sprint(body["model"])
		f.mu.Lock()
		ok := f.pullable[name]
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n")
		if !ok {
			_, _ = io.WriteString(w, `{"error":"pull model manifest: file does not exist"}`+"\n")
			return
		}
		_, _ = io.WriteString(w, `{"status":"downloading","digest":"sha256:ab","total":10,"completed":5}`+"\n")
		_, _ = io.WriteString(w, `{"status":"success"}`+"\n")
		f.mu.Lock()
		f.local[name] = true
		f.mu.Unlock()
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastChat = body
		lines := append([]string(nil), f.chatLines...)
		f.mu.Unlock()
		fl, _ := w.(http.Flusher)
		for _, l := range lines {
			if l == "HANG" {
				<-r.Context().Done()
				return
			}
			_, _ = io.WriteString(w, l+"\n")
			if fl != nil {
				fl.Flush()
			}
		}
	})
	return mux
}

func newFake(t *testing.T) (*fakeOllama, *Client) {
	t.Helper()
	f := &fakeOllama{local: map[string]bool{}, pullable: map[string]bool{}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := New(Options{BaseURL: srv.URL + "/", Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	return f, c
}

func TestListAndShow(t *testing.T) {
	f, c := newFake(t)
	f.local["llama3"] = true
	ctx := context.Background()

	names, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3"}, names)

	require.NoError(t, c.Show(ctx, "llama3"))
	err = c.Show(ctx, "mistral")
	require.Error(t, err)
	assert.True(t, backend.IsUnknownModel(err))
}

func TestPull_ReportsProgressAndSucceeds(t *testing.T) {
	f, c := newFake(t)
	f.pullable["mistral"] = true
	var got []backend.PullProgress
	err := c.Pull(context.Background(), "mistral", func(p backend.PullProgress) { got = append(got, p) })
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(5), got[1].Completed)
	assert.Equal(t, "success", got[2].Status)
	require.NoError(t, c.Show(context.Background(), "mistral"))
}

func TestPull_ErrorLineFails(t *testing.T) {
	_, c := newFake(t)
	err := c.Pull(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist")
}

func TestLoad_UnknownModel(t *testing.T) {
	_, c := newFake(t)
	_, err := c.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, backend.IsUnknownModel(err))
}

func TestStream_YieldsFragmentsThenEOF(t *testing.T) {
	f, c := newFake(t)
	f.local["llama3"] = true
	f.chatLines = []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	}
	m, err := c.Load(context.Background(), "llama3")
	require.NoError(t, err)

	s, err := m.Stream(context.Background(), backend.Request{System: "be brief", Prompt: "hi"})
	require.NoError(t, err)
	defer s.Close()

	var frags []string
	for {
		tok, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frags = append(frags, tok)
	}
	assert.Equal(t, []string{"Hel", "lo"}, frags)

	f.mu.Lock()
	msgs := f.lastChat["messages"].([]any)
	f.mu.Unlock()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hi", msgs[1].(map[string]any)["content"])

	require.NoError(t, m.Close())
	assert.Equal(t, 1, f.unloads)
}

func TestStream_ErrorLine(t *testing.T) {
	f, c := newFake(t)
	f.local["llama3"] = true
	f.chatLines = []string{
		`{"message":{"content":"a"},"done":false}`,
		`{"error":"out of memory"}`,
	}
	m, err := c.Load(context.Background(), "llama3")
	require.NoError(t, err)
	s, err := m.Stream(context.Background(), backend.Request{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()

	tok, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
	_, err = s.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestStream_TruncatedIsUnexpectedEOF(t *testing.T) {
	f, c := newFake(t)
	f.local["llama3"] = true
	f.chatLines = []string{`{"message":{"content":"a"},"done":false}`}
	m, err := c.Load(context.Background(), "llama3")
	require.NoError(t, err)
	s, err := m.Stream(context.Background(), backend.Request{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStream_ContextCancelAborts(t *testing.T) {
	f, c := newFake(t)
	f.local["llama3"] = true
	f.chatLines = []string{`{"message":{"content":"a"},"done":false}`, "HANG"}
	m, err := c.Load(context.Background(), "llama3")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Stream(ctx, backend.Request{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Recv()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { _, err := s.Recv(); done <- err }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := New(Options{BaseURL: url, Timeout: 2 * time.Second})
	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsUnavailable(err), "got %v", err)
}
