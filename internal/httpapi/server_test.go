package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"relayd/pkg/types"
)

type mockModels struct {
	mu      sync.Mutex
	names   []string
	listErr error
	pullErr error
	pullFn  func(ctx context.Context, name string) error
	pulled  []string
	loaded  map[string]bool
	status  types.StatusResponse
	ready   bool
}

func (m *mockModels) List(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.names...), m.listErr
}

func (m *mockModels) Pull(ctx context.Context, name string) error {
	m.mu.Lock()
	m.pulled = append(m.pulled, name)
	fn := m.pullFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, name)
	}
	return m.pullErr
}

func (m *mockModels) Evict(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded[name] {
		return false
	}
	delete(m.loaded, name)
	return true
}

func (m *mockModels) Status() types.StatusResponse { return m.status }
func (m *mockModels) Ready() bool                  { return m.ready }

type mockSessions struct {
	mu     sync.Mutex
	models []string
	count  int
}

func (s *mockSessions) Accept(w http.ResponseWriter, r *http.Request, model string) {
	s.mu.Lock()
	s.models = append(s.models, model)
	s.mu.Unlock()
	w.WriteHeader(http.StatusTeapot)
}

func (s *mockSessions) Count() int { return s.count }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockModels{names: []string{"llama3", "mistral"}}
	w := serve(NewMux(svc, &mockSessions{}), http.MethodGet, "/models")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 || body.Models[0] != "llama3" {
		t.Fatalf("models=%v", body.Models)
	}
}

func TestModelsHandler_BackendFailureIsEmptyList(t *testing.T) {
	svc := &mockModels{listErr: errors.New("connection refused")}
	w := serve(NewMux(svc, &mockSessions{}), http.MethodGet, "/models")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"models":[]}` {
		t.Fatalf("body=%s", got)
	}
}

func TestPullHandler_Success(t *testing.T) {
	svc := &mockModels{}
	w := serve(NewMux(svc, &mockSessions{}), http.MethodPost, "/pull/llama3:latest")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.PullResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Status != "success" || body.Message != "Model llama3:latest pulled successfully" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPullHandler_NamesWithSlashes(t *testing.T) {
	svc := &mockModels{}
	h := NewMux(svc, &mockSessions{})
	for _, target := range []string{"/pull/library/llama3", "/pull/library%2Fllama3"} {
		if w := serve(h, http.MethodPost, target); w.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", target, w.Code)
		}
	}
	if len(svc.pulled) != 2 || svc.pulled[0] != "library/llama3" || svc.pulled[1] != "library/llama3" {
		t.Fatalf("pulled=%v", svc.pulled)
	}
}

func TestPullHandler_MissingName(t *testing.T) {
	w := serve(NewMux(&mockModels{}, &mockSessions{}), http.MethodPost, "/pull/")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestPullHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("pull model manifest: file does not exist"), http.StatusInternalServerError},
		{fmt.Errorf("pull: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{mockHTTPError{msg: "busy", code: http.StatusTooManyRequests}, http.StatusTooManyRequests},
	}
	for _, c := range cases {
		svc := &mockModels{pullErr: c.err}
		w := serve(NewMux(svc, &mockSessions{}), http.MethodPost, "/pull/llama3")
		if w.Code != c.want {
			t.Fatalf("%v: status=%d want %d", c.err, w.Code, c.want)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Code != c.want || body.Error != "Failed to pull model llama3" {
			t.Fatalf("unexpected body: %+v", body)
		}
	}
}

func TestEvictHandler(t *testing.T) {
	svc := &mockModels{loaded: map[string]bool{"llama3": true}}
	h := NewMux(svc, &mockSessions{})
	if w := serve(h, http.MethodDelete, "/models/llama3"); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if w := serve(h, http.MethodDelete, "/models/llama3"); w.Code != http.StatusNotFound {
		t.Fatalf("second evict status=%d", w.Code)
	}
}

func TestStatusHandler_IncludesSessions(t *testing.T) {
	svc := &mockModels{status: types.StatusResponse{Backend: "fake", MaxHandles: 10}}
	w := serve(NewMux(svc, &mockSessions{count: 3}), http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Backend != "fake" || body.MaxHandles != 10 || body.Sessions != 3 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := serve(NewMux(&mockModels{ready: true}, &mockSessions{}), http.MethodGet, "/readyz")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	w := serve(NewMux(&mockModels{ready: false}, &mockSessions{}), http.MethodGet, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := serve(NewMux(&mockModels{}, &mockSessions{}), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}

func TestWSRoutes_BindModel(t *testing.T) {
	sessions := &mockSessions{}
	h := NewMux(&mockModels{}, sessions)
	serve(h, http.MethodGet, "/ws/llama3")
	serve(h, http.MethodGet, "/ws")

	SetDefaultModel("mistral")
	defer SetDefaultModel("")
	serve(NewMux(&mockModels{}, sessions), http.MethodGet, "/ws")

	want := []string{"llama3", "", "mistral"}
	if fmt.Sprint(sessions.models) != fmt.Sprint(want) {
		t.Fatalf("bound models=%q want %q", sessions.models, want)
	}
}

func TestCORSHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "DELETE", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	h := NewMux(&mockModels{}, &mockSessions{})

	req := httptest.NewRequest(http.MethodOptions, "/pull/llama3", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin on GET=%q", got)
	}
}

func TestSwaggerMountedWhenEnabled(t *testing.T) {
	if w := serve(NewMux(&mockModels{}, &mockSessions{}), http.MethodGet, "/swagger/doc.json"); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be off by default, status=%d", w.Code)
	}
	SetSwagger(true)
	defer SetSwagger(false)
	w := serve(NewMux(&mockModels{}, &mockSessions{}), http.MethodGet, "/swagger/doc.json")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/pull/{model}") {
		t.Fatalf("doc.json missing pull route: %.200s", w.Body.String())
	}
}
