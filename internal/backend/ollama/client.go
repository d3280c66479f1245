// Package ollama implements backend.Backend over the Ollama HTTP API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"relayd/internal/backend"
)

// Options configures a Client.
type Options struct {
	// BaseURL of the Ollama server, e.g. http://localhost:11434.
	BaseURL string
	// Timeout bounds non-streaming calls (tags, show, load). Streams are
	// bounded only by their context.
	Timeout time.Duration
	// KeepAlive is forwarded to Ollama when loading a model; empty uses the
	// server default.
	KeepAlive string
	Logger    zerolog.Logger
	// HTTPClient overrides the transport used for streaming calls.
	HTTPClient *http.Client
}

// Client talks to an Ollama server over its HTTP API.
type Client struct {
	baseURL   string
	keepAlive string
	rc        *resty.Client
	hc        *http.Client
	log       zerolog.Logger
}

var _ backend.Backend = (*Client)(nil)

// New constructs a Client.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Timeout=0: streaming calls carry their own context deadlines.
		hc = &http.Client{Timeout: 0}
	}
	rc := resty.New().
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.Timeout)
	return &Client{baseURL: base, keepAlive: opts.KeepAlive, rc: rc, hc: hc, log: opts.Logger}
}

func (c *Client) Name() string { return "ollama" }

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type apiError struct {
	Error string `json:"error"`
}

// List returns the locally installed models (GET /api/tags).
func (c *Client) List(ctx context.Context) ([]string, error) {
	var tags tagsResponse
	resp, err := c.rc.R().SetContext(ctx).SetResult(&tags).Get("/api/tags")
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama tags: %s", errorBody(resp.StatusCode(), resp.Body()))
	}
	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

// Show checks local availability (POST /api/show).
func (c *Client) Show(ctx context.Context, name string) error {
	resp, err := c.rc.R().SetContext(ctx).SetBody(map[string]any{"model": name}).Post("/api/show")
	if err != nil {
		return c.transportErr(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return backend.ErrUnknownModel(name)
	}
	if resp.IsError() {
		return fmt.Errorf("ollama show %s: %s", name, errorBody(resp.StatusCode(), resp.Body()))
	}
	return nil
}

type pullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// Pull downloads a model (POST /api/pull), reporting NDJSON progress lines.
func (c *Client) Pull(ctx context.Context, name string, onProgress func(backend.PullProgress)) error {
	resp, err := c.postStream(ctx, "/api/pull", map[string]any{"model": name, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	lastStatus := ""
	for {
		line, rerr := r.ReadBytes('\n')
		if l := bytes.TrimSpace(line); len(l) > 0 {
			var msg pullLine
			if err := json.Unmarshal(l, &msg); err != nil {
				c.log.Debug().Str("model", name).Bytes("line", l).Msg("ollama pull: skipping malformed line")
			} else {
				if msg.Error != "" {
					return fmt.Errorf("ollama pull %s: %s", name, msg.Error)
				}
				lastStatus = msg.Status
				if onProgress != nil {
					onProgress(backend.PullProgress{Status: msg.Status, Digest: msg.Digest, Completed: msg.Completed, Total: msg.Total})
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ollama pull %s: read: %w", name, rerr)
		}
	}
	if lastStatus != "success" {
		return fmt.Errorf("ollama pull %s: stream ended with status %q", name, lastStatus)
	}
	return nil
}

// Load warms the model into server memory (POST /api/generate without a
// prompt) and returns a chat binding for it.
func (c *Client) Load(ctx context.Context, name string) (backend.Model, error) {
	body := map[string]any{"model": name}
	if c.keepAlive != "" {
		body["keep_alive"] = c.keepAlive
	}
	resp, err := c.rc.R().SetContext(ctx).SetBody(body).Post("/api/generate")
	if err != nil {
		return nil, c.transportErr(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, backend.ErrUnknownModel(name)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama load %s: %s", name, errorBody(resp.StatusCode(), resp.Body()))
	}
	c.log.Debug().Str("model", name).Msg("ollama model loaded")
	return &chatModel{c: c, name: name}, nil
}

// chatModel is a binding to one model on the Ollama server.
type chatModel struct {
	c    *Client
	name string
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []backend.Message `json:"messages"`
	Stream   bool              `json:"stream"`
}

type chatLine struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// Stream starts a streaming chat completion (POST /api/chat).
func (m *chatModel) Stream(ctx context.Context, req backend.Request) (backend.Stream, error) {
	resp, err := m.c.postStream(ctx, "/api/chat", chatRequest{Model: m.name, Messages: req.Messages(), Stream: true})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, backend.ErrUnknownModel(m.name)
		}
		return nil, err
	}
	return &chatStream{ctx: ctx, resp: resp, reader: bufio.NewReader(resp.Body)}, nil
}

// Close asks the server to unload the model (keep_alive=0). Best effort.
func (m *chatModel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := m.c.rc.R().SetContext(ctx).SetBody(map[string]any{"model": m.name, "keep_alive": 0}).Post("/api/generate")
	if err != nil {
		return m.c.transportErr(err)
	}
	if resp.IsError() {
		return fmt.Errorf("ollama unload %s: %s", m.name, errorBody(resp.StatusCode(), resp.Body()))
	}
	return nil
}

// chatStream yields assistant content fragments from an NDJSON chat response.
type chatStream struct {
	ctx    context.Context
	resp   *http.Response
	reader *bufio.Reader
	done   bool
}

func (s *chatStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		line, err := s.reader.ReadBytes('\n')
		if l := bytes.TrimSpace(line); len(l) > 0 {
			var msg chatLine
			if jerr := json.Unmarshal(l, &msg); jerr == nil {
				if msg.Error != "" {
					s.done = true
					return "", fmt.Errorf("ollama chat: %s", msg.Error)
				}
				if msg.Done {
					s.done = true
				}
				if msg.Message.Content != "" {
					return msg.Message.Content, nil
				}
			}
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return "", s.ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				if s.done {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("ollama chat: read: %w", err)
		}
	}
}

func (s *chatStream) Close() error {
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}

var errNotFound = errors.New("not found")

// postStream issues a streaming POST and returns the open response on 2xx.
func (c *Client) postStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transportErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("ollama %s: %w: %s", path, errNotFound, errorBody(resp.StatusCode, b))
		}
		return nil, fmt.Errorf("ollama %s: %s", path, errorBody(resp.StatusCode, b))
	}
	return resp, nil
}

// transportErr maps dial failures to backend.ErrUnavailable.
func (c *Client) transportErr(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return backend.ErrUnavailable(fmt.Sprintf("ollama unreachable at %s: %v", c.baseURL, err))
	}
	return err
}

// errorBody extracts {"error": "..."} from a response body when present.
func errorBody(status int, b []byte) string {
	var e apiError
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return fmt.Sprintf("%d %s", status, e.Error)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return http.StatusText(status)
	}
	return fmt.Sprintf("%d %s", status, s)
}
