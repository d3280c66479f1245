package httpapi

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	// query param ?log=debug
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	// legacy query param ?log=1
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("legacy query override failed: %v", got)
	}
	// header X-Log-Level
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestLogOutcome_RespectsRequestLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer func() { zlog = nil }()

	ok := httptest.NewRequest("GET", "/pull/m?log=error", nil)
	logOutcome(ok, "pull", "m", 200, time.Now(), nil)
	if buf.Len() != 0 {
		t.Fatalf("success logged at error level: %q", buf.String())
	}
	logOutcome(ok, "pull", "m", 500, time.Now(), errors.New("boom"))
	if !strings.Contains(buf.String(), `"status":500`) || !strings.Contains(buf.String(), "boom") {
		t.Fatalf("failure not logged: %q", buf.String())
	}

	buf.Reset()
	off := httptest.NewRequest("GET", "/pull/m?log=off", nil)
	logOutcome(off, "pull", "m", 500, time.Now(), errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("logged with level off: %q", buf.String())
	}
}
