package handler

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"matrix-relay-go/internal/client"
	"matrix-relay-go/internal/config"
	"matrix-relay-go/internal/service"
	"matrix-relay-go/internal/traffic"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			APIPrefix:       config.DefaultAPIPrefix,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Log: config.LogConfig{BodyPreviewChars: 1000},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRelayHandler wires a RelayHandler against a real client and traffic logger.
func newTestRelayHandler(cfg *config.Config) *RelayHandler {
	logger := discardLogger()
	up := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewRelayService(up, traffic.NewSlogLogger(cfg, logger), cfg, logger, nil)
	return NewRelayHandler(svc, cfg, logger)
}

func TestRelayHandler_Handle_SendMessage(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotBody   []byte
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "synapse")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"event_id":"$ev"}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/v3/rooms/!abc:example.org/send/m.room.message/1", strings.NewReader(`{"body":"hi"}`))
	req.Header.Set("Authorization", "Bearer tok123")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if want := "/_matrix/client/v3/rooms/!abc:example.org/send/m.room.message/1"; gotPath != want {
		t.Errorf("upstream path = %q, want %q", gotPath, want)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("upstream Authorization = %q, want %q", gotAuth, "Bearer tok123")
	}
	if string(gotBody) != `{"body":"hi"}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"body":"hi"}`)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-Upstream") != "synapse" {
		t.Errorf("X-Upstream = %q, want upstream header relayed", rec.Header().Get("X-Upstream"))
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["event_id"] != "$ev" {
		t.Errorf("body.event_id = %q, want %q", body["event_id"], "$ev")
	}
}

func TestRelayHandler_Handle_GzipUpstream(t *testing.T) {
	payload := []byte(`{"joined_rooms":["!abc:example.org"]}`)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(payload)
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/joined_rooms", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), payload)
	}
	for _, key := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection"} {
		if v := rec.Header().Get(key); v != "" {
			t.Errorf("%s = %q, want stripped", key, v)
		}
	}
}

func TestRelayHandler_Handle_StatusPassthrough(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusFound, http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Location", "/elsewhere")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN"}`))
			}))
			defer upstream.Close()

			h := newTestRelayHandler(testConfig(upstream.URL))

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if rec.Code != status {
				t.Errorf("status = %d, want %d", rec.Code, status)
			}
			if rec.Body.String() != `{"errcode":"M_UNKNOWN"}` {
				t.Errorf("body = %q, want upstream body verbatim", rec.Body.String())
			}
		})
	}
}

func TestRelayHandler_Handle_Unreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Upstream.TimeoutSeconds = 1
	h := newTestRelayHandler(cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream unreachable" {
		t.Errorf("error = %q, want %q", body["error"], "upstream unreachable")
	}
}

func TestRelayHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"timeout", fmt.Errorf("%w: deadline", service.ErrUpstreamTimeout), http.StatusGatewayTimeout, "upstream request timed out"},
		{"unreachable", fmt.Errorf("%w: refused", service.ErrUpstreamUnreachable), http.StatusBadGateway, "upstream unreachable"},
		{"canceled", fmt.Errorf("%w: canceled", service.ErrClientCanceled), http.StatusBadGateway, "client disconnected"},
		{"decode", fmt.Errorf("%w: bad gzip", service.ErrUpstreamDecode), http.StatusBadGateway, "upstream response could not be decoded"},
		{"unclassified", fmt.Errorf("boom"), http.StatusBadGateway, "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &RelayHandler{logger: discardLogger()}

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestRelayHandler_pathSuffix(t *testing.T) {
	h := &RelayHandler{prefix: config.DefaultAPIPrefix}

	tests := []struct {
		path string
		want string
	}{
		{"/_matrix/client/v3/sync", "sync"},
		{"/_matrix/client/v3/rooms/%21abc%3Aexample.org/state", "rooms/%21abc%3Aexample.org/state"},
		{"/_matrix/client/v3/", ""},
		{"/_matrix/client/v3", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := h.pathSuffix(tt.path); got != tt.want {
				t.Errorf("pathSuffix(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
