// Package traffic logs both legs of every relayed exchange for debugging.
package traffic

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"matrix-relay-go/internal/config"
)

const redacted = "[REDACTED]"

// RequestRecord describes an inbound request and where it is being sent.
type RequestRecord struct {
	Method      string
	URL         string
	UpstreamURL string
	Header      http.Header
	Body        []byte
}

// ResponseRecord describes the response received from the upstream.
type ResponseRecord struct {
	UpstreamURL string
	StatusCode  int
	Header      http.Header
	Body        []byte
}

// Logger receives the two log blocks emitted per relayed request.
// Implementations must not fail the relay; they have no error return.
type Logger interface {
	LogRequest(ctx context.Context, rec RequestRecord)
	LogResponse(ctx context.Context, rec ResponseRecord)
}

// SlogLogger writes traffic records as structured slog entries.
type SlogLogger struct {
	logger       *slog.Logger
	previewChars int
	redact       map[string]bool
}

// NewSlogLogger creates a SlogLogger honouring the preview length and header
// redaction list from cfg.
func NewSlogLogger(cfg *config.Config, logger *slog.Logger) *SlogLogger {
	redact := make(map[string]bool, len(cfg.Log.RedactHeaders))
	for _, h := range cfg.Log.RedactHeaders {
		redact[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
	}
	return &SlogLogger{
		logger:       logger.With("component", "traffic"),
		previewChars: cfg.Log.BodyPreviewChars,
		redact:       redact,
	}
}

// LogRequest logs the inbound request with its full body.
func (l *SlogLogger) LogRequest(ctx context.Context, rec RequestRecord) {
	text, invalid := bodyText(rec.Body)

	attrs := []slog.Attr{
		slog.String("method", rec.Method),
		slog.String("url", rec.URL),
		slog.String("upstream_url", rec.UpstreamURL),
		l.headerGroup(rec.Header),
		slog.String("body", text),
	}
	if invalid {
		attrs = append(attrs, slog.Bool("body_decode_warning", true))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "incoming request", attrs...)
}

// LogResponse logs the upstream response with a bounded body preview.
func (l *SlogLogger) LogResponse(ctx context.Context, rec ResponseRecord) {
	text, invalid := bodyText(rec.Body)
	preview, truncated := truncateRunes(text, l.previewChars)

	attrs := []slog.Attr{
		slog.String("upstream_url", rec.UpstreamURL),
		slog.Int("status", rec.StatusCode),
		l.headerGroup(rec.Header),
		slog.String("body", preview),
		slog.Int("body_bytes", len(rec.Body)),
		slog.Bool("body_truncated", truncated),
	}
	if invalid {
		attrs = append(attrs, slog.Bool("body_decode_warning", true))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "upstream response", attrs...)
}

// headerGroup renders headers as a group with sorted keys so log lines are stable.
func (l *SlogLogger) headerGroup(h http.Header) slog.Attr {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(h[k], ", ")
		if l.redact[http.CanonicalHeaderKey(k)] {
			v = redacted
		}
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.Group("headers", attrs...)
}

// bodyText returns b as text, replacing invalid UTF-8 with U+FFFD.
// The second result reports whether any replacement happened.
func bodyText(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), false
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), true
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
