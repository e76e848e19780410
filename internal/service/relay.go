// Package service implements the core relay forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"matrix-relay-go/internal/client"
	"matrix-relay-go/internal/config"
	"matrix-relay-go/internal/metrics"
	"matrix-relay-go/internal/model"
	"matrix-relay-go/internal/traffic"
)

// Relay failure outcomes. Every error returned by Relay wraps exactly one of these.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrClientCanceled      = errors.New("client canceled request")
	ErrUpstreamDecode      = errors.New("upstream response could not be decoded")
)

// strippedRequestHeaders are removed before forwarding so the transport sets
// the destination host and recomputes the body length.
var strippedRequestHeaders = []string{"Host", "Content-Length"}

// strippedResponseHeaders describe the upstream framing, which no longer
// matches the decoded body written back to the caller.
var strippedResponseHeaders = []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection"}

// Upstream sends an outbound request and returns the decoded response.
type Upstream interface {
	Do(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error)
}

// RelayService forwards inbound requests to the configured upstream.
// It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	upstream Upstream
	traffic  traffic.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	baseURL  string
	prefix   string
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(up Upstream, tl traffic.Logger, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		upstream: up,
		traffic:  tl,
		metrics:  m,
		logger:   logger.With("component", "relay_service"),
		baseURL:  strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		prefix:   cfg.Upstream.APIPrefix,
	}
}

// Relay forwards in to the upstream and returns the response to relay back.
// Any upstream status, including 4xx and 5xx, is a successful relay; only
// transport failures return an error.
func (s *RelayService) Relay(in *model.InboundRequest) (*model.RelayedResponse, error) {
	out := &model.OutboundRequest{
		Method: in.Method,
		URL:    s.buildUpstreamURL(in.PathSuffix, in.RawQuery),
		Header: filterRequestHeaders(in.Header),
		Body:   in.Body,
	}

	s.traffic.LogRequest(in.Ctx, traffic.RequestRecord{
		Method:      in.Method,
		URL:         in.URL,
		UpstreamURL: out.URL,
		Header:      in.Header,
		Body:        in.Body,
	})

	resp, err := s.upstream.Do(in.Ctx, out)
	if err != nil {
		return nil, s.classify(in.Method, err)
	}

	s.traffic.LogResponse(in.Ctx, traffic.ResponseRecord{
		UpstreamURL: out.URL,
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        resp.Body,
	})

	return &model.RelayedResponse{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

// buildUpstreamURL joins base, prefix and the escaped suffix without cleaning
// the path, and appends the raw query untouched.
func (s *RelayService) buildUpstreamURL(suffix, rawQuery string) string {
	u := s.baseURL + s.prefix + "/" + suffix
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// classify wraps err with the sentinel matching its failure kind.
func (s *RelayService) classify(method string, err error) error {
	var kind string
	var sentinel error

	var netErr net.Error
	switch {
	case errors.Is(err, client.ErrDecode):
		kind, sentinel = "decode", ErrUpstreamDecode
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind, sentinel = "timeout", ErrUpstreamTimeout
	case errors.Is(err, context.Canceled):
		kind, sentinel = "canceled", ErrClientCanceled
	default:
		kind, sentinel = "unreachable", ErrUpstreamUnreachable
	}

	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(metrics.NormalizeMethod(method), kind).Inc()
	}
	s.logger.Debug("upstream failure classified", "kind", kind, "err", err)

	return fmt.Errorf("%w: %w", sentinel, err)
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	deleteFold(dst, strippedRequestHeaders)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	deleteFold(dst, strippedResponseHeaders)
	return dst
}

// deleteFold removes names from h case-insensitively, including keys that were
// set directly on the map without canonicalisation.
func deleteFold(h http.Header, names []string) {
	for key := range h {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				delete(h, key)
				break
			}
		}
	}
}
