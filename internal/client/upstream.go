// Package client provides the upstream HTTP client for the Matrix homeserver.
package client

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matrix-relay-go/internal/config"
	"matrix-relay-go/internal/metrics"
	"matrix-relay-go/internal/model"
)

// ErrDecode is returned when the upstream body does not match its Content-Encoding.
var ErrDecode = errors.New("decode upstream body")

// UpstreamClient sends requests to the upstream homeserver.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a fixed
// timeout and an explicit redirect policy. When redirects are not followed the
// 3xx response itself is returned so it can be relayed verbatim.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	hc := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
	if !cfg.Upstream.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &UpstreamClient{
		httpClient: hc,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do sends out upstream and returns the response with its body fully read and
// decoded according to Content-Encoding. The context controls the lifetime of
// the upstream call: when the caller disconnects the upstream request is canceled.
func (c *UpstreamClient) Do(ctx context.Context, out *model.OutboundRequest) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, bytes.NewReader(out.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = out.Header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	c.observe(method, start)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if !resp.Uncompressed {
		body, err = decodeBody(resp.Header.Get("Content-Encoding"), body)
		if err != nil {
			return nil, err
		}
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *UpstreamClient) observe(method string, start time.Time) {
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// decodeBody undoes the codings listed in a Content-Encoding value, last applied
// first. Bodies carrying an unrecognised coding are returned untouched.
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	if contentEncoding == "" || len(body) == 0 {
		return body, nil
	}

	codings := strings.Split(contentEncoding, ",")
	for _, coding := range codings {
		switch strings.ToLower(strings.TrimSpace(coding)) {
		case "gzip", "x-gzip", "deflate", "identity", "":
		default:
			return body, nil
		}
	}

	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "gzip", "x-gzip":
			out, err = gunzip(out)
		case "deflate":
			out, err = inflate(out)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w (%s): %w", ErrDecode, coding, err)
		}
	}
	return out, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send either.
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer func() { _ = zr.Close() }()
		if out, err := io.ReadAll(zr); err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer func() { _ = fr.Close() }()
	return io.ReadAll(fr)
}
