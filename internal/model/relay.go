// Package model defines the per-request types passed between relay layers.
package model

import (
	"context"
	"net/http"
)

// InboundRequest is a caller request captured by the hosting layer.
type InboundRequest struct {
	Ctx    context.Context
	Method string
	// URL is the full inbound URL as the caller sent it, for logging.
	URL string
	// PathSuffix is everything after the API prefix, still escaped.
	PathSuffix string
	// RawQuery is forwarded verbatim so pair order and duplicates survive.
	RawQuery string
	Header   http.Header
	Body     []byte
}

// OutboundRequest is the request sent to the upstream homeserver.
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the decoded response returned by the upstream.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RelayedResponse is the response written back to the original caller.
type RelayedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
