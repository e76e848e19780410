package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"matrix-relay-go/internal/config"
	"matrix-relay-go/internal/model"
	"matrix-relay-go/internal/service"
)

// RelayHandler forwards API requests to the upstream homeserver.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	prefix  string
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		prefix:  cfg.Upstream.APIPrefix,
	}
}

// Handle relays the request upstream and writes the upstream status, filtered
// headers and body back unchanged.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversized bodies through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	in := &model.InboundRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		URL:        c.Scheme() + "://" + req.Host + req.URL.RequestURI(),
		PathSuffix: h.pathSuffix(req.URL.EscapedPath()),
		RawQuery:   req.URL.RawQuery,
		Header:     req.Header,
		Body:       body,
	}

	resp, err := h.service.Relay(in)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failed write can only be logged.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// pathSuffix returns the escaped path after the API prefix.
func (h *RelayHandler) pathSuffix(escapedPath string) string {
	return strings.TrimPrefix(strings.TrimPrefix(escapedPath, h.prefix), "/")
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, service.ErrClientCanceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	case errors.Is(err, service.ErrUpstreamDecode):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response could not be decoded",
		})
	case errors.Is(err, service.ErrUpstreamUnreachable):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unreachable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
