// Package handler wires the relay and local endpoints onto Echo.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"matrix-relay-go/internal/config"
	"matrix-relay-go/internal/metrics"
	"matrix-relay-go/internal/middleware"
)

// relayMethods are the only methods accepted on the API prefix; anything else
// gets 405 from the router before the relay runs.
var relayMethods = []string{http.MethodGet, http.MethodPut, http.MethodPost}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, health *HealthHandler, m *metrics.Metrics) {
	security := middleware.SecurityHeaders()

	e.GET(config.HealthzPath, health.Healthz, security)
	e.GET(config.StatusPath, health.Status, security)

	if cfg.Metrics.Enabled {
		metricsHandler := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
		e.GET(cfg.Metrics.Path, echo.WrapHandler(metricsHandler), security)
	}

	e.Match(relayMethods, cfg.Upstream.APIPrefix+"/*", relay.Handle)
}
