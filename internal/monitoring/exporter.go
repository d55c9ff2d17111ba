package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logcask/internal/logging"
)

// Exporter serves the engine's metrics over HTTP in Prometheus format.
type Exporter struct {
	server *http.Server
	logger *logging.Logger
}

// NewExporter builds an exporter for the given metrics on addr like ":2112".
func NewExporter(m *Metrics, port int, path string, logger *logging.Logger) *Exporter {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Exporter{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger.WithComponent("metrics"),
	}
}

// Start serves metrics in the background until Stop is called.
func (e *Exporter) Start() {
	go func() {
		e.logger.Info("Prometheus exporter listening", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.WithError(err).Error("Metrics server failed")
		}
	}()
}

// Stop shuts the exporter down, waiting briefly for in-flight scrapes.
func (e *Exporter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
