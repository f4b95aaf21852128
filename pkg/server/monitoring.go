package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/poiloader/pkg/monitoring"
)

const (
	// monitoringRPS and monitoringBurst bound scrapes per client
	monitoringRPS   = 10
	monitoringBurst = 20

	shutdownTimeout = 30 * time.Second
)

// NewMonitoringHandler returns the handler serving /metrics, /health and /live.
// health may be nil, in which case only /metrics and /live are served.
func NewMonitoringHandler(health *monitoring.HealthChecker, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	if health != nil {
		mux.Handle("GET /health", health.HealthHandler())
		mux.Handle("GET /live", health.LivenessHandler())
	} else {
		mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	limiter := NewRateLimiter(rate.Limit(monitoringRPS), monitoringBurst)

	var handler http.Handler = mux
	handler = limiter.Middleware(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = TracingMiddleware()(handler)
	return handler
}

// MonitoringServer serves the monitoring handler until its context ends.
type MonitoringServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewMonitoringServer creates a monitoring server listening on addr
func NewMonitoringServer(addr string, health *monitoring.HealthChecker, logger *slog.Logger) *MonitoringServer {
	return &MonitoringServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMonitoringHandler(health, logger),
			ReadHeaderTimeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background and shuts down gracefully when ctx is done.
func (m *MonitoringServer) Start(ctx context.Context) {
	go func() {
		m.logger.Info("starting monitoring server", "addr", m.srv.Addr)
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitoring server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("failed to shutdown monitoring server", "error", err)
		}
	}()
}
