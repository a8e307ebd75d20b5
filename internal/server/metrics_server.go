package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/health"
)

// MetricsServer serves Prometheus metrics and the health endpoints.
type MetricsServer struct {
	httpServer *http.Server
	checker    *health.Checker
	logger     *zap.Logger
}

// NewMetricsServer creates the metrics server on the given port.
func NewMetricsServer(port int, gatherer prometheus.Gatherer, checker *health.Checker, logger *zap.Logger) *MetricsServer {
	m := http.NewServeMux()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      m,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		checker: checker,
		logger:  logger,
	}

	m.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	m.HandleFunc("/health", ms.healthHandler)
	m.HandleFunc("/ready", ms.readyHandler)
	return ms
}

// Start begins serving in the background.
func (ms *MetricsServer) Start() {
	go func() {
		ms.logger.Info("Metrics server listening", zap.String("addr", ms.httpServer.Addr))
		if err := ms.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (ms *MetricsServer) Stop() error {
	return ms.httpServer.Close()
}

func (ms *MetricsServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	report := ms.checker.Report()
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func (ms *MetricsServer) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if ms.checker.Ready() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
