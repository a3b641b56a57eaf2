package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spectacles/proxy/health"
	"github.com/spectacles/proxy/logger"
)

// newOperationalRouter builds the HTTP surface used for scraping and
// liveness checks: the metrics path serves reg, and /healthz reports
// checker's consolidated status.
func newOperationalRouter(reg *prometheus.Registry, metricsPath string, checker *health.Checker, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		report := checker.Report(req.Context())

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Warn("router.healthz_encode_failed", "error", err)
		}
	})

	return r
}
