package server

// Routes:
//   GET  /health                     → liveness
//   GET  /ready                      → readiness, pings the store when configured
//   GET  /metrics                    → Prometheus exposition (metrics.enabled)
//   POST /api/v1/detect              → score a JSON array or CSV body of observations
//                                      (?format=csv|json, ?store=true, ?anomalies_only=true)
//   GET  /api/v1/runs                → stored run summaries (?limit, ?offset, ?from, ?to)
//   GET  /api/v1/runs/{id}           → a stored report (?anomalies_only=true)
//   GET  /api/v1/runs/{id}/anomalies → flagged buckets of a stored run (?origin, ?detector)
//   DELETE /api/v1/runs/{id}         → remove a stored run

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
	"github.com/kubilitics/orderwatch/internal/dataset"
	"github.com/kubilitics/orderwatch/internal/middleware"
)

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, middleware.Instrument(name, s.logger, h))
	}

	route("GET /health", "health", s.handleHealth)
	route("GET /ready", "ready", s.handleReady)

	detect := s.handleDetect
	if s.limiter != nil {
		detect = s.limiter.Middleware(detect)
	}
	route("POST /api/v1/detect", "detect", detect)

	route("GET /api/v1/runs", "runs_list", s.handleListRuns)
	route("GET /api/v1/runs/{id}", "runs_get", s.handleGetRun)
	route("DELETE /api/v1/runs/{id}", "runs_delete", s.handleDeleteRun)
	route("GET /api/v1/runs/{id}/anomalies", "runs_anomalies", s.handleRunAnomalies)

	if s.currentConfig().Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	cfg := s.Engine().Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"window":    cfg.Window.String(),
		"timezone":  cfg.Location.String(),
		"store":     s.store != nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDetect streams the body into an aggregator sized to the current engine
// window and runs the engine over it.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := requestFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	persist := parseBoolParam(q.Get("store"))
	if persist && s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialised")
		return
	}

	if limit := int64(s.currentConfig().Server.MaxBodyMB) << 20; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	engine := s.Engine()
	cfg := engine.Config()
	agg, err := timeseries.NewAggregator(cfg.Window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, err := dataset.Read(r.Body, format, cfg.Location, agg)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rows == 0 {
		writeError(w, http.StatusBadRequest, "no observations in request body")
		return
	}

	report, err := engine.RunAggregated(r.Context(), agg)
	if errors.Is(err, timeseries.ErrTooManyBuckets) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("detection run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if persist {
		if err := s.store.SaveReport(r.Context(), report); err != nil {
			s.logger.Error("failed to store report", zap.String("run_id", report.RunID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store report: "+err.Error())
			return
		}
		s.reports.Set(report.RunID, report)
	}

	if parseBoolParam(q.Get("anomalies_only")) {
		report = anomaliesOnly(report)
	}
	writeJSON(w, http.StatusOK, report)
}

// requestFormat picks the body format from ?format, then Content-Type. JSON is
// the default.
func requestFormat(r *http.Request) (dataset.Format, error) {
	if v := r.URL.Query().Get("format"); v != "" {
		return dataset.ParseFormat(v)
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return dataset.FormatJSON, nil
	}
	switch mediaType {
	case "text/csv", "application/csv":
		return dataset.FormatCSV, nil
	}
	return dataset.FormatJSON, nil
}

// anomaliesOnly returns a shallow copy of report holding only flagged buckets.
// The summary still describes the full run.
func anomaliesOnly(report *analytics.Report) *analytics.Report {
	filtered := *report
	filtered.Buckets = report.Anomalies()
	if filtered.Buckets == nil {
		filtered.Buckets = []analytics.ScoredBucket{}
	}
	return &filtered
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func parseBoolParam(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

// parseTimeParam accepts RFC 3339; anything else is the zero time.
func parseTimeParam(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
