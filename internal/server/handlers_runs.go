package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/db"
	"github.com/kubilitics/orderwatch/internal/metrics"
)

// requireStore answers 503 when no store is configured.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialised")
		return false
	}
	return true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	runs, err := s.store.ListRuns(r.Context(), db.RunQuery{
		From:   parseTimeParam(q.Get("from")),
		To:     parseTimeParam(q.Get("to")),
		Limit:  parseIntParam(q.Get("limit"), 50),
		Offset: parseIntParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*db.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	report, err := s.storedReport(r, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if parseBoolParam(r.URL.Query().Get("anomalies_only")) {
		report = anomaliesOnly(report)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	s.reports.Delete(id)
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("run deleted", zap.String("run_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunAnomalies(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	detector := q.Get("detector")
	switch detector {
	case "", analytics.DetectorZScore, analytics.DetectorOutlier, analytics.DetectorForecast:
	default:
		writeError(w, http.StatusBadRequest, "unknown detector "+detector)
		return
	}

	anomalies, err := s.store.QueryAnomalies(r.Context(), db.AnomalyQuery{
		RunID:    id,
		Origin:   q.Get("origin"),
		Detector: detector,
		Limit:    parseIntParam(q.Get("limit"), 50),
		Offset:   parseIntParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byOrigin, err := s.store.AnomalySummary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if anomalies == nil {
		anomalies = []*db.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    id,
		"anomalies": anomalies,
		"total":     len(anomalies),
		"by_origin": byOrigin,
	})
}

// storedReport reads a report through the cache. Cached reports are shared and
// must not be modified.
func (s *Server) storedReport(r *http.Request, id string) (*analytics.Report, error) {
	if report, ok := s.reports.Get(id); ok {
		metrics.ReportCacheLookups.WithLabelValues("hit").Inc()
		return report, nil
	}
	metrics.ReportCacheLookups.WithLabelValues("miss").Inc()
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		return nil, err
	}
	s.reports.Set(id, report)
	return report, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}
