package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// ============================================================================
// JSON helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= 500 {
		log.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(value string) (time.Time, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, xerrors.Wrapf(xerrors.ErrValidationFailed,
			"time %q is neither RFC 3339 nor unix milliseconds", value)
	}
	return t, nil
}

// timeRange extracts the from/to query parameters. to defaults to now,
// from to 24 hours before to.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return from, to, err
		}
		to = t
		from = to.Add(-24 * time.Hour)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return from, to, err
		}
		from = t
	}

	return from, to, nil
}

func requireEntity(r *http.Request) (string, error) {
	entity := r.URL.Query().Get("entity_id")
	if entity == "" {
		return "", xerrors.Wrap(xerrors.ErrValidationFailed, "entity_id is required")
	}
	return entity, nil
}

// ============================================================================
// Ingestion
// ============================================================================

// ingestRequest mirrors types.Reading with a pointer quality, so an
// explicit 0 (a valid zero-confidence sample) is distinguishable from an
// absent field, which defaults to full confidence.
type ingestRequest struct {
	EntityID    string             `json:"entity_id"`
	TimestampMs int64              `json:"timestamp_ms"`
	Metrics     map[string]float64 `json:"metrics"`
	Quality     *int               `json:"quality"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
		return
	}

	rd := types.Reading{
		EntityID:    req.EntityID,
		TimestampMs: req.TimestampMs,
		Metrics:     req.Metrics,
		Quality:     types.DefaultQuality,
	}
	if req.Quality != nil {
		rd.Quality = *req.Quality
	}

	diag, err := s.svc.Ingest(r.Context(), rd)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, diag)
}

// ============================================================================
// Queries
// ============================================================================

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	entity, err := requireEntity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	g, err := types.ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
		return
	}

	if g == types.GranularityRaw {
		readings, err := s.svc.QueryRaw(r.Context(), entity, from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entity_id":   entity,
			"granularity": g.String(),
			"readings":    emptyIfNil(readings),
		})
		return
	}

	rows, err := s.svc.QueryRollup(entity, g, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id":   entity,
		"granularity": g.String(),
		"rows":        emptyIfNil(rows),
	})
}

func (s *Server) handleDiagnoses(w http.ResponseWriter, r *http.Request) {
	entity, err := requireEntity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	minSeverity := types.SeverityInfo
	if v := r.URL.Query().Get("severity"); v != "" {
		minSeverity, err = types.ParseSeverity(v)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
			return
		}
	}

	diags, err := s.svc.QueryDiagnoses(entity, from, to, minSeverity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entity,
		"diagnoses": emptyIfNil(diags),
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entities": s.svc.Entities()})
}

func (s *Server) handleChunks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"chunks": s.svc.Chunks()})
}

// ============================================================================
// Admin / lifecycle
// ============================================================================

type backupRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
		return
	}

	from, err := parseTime(req.From)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTime(req.To)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.svc.Backup(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListBackups(w http.ResponseWriter, _ *http.Request) {
	recs, err := s.svc.ListBackups()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": emptyIfNil(recs)})
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.svc.VerifyBackup(r.Context(), id)
	if err != nil && !xerrors.Is(err, xerrors.ErrChecksumMismatch) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
	Force    bool   `json:"force"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
		return
	}
	if req.BackupID == "" {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, "backup_id is required"))
		return
	}

	res, err := s.svc.Restore(r.Context(), req.BackupID, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type runCycleRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req runCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.ErrValidationFailed, err.Error()))
		return
	}

	rec, err := s.svc.RunCycle(r.Context(), req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLifecycleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"state": s.svc.LifecycleState()}

	for _, kind := range []string{types.CycleRollup, types.CycleMaintenance} {
		rec, err := s.svc.LastCycle(kind)
		if err != nil {
			continue // no cycle of this kind has run yet
		}
		status["last_"+kind] = rec
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// emptyIfNil keeps JSON arrays as [] instead of null.
func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
