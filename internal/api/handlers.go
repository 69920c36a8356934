package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RunID:         s.config.RunID,
	}
	if s.workers != nil {
		resp.Workers = len(s.workers.States())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	respondJSON(w, http.StatusOK, s.progressResponse())
}

// progressResponse assembles the current snapshot. s.progress must be set.
func (s *Server) progressResponse() ProgressResponse {
	snap := s.progress.Snapshot()
	resp := ProgressResponse{
		RunID:          s.config.RunID,
		Tool:           s.config.Tool,
		Total:          snap.Total,
		Remaining:      snap.Remaining,
		Completed:      snap.Completed,
		Finished:       snap.Finished,
		Lost:           snap.Lost,
		Crashes:        snap.Crashes,
		Fraction:       snap.Fraction(),
		ElapsedSeconds: snap.Elapsed.Seconds(),
		ETASeconds:     snap.ETA.Seconds(),
		InFlight:       make([]InFlightJob, 0, len(snap.InFlight)),
	}
	for _, j := range snap.InFlight {
		resp.InFlight = append(resp.InFlight, InFlightJob{
			Worker:         j.Worker,
			Name:           j.Job.Name,
			Version:        j.Job.Version.String(),
			StartedAt:      j.Started.UTC(),
			ElapsedSeconds: j.Elapsed.Seconds(),
		})
	}
	if s.workers != nil {
		for i, st := range s.workers.States() {
			resp.Workers = append(resp.Workers, WorkerSummary{ID: i, State: st.String()})
		}
	}
	return resp
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "no ledger configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.Runs(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{
			ID:         run.ID,
			Tool:       run.Tool,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Total:      run.Total,
			PoolSize:   run.PoolSize,
			Succeeded:  run.Succeeded,
			Lost:       run.Lost,
			Crashes:    run.Crashes,
			Error:      run.Error,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
