package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

type triggerRunRequest struct {
	Feed string `json:"feed"`
}

type triggerRunResponse struct {
	RunID string `json:"run_id"`
}

// handleTriggerRun starts a new ingestion run for a configured feed.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Feed == "" {
		writeValidationError(w, "feed is required")
		return
	}

	a, ok := s.adapters[req.Feed]
	if !ok {
		writeValidationError(w, "unknown feed: "+req.Feed)
		return
	}
	feedCfg := s.feeds[req.Feed]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	runID, err := s.scheduler.StartRun(ctx, req.Feed, a, feedCfg)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerRunResponse{RunID: runID})
}

// handleGetRun returns one run's status row.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if err == pgx.ErrNoRows {
			writeNotFound(w, "run not found")
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleListPartitions returns every partition row for a run, for operator
// visibility into per-band progress.
func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	partitions, err := s.repo.ListPartitionsForRun(ctx, runID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Partitions []models.Partition `json:"partitions"`
	}{Partitions: partitions})
}

// handleTriggerConsolidate forces a consolidation pass for a run,
// synchronously.
func (s *Server) handleTriggerConsolidate(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*requestTimeout)
	defer cancel()

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if err == pgx.ErrNoRows {
			writeNotFound(w, "run not found")
			return
		}
		writeInternalError(w, err)
		return
	}

	if err := s.consolidator.ConsolidateRun(ctx, runID, run.Feed); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consolidated"})
}

// handleTriggerRetry runs one monitor sweep pass immediately rather than
// waiting for the next scheduled tick.
func (s *Server) handleTriggerRetry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.monitor.Sweep(ctx); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

type feedWatermarkResponse struct {
	Feed          string            `json:"feed"`
	BlobWatermark *models.Watermark `json:"blob_watermark,omitempty"`
	RunsWatermark *string           `json:"runs_watermark,omitempty"`
	InSync        bool              `json:"in_sync"`
}

// handleGetFeedWatermark compares the blob-store watermark the scheduler
// reads for the next incremental window against run_metadata's own derived
// watermark, an operator diagnostic for catching the two falling out of
// sync (e.g. a consolidator crash between the dataset_versions bump and the
// blob Put).
func (s *Server) handleGetFeedWatermark(w http.ResponseWriter, r *http.Request) {
	feed := mux.Vars(r)["feed"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := feedWatermarkResponse{Feed: feed}

	blobWM, err := s.watermarks.Get(ctx, feed)
	switch {
	case err == nil:
		resp.BlobWatermark = &blobWM
	case err == watermark.ErrNotFound:
		// Leave BlobWatermark nil; a feed's first-ever run has none yet.
	default:
		writeInternalError(w, err)
		return
	}

	runsWM, ok, err := s.repo.GetFeedWatermark(ctx, feed)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if ok {
		formatted := runsWM.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.RunsWatermark = &formatted
	}

	resp.InSync = resp.BlobWatermark != nil && ok && resp.BlobWatermark.LastUpdatedAt.Equal(runsWM)
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelRun force-cancels a run's outstanding partitions.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	n, err := s.repo.CancelRun(ctx, runID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled_partitions": n})
}
