package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/viewer-atlas/scheduler"
	"github.com/onnwee/viewer-atlas/store"
)

// HandleStatus reports stored snapshot totals, the latest completed run, and
// the scheduler heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	stats, err := store.GetSnapshotStats(ctx, h.db)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := map[string]any{"snapshots": stats}

	run, err := store.LatestCompletedRun(ctx, h.db)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if run != nil {
		resp["last_run"] = map[string]any{
			"id":          run.ID,
			"finished_at": run.FinishedAt,
			"channels":    run.ChannelCount,
			"communities": run.CommunityCount,
			"modularity":  run.Modularity,
		}
	}

	if v, _ := store.GetKV(ctx, h.db, scheduler.HeartbeatAnalysis); v != "" {
		resp["analysis_last_ok"] = v
	}
	if v, _ := store.GetKV(ctx, h.db, scheduler.HeartbeatRetention); v != "" {
		resp["retention_last_ok"] = v
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleConfig returns the running configuration with credentials masked.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	policy := scheduler.LoadRetentionPolicy()
	resp := map[string]any{
		"channels":         h.cfg.TwitchChannels,
		"server_addr":      h.cfg.ServerAddr,
		"analyze_cron":     h.cfg.AnalyzeCron,
		"data_dir":         h.cfg.DataDir,
		"twitch_client_id": mask(h.cfg.TwitchClientID),
		"collection": map[string]any{
			"top_channels_limit": h.cfg.Collection.TopChannelsLimit,
			"batch_size":         h.cfg.Collection.BatchSize,
			"window_seconds":     h.cfg.Collection.WindowSeconds,
			"interval_minutes":   h.cfg.Collection.IntervalMinutes,
		},
		"analysis": map[string]any{
			"min_channel_viewers":  h.cfg.Analysis.MinChannelViewers,
			"min_user_appearances": h.cfg.Analysis.MinUserAppearances,
			"overlap_threshold":    h.cfg.Analysis.OverlapThreshold,
			"resolution":           h.cfg.Analysis.Resolution,
			"min_community_size":   h.cfg.Analysis.MinCommunitySize,
			"backend":              h.cfg.Analysis.Backend,
			"strategy":             h.cfg.Analysis.Strategy,
		},
		"retention": map[string]any{
			"keep_days": policy.KeepDays,
			"schedule":  policy.Schedule,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// mask hides a credential, keeping the last four characters for
// identification.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// HandleRunsList returns recent analysis runs, newest first. The limit query
// parameter caps the page size.
func (h *Handlers) HandleRunsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 20)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	runs, err := store.ListAnalysisRuns(r.Context(), h.db, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs, "count": len(runs)})
}

// HandleRunsDispatcher serves a single run by ID under /api/runs/{id}.
func (h *Handlers) HandleRunsDispatcher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	run, err := store.GetAnalysisRun(r.Context(), h.db, id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

// HandleCommunities returns the community report from the latest completed
// run.
func (h *Handlers) HandleCommunities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := store.LatestCompletedRun(r.Context(), h.db)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if run == nil {
		http.Error(w, "no completed analysis run", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run_id":      run.ID,
		"finished_at": run.FinishedAt,
		"communities": run.Communities,
		"labels":      run.Labels,
	})
}

// HandleAnalyze triggers an analysis run and waits for it to finish.
// Concurrent triggers join the run already in flight rather than starting a
// second one. The run keeps going if the client disconnects, so the stored
// result is complete either way.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	res, err := h.analyze(context.WithoutCancel(r.Context()))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "failed",
			"run_id":       res.RunID,
			"failed_stage": res.FailedStage,
			"error":        err.Error(),
		})
		return
	}
	resp := map[string]any{
		"status":  "completed",
		"run_id":  res.RunID,
		"took_ms": time.Since(start).Milliseconds(),
	}
	if res.Stats.Graph != nil {
		resp["channels"] = res.Stats.Graph.NumNodes
	}
	if res.Stats.Detection != nil {
		resp["communities"] = res.Stats.Detection.NumCommunities
		resp["modularity"] = res.Stats.Detection.Modularity
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
