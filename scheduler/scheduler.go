// Package scheduler runs the periodic jobs: analysis on the configured cron
// cadence and a retention sweep over old snapshots and day markers. Jobs are
// gated through singleflight so an overlapping trigger joins the in-flight
// run instead of starting another.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/pipeline"
	"github.com/onnwee/viewer-atlas/store"
)

// Heartbeat keys written after each successful job. The status endpoint
// reports them.
const (
	HeartbeatAnalysis  = "job:analysis_last_ok"
	HeartbeatRetention = "job:retention_last_ok"
)

// RetentionPolicy controls the snapshot retention sweep.
type RetentionPolicy struct {
	// KeepDays: snapshots and day markers older than this many days are
	// deleted (0 = sweep disabled)
	KeepDays int
	// Schedule: cron spec for the sweep
	Schedule string
}

// LoadRetentionPolicy loads the retention sweep configuration from
// environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		KeepDays: 30,
		Schedule: "30 4 * * *",
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_SCHEDULE"); s != "" {
		policy.Schedule = s
	}
	return policy
}

// Scheduler owns the cron entries and the singleflight group that keeps each
// job single-instance.
type Scheduler struct {
	db      *sql.DB
	cfg     *config.Config
	analyze func(context.Context) (pipeline.Result, error)
	group   singleflight.Group
	log     *slog.Logger
}

func New(dbx *sql.DB, cfg *config.Config) *Scheduler {
	runner := pipeline.New(dbx, cfg)
	return &Scheduler{
		db:      dbx,
		cfg:     cfg,
		analyze: runner.Run,
		log:     slog.With(slog.String("component", "scheduler")),
	}
}

// Start registers the cron entries and blocks until the context is canceled.
// Running jobs are given the chance to finish before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.AnalyzeCron, func() {
		if _, err := s.RunAnalysis(ctx); err != nil {
			s.log.Error("scheduled analysis failed", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule analysis %q: %w", s.cfg.AnalyzeCron, err)
	}

	policy := LoadRetentionPolicy()
	if policy.KeepDays > 0 {
		if _, err := c.AddFunc(policy.Schedule, func() {
			s.runRetention(ctx, policy)
		}); err != nil {
			return fmt.Errorf("schedule retention %q: %w", policy.Schedule, err)
		}
	} else {
		s.log.Info("retention sweep disabled")
	}

	s.log.Info("scheduler started",
		slog.String("analyze_cron", s.cfg.AnalyzeCron),
		slog.Int("retention_keep_days", policy.KeepDays),
		slog.String("retention_schedule", policy.Schedule))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return ctx.Err()
}

// RunAnalysis executes one pipeline run. Concurrent callers, whether cron
// ticks or manual API triggers, share a single in-flight run and all receive
// its result.
func (s *Scheduler) RunAnalysis(ctx context.Context) (pipeline.Result, error) {
	v, err, shared := s.group.Do("analysis", func() (any, error) {
		res, err := s.analyze(ctx)
		if err != nil {
			return res, err
		}
		if hbErr := store.SetKV(ctx, s.db, HeartbeatAnalysis, time.Now().UTC().Format(time.RFC3339)); hbErr != nil {
			s.log.Warn("analysis heartbeat write failed", slog.Any("err", hbErr))
		}
		return res, nil
	})
	res, _ := v.(pipeline.Result)
	if shared {
		s.log.Info("analysis already in flight, joined existing run",
			slog.String("run_id", res.RunID))
	}
	return res, err
}

// runRetention deletes snapshots and daily collection markers older than the
// policy cutoff. VOD import markers are kept so files re-dropped into the
// import directory stay deduplicated after their snapshots have aged out.
func (s *Scheduler) runRetention(ctx context.Context, policy RetentionPolicy) {
	_, err, _ := s.group.Do("retention", func() (any, error) {
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.KeepDays)
		snaps, err := store.DeleteSnapshotsBefore(ctx, s.db, cutoff)
		if err != nil {
			return nil, fmt.Errorf("delete snapshots: %w", err)
		}
		markers, err := store.DeleteKVOlderThan(ctx, s.db, "daily_collection:", cutoff)
		if err != nil {
			return nil, fmt.Errorf("delete day markers: %w", err)
		}
		s.log.Info("retention sweep completed",
			slog.Int64("snapshots_deleted", snaps),
			slog.Int64("day_markers_deleted", markers),
			slog.Time("cutoff", cutoff))
		if hbErr := store.SetKV(ctx, s.db, HeartbeatRetention, time.Now().UTC().Format(time.RFC3339)); hbErr != nil {
			s.log.Warn("retention heartbeat write failed", slog.Any("err", hbErr))
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("retention sweep failed", slog.Any("err", err))
	}
}
