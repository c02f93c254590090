// Package pipeline orchestrates analysis runs: aggregate persisted snapshots,
// filter, build the overlap graph, detect communities, and tag them. Each run
// is recorded in the store with per-stage statistics that survive a failure
// of any later stage.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/viewer-atlas/community"
	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/overlap"
	"github.com/onnwee/viewer-atlas/presence"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/tagger"
	"github.com/onnwee/viewer-atlas/telemetry"
)

// Stage names as recorded on failed runs and telemetry.
const (
	StageAggregate = "aggregate"
	StageFilter    = "filter"
	StageGraph     = "graph"
	StageDetect    = "detect"
	StageTag       = "tag"
)

// RunConfig echoes the parameters an analysis run used.
type RunConfig struct {
	OverlapThreshold   int     `json:"overlap_threshold"`
	Resolution         float64 `json:"resolution"`
	MinChannelViewers  int     `json:"min_channel_viewers"`
	MinUserAppearances int     `json:"min_user_appearances"`
	MinCommunitySize   int     `json:"min_community_size"`
	Backend            string  `json:"backend"`
	Strategy           string  `json:"strategy"`
}

// Stats collects per-stage statistics. A stage that never ran leaves its
// field nil, so a failed run still reports everything computed before the
// failing stage.
type Stats struct {
	Aggregator *presence.Statistics  `json:"aggregator,omitempty"`
	Graph      *overlap.Statistics   `json:"graph,omitempty"`
	Detection  *community.Statistics `json:"detection,omitempty"`
	Tagging    *tagger.Statistics    `json:"tagging,omitempty"`
}

// Community is one reported community: its label, reasoning, and members.
// Communities below the configured minimum size are detected but not
// reported.
type Community struct {
	ID      int           `json:"id"`
	Label   string        `json:"label"`
	Size    int           `json:"size"`
	Members []string      `json:"members"`
	Reason  tagger.Reason `json:"reason"`
}

// Result is the JSON-serializable outcome of one analysis run. Partition is
// total over the graph's nodes; Communities and Labels cover only the
// communities meeting the minimum reporting size.
type Result struct {
	RunID       string              `json:"run_id"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Config      RunConfig           `json:"config"`
	Partition   community.Partition `json:"partition,omitempty"`
	Communities []Community         `json:"communities,omitempty"`
	Labels      map[int]string      `json:"labels,omitempty"`
	Stats       Stats               `json:"statistics"`
	FailedStage string              `json:"failed_stage,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Runner executes analysis runs against the snapshot store.
type Runner struct {
	db  *sql.DB
	cfg *config.Config
	log *slog.Logger
}

func New(dbx *sql.DB, cfg *config.Config) *Runner {
	return &Runner{
		db:  dbx,
		cfg: cfg,
		log: slog.With(slog.String("component", "pipeline")),
	}
}

// Run executes one full analysis over every persisted snapshot. Zero
// snapshots or a graph without edges are valid states producing empty or
// all-singleton results, not errors; only configuration problems, backend
// selection, and storage failures fail a run. The failed stage is recorded
// on the run along with all statistics gathered before it.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	res := Result{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Config:    r.runConfig(),
	}
	log := r.log.With(slog.String("run_id", res.RunID))

	if err := store.BeginAnalysisRun(ctx, r.db, res.RunID, res.Config); err != nil {
		return res, fmt.Errorf("begin analysis run: %w", err)
	}
	log.Info("analysis run started",
		slog.String("backend", res.Config.Backend),
		slog.Int("overlap_threshold", res.Config.OverlapThreshold))

	var (
		agg      *presence.Aggregator
		viewers  map[string]presence.ViewerSet
		metadata map[string]presence.Metadata
		g        *overlap.Graph
		part     community.Partition
	)

	err := r.runStage(ctx, StageAggregate, func(ctx context.Context) error {
		snaps, err := store.LoadSnapshots(ctx, r.db, time.Time{})
		if err != nil {
			return err
		}
		agg = presence.NewAggregator()
		for _, s := range snaps {
			agg.Add(s)
		}
		stats := agg.Statistics()
		res.Stats.Aggregator = &stats
		quality := agg.QualityReport()
		log.Info("snapshots aggregated",
			slog.Int("snapshots", stats.TotalSnapshots),
			slog.Int("channels", stats.TotalChannels),
			slog.Int("unique_viewers", stats.TotalUniqueViewersAll),
			slog.Float64("one_off_pct", quality.OneOffPercentage))
		return nil
	})
	if err != nil {
		return r.fail(ctx, res, StageAggregate, err)
	}

	err = r.runStage(ctx, StageFilter, func(context.Context) error {
		viewers = agg.ChannelViewers()
		metadata = agg.ChannelMetadata()
		before := len(viewers)
		if min := r.cfg.Analysis.MinUserAppearances; min > 1 {
			viewers = agg.FilterByRepeatViewers(min)
		}
		if min := r.cfg.Analysis.MinChannelViewers; min > 1 {
			kept := make(map[string]presence.ViewerSet, len(viewers))
			for ch, set := range viewers {
				if len(set) >= min {
					kept[ch] = set
				}
			}
			viewers = kept
		}
		if len(viewers) < before {
			log.Info("channels filtered",
				slog.Int("before", before),
				slog.Int("after", len(viewers)))
		}
		return nil
	})
	if err != nil {
		return r.fail(ctx, res, StageFilter, err)
	}

	err = r.runStage(ctx, StageGraph, func(ctx context.Context) error {
		builder := overlap.NewBuilder(r.cfg.Analysis.OverlapThreshold, overlap.Strategy(r.cfg.Analysis.Strategy))
		var err error
		g, err = builder.Build(ctx, viewers, metadata)
		if err != nil {
			return err
		}
		stats := g.Statistics()
		res.Stats.Graph = &stats
		telemetry.SetGraphSize(stats.NumNodes, stats.NumEdges)
		log.Info("overlap graph built",
			slog.Int("nodes", stats.NumNodes),
			slog.Int("edges", stats.NumEdges),
			slog.Float64("density", stats.Density))
		if stats.NumNodes > 0 && stats.NumEdges == 0 {
			log.Warn("overlap graph has no edges; every community will be a singleton",
				slog.Int("overlap_threshold", r.cfg.Analysis.OverlapThreshold))
		}
		if r.cfg.Analysis.ExportGraphCSV {
			if err := r.exportGraphCSV(g); err != nil {
				log.Warn("graph csv export failed", slog.Any("err", err))
			}
		}
		return nil
	})
	if err != nil {
		return r.fail(ctx, res, StageGraph, err)
	}

	err = r.runStage(ctx, StageDetect, func(context.Context) error {
		det, err := community.New(r.cfg.Analysis.Backend, r.cfg.Analysis.Resolution)
		if err != nil {
			return err
		}
		part, err = det.Detect(g)
		if err != nil {
			return err
		}
		stats := part.Stats(g, r.cfg.Analysis.Resolution)
		res.Stats.Detection = &stats
		res.Partition = part
		if telemetry.CommunitiesDetected != nil {
			telemetry.CommunitiesDetected.Set(float64(stats.NumCommunities))
		}
		log.Info("communities detected",
			slog.String("backend", det.Name()),
			slog.Int("communities", stats.NumCommunities),
			slog.Float64("modularity", stats.Modularity))
		return nil
	})
	if err != nil {
		return r.fail(ctx, res, StageDetect, err)
	}

	err = r.runStage(ctx, StageTag, func(context.Context) error {
		all := part.Communities()
		reported := make(map[int][]string, len(all))
		for id, members := range all {
			if len(members) >= r.cfg.Analysis.MinCommunitySize {
				reported[id] = members
			}
		}
		tg := tagger.New()
		res.Labels = tg.Tag(reported, metadata)
		stats := tg.Statistics()
		res.Stats.Tagging = &stats
		res.Communities = buildReport(reported, res.Labels, tg)
		if len(reported) < len(all) {
			log.Info("small communities left out of report",
				slog.Int("detected", len(all)),
				slog.Int("reported", len(reported)),
				slog.Int("min_community_size", r.cfg.Analysis.MinCommunitySize))
		}
		return nil
	})
	if err != nil {
		return r.fail(ctx, res, StageTag, err)
	}

	res.FinishedAt = time.Now().UTC()
	runRes := store.RunResult{
		Communities:    res.Communities,
		Labels:         res.Labels,
		Stats:          res.Stats,
		ChannelCount:   res.Stats.Graph.NumNodes,
		CommunityCount: res.Stats.Detection.NumCommunities,
		Modularity:     res.Stats.Detection.Modularity,
	}
	if err := store.CompleteAnalysisRun(ctx, r.db, res.RunID, runRes); err != nil {
		return res, fmt.Errorf("complete analysis run: %w", err)
	}
	telemetry.RecordRun(store.RunStatusCompleted)

	if r.cfg.Analysis.SaveAnalysisJSON {
		if err := r.writeResults(res); err != nil {
			log.Warn("results artifact write failed", slog.Any("err", err))
		}
	}

	log.Info("analysis run completed",
		slog.Int("channels", runRes.ChannelCount),
		slog.Int("communities", runRes.CommunityCount),
		slog.Float64("modularity", runRes.Modularity),
		slog.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

func (r *Runner) runConfig() RunConfig {
	a := r.cfg.Analysis
	return RunConfig{
		OverlapThreshold:   a.OverlapThreshold,
		Resolution:         a.Resolution,
		MinChannelViewers:  a.MinChannelViewers,
		MinUserAppearances: a.MinUserAppearances,
		MinCommunitySize:   a.MinCommunitySize,
		Backend:            a.Backend,
		Strategy:           a.Strategy,
	}
}

// runStage wraps one stage with a span and a duration observation.
func (r *Runner) runStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline", stage)
	defer span.End()

	var err error
	telemetry.TimeFunc(stageObserver(stage), func() { err = fn(ctx) })
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func stageObserver(stage string) prometheus.Observer {
	if telemetry.StageDuration == nil {
		return nil
	}
	return telemetry.StageDuration.WithLabelValues(stage)
}

// fail finalizes a run record for a failed stage, keeping every statistic
// gathered before the failure. The bookkeeping write survives cancellation
// of the run's own context.
func (r *Runner) fail(ctx context.Context, res Result, stage string, cause error) (Result, error) {
	res.FinishedAt = time.Now().UTC()
	res.FailedStage = stage
	res.Error = cause.Error()
	telemetry.RecordRun(store.RunStatusFailed)
	if err := store.FailAnalysisRun(context.WithoutCancel(ctx), r.db, res.RunID, stage, res.Stats, cause); err != nil {
		r.log.Error("record failed analysis run",
			slog.String("run_id", res.RunID),
			slog.Any("err", err))
	}
	return res, fmt.Errorf("%s stage: %w", stage, cause)
}

func buildReport(communities map[int][]string, labels map[int]string, tg *tagger.Tagger) []Community {
	out := make([]Community, 0, len(communities))
	for id, members := range communities {
		c := Community{ID: id, Label: labels[id], Size: len(members), Members: members}
		if reason, ok := tg.ReasonFor(id); ok {
			c.Reason = reason
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].ID < out[j].ID
	})
	return out
}
