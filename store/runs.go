package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Analysis run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// AnalysisRun is one recorded pipeline execution. Communities, Labels, and
// Stats hold the run's JSON documents verbatim; the scalar summary columns
// let list views skip decoding them.
type AnalysisRun struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	FailedStage    string          `json:"failed_stage,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	Communities    json.RawMessage `json:"communities,omitempty"`
	Labels         json.RawMessage `json:"labels,omitempty"`
	Stats          json.RawMessage `json:"stats,omitempty"`
	ChannelCount   int             `json:"channel_count"`
	CommunityCount int             `json:"community_count"`
	Modularity     float64         `json:"modularity"`
}

// RunResult carries the documents a finished run persists.
type RunResult struct {
	Communities    any
	Labels         any
	Stats          any
	ChannelCount   int
	CommunityCount int
	Modularity     float64
}

// BeginAnalysisRun records a new run in the running state.
func BeginAnalysisRun(ctx context.Context, dbx *sql.DB, id string, config any) error {
	cfg, err := marshalNullable(config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	_, err = dbx.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, status, config, started_at) VALUES ($1,$2,$3,NOW())`,
		id, RunStatusRunning, cfg)
	if err != nil {
		return fmt.Errorf("insert analysis run %s: %w", id, err)
	}
	return nil
}

// CompleteAnalysisRun marks a run completed and stores its result documents.
func CompleteAnalysisRun(ctx context.Context, dbx *sql.DB, id string, res RunResult) error {
	communities, err := marshalNullable(res.Communities)
	if err != nil {
		return fmt.Errorf("marshal run communities: %w", err)
	}
	labels, err := marshalNullable(res.Labels)
	if err != nil {
		return fmt.Errorf("marshal run labels: %w", err)
	}
	stats, err := marshalNullable(res.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	_, err = dbx.ExecContext(ctx, `UPDATE analysis_runs
		SET status=$2, communities=$3, labels=$4, stats=$5,
		    channel_count=$6, community_count=$7, modularity=$8,
		    failed_stage=NULL, error=NULL, finished_at=NOW()
		WHERE id=$1`,
		id, RunStatusCompleted, communities, labels, stats,
		res.ChannelCount, res.CommunityCount, res.Modularity)
	if err != nil {
		return fmt.Errorf("complete analysis run %s: %w", id, err)
	}
	return nil
}

// FailAnalysisRun marks a run failed at the named stage. Stats gathered
// before the failure are persisted when present.
func FailAnalysisRun(ctx context.Context, dbx *sql.DB, id, stage string, stats any, cause error) error {
	doc, err := marshalNullable(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = dbx.ExecContext(ctx, `UPDATE analysis_runs
		SET status=$2, failed_stage=$3, error=$4, stats=$5, finished_at=NOW()
		WHERE id=$1`,
		id, RunStatusFailed, stage, msg, doc)
	if err != nil {
		return fmt.Errorf("fail analysis run %s: %w", id, err)
	}
	return nil
}

const runColumns = `id, status, COALESCE(failed_stage,''), COALESCE(error,''), started_at, finished_at,
	config, communities, labels, stats, channel_count, community_count, modularity`

// GetAnalysisRun loads one run by id; nil when no such run exists.
func GetAnalysisRun(ctx context.Context, dbx *sql.DB, id string) (*AnalysisRun, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id=$1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis run %s: %w", id, err)
	}
	return &run, nil
}

// LatestCompletedRun returns the most recently finished successful run, or
// nil when no run has completed yet.
func LatestCompletedRun(ctx context.Context, dbx *sql.DB) (*AnalysisRun, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+runColumns+`
		FROM analysis_runs WHERE status=$1 ORDER BY finished_at DESC LIMIT 1`, RunStatusCompleted)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed run: %w", err)
	}
	return &run, nil
}

// ListAnalysisRuns returns runs newest first, capped at limit.
func ListAnalysisRuns(ctx context.Context, dbx *sql.DB, limit int) ([]AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := dbx.QueryContext(ctx, `SELECT `+runColumns+`
		FROM analysis_runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis runs: %w", err)
	}
	defer rows.Close()

	var out []AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (AnalysisRun, error) {
	var run AnalysisRun
	var finished sql.NullTime
	var config, communities, labels, stats []byte
	err := row.Scan(&run.ID, &run.Status, &run.FailedStage, &run.Error, &run.StartedAt, &finished,
		&config, &communities, &labels, &stats,
		&run.ChannelCount, &run.CommunityCount, &run.Modularity)
	if err != nil {
		return AnalysisRun{}, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.Config = json.RawMessage(config)
	run.Communities = json.RawMessage(communities)
	run.Labels = json.RawMessage(labels)
	run.Stats = json.RawMessage(stats)
	return run, nil
}

// marshalNullable turns a document into JSONB column input, passing nil
// through as SQL NULL and raw JSON through untouched.
func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return []byte(raw), nil
	}
	return json.Marshal(v)
}
