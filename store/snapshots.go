package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/viewer-atlas/presence"
)

// InsertSnapshot persists one presence snapshot. Metadata columns stay NULL
// when the snapshot carried no metadata, so loads can reconstruct the
// distinction. A zero collectedAt defaults to the current time.
func InsertSnapshot(ctx context.Context, dbx *sql.DB, s presence.Snapshot, collectedAt time.Time) error {
	chatters := s.Chatters
	if chatters == nil {
		chatters = []string{}
	}
	payload, err := json.Marshal(chatters)
	if err != nil {
		return fmt.Errorf("marshal chatters: %w", err)
	}

	source := s.Source
	if source == "" {
		source = "live"
	}
	if collectedAt.IsZero() {
		collectedAt = time.Now().UTC()
	}

	var viewerCount sql.NullInt64
	var gameName, title, language, startedAt sql.NullString
	if s.Meta != nil {
		viewerCount = sql.NullInt64{Int64: int64(s.Meta.ViewerCount), Valid: true}
		gameName = sql.NullString{String: s.Meta.GameName, Valid: true}
		title = sql.NullString{String: s.Meta.Title, Valid: true}
		language = sql.NullString{String: s.Meta.Language, Valid: true}
		startedAt = sql.NullString{String: s.Meta.StartedAt, Valid: true}
	}

	_, err = dbx.ExecContext(ctx, `INSERT INTO presence_snapshots
		(channel, source, session_id, chatters, viewer_count, game_name, title, language, started_at, collected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.Channel, source, nullString(s.SessionID), payload, viewerCount, gameName, title, language, startedAt, collectedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot for %s: %w", s.Channel, err)
	}
	return nil
}

// LoadSnapshots returns snapshots collected at or after since, oldest first.
// A zero since loads everything.
func LoadSnapshots(ctx context.Context, dbx *sql.DB, since time.Time) ([]presence.Snapshot, error) {
	q := `SELECT channel, source, COALESCE(session_id,''), chatters, viewer_count, game_name, title, language, started_at
		FROM presence_snapshots`
	args := []any{}
	if !since.IsZero() {
		q += ` WHERE collected_at >= $1`
		args = append(args, since)
	}
	q += ` ORDER BY collected_at, id`

	rows, err := dbx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []presence.Snapshot
	for rows.Next() {
		var (
			s        presence.Snapshot
			payload  []byte
			viewers  sql.NullInt64
			game     sql.NullString
			title    sql.NullString
			language sql.NullString
			started  sql.NullString
		)
		if err := rows.Scan(&s.Channel, &s.Source, &s.SessionID, &payload, &viewers, &game, &title, &language, &started); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(payload, &s.Chatters); err != nil {
			return nil, fmt.Errorf("decode chatters for %s: %w", s.Channel, err)
		}
		if viewers.Valid || game.Valid || title.Valid || language.Valid || started.Valid {
			s.Meta = &presence.Metadata{
				ViewerCount: int(viewers.Int64),
				GameName:    game.String,
				Title:       title.String,
				Language:    language.String,
				StartedAt:   started.String,
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SnapshotStats summarizes stored snapshots for status reporting.
type SnapshotStats struct {
	Total     int            `json:"total"`
	Channels  int            `json:"channels"`
	PerSource map[string]int `json:"per_source"`
	Oldest    *time.Time     `json:"oldest,omitempty"`
	Newest    *time.Time     `json:"newest,omitempty"`
}

// GetSnapshotStats computes totals and per-source counts over all stored
// snapshots.
func GetSnapshotStats(ctx context.Context, dbx *sql.DB) (SnapshotStats, error) {
	stats := SnapshotStats{PerSource: make(map[string]int)}

	var oldest, newest sql.NullTime
	row := dbx.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT channel), MIN(collected_at), MAX(collected_at) FROM presence_snapshots`)
	if err := row.Scan(&stats.Total, &stats.Channels, &oldest, &newest); err != nil {
		return stats, fmt.Errorf("snapshot totals: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = &oldest.Time
	}
	if newest.Valid {
		stats.Newest = &newest.Time
	}

	rows, err := dbx.QueryContext(ctx, `SELECT source, COUNT(*) FROM presence_snapshots GROUP BY source`)
	if err != nil {
		return stats, fmt.Errorf("snapshot sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return stats, fmt.Errorf("scan source count: %w", err)
		}
		stats.PerSource[source] = n
	}
	return stats, rows.Err()
}

// DeleteSnapshotsBefore removes snapshots collected before cutoff and reports
// how many rows went away. The retention sweep runs this daily.
func DeleteSnapshotsBefore(ctx context.Context, dbx *sql.DB, cutoff time.Time) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM presence_snapshots WHERE collected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
