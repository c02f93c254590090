package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetKV upserts a key/value pair, stamping updated_at.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns the stored value for key, or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var value string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, nil
}

// DeleteKVOlderThan removes keys under prefix last updated before cutoff.
// The retention sweep prunes daily collection markers through this.
func DeleteKVOlderThan(ctx context.Context, dbx *sql.DB, prefix string, cutoff time.Time) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE $1 AND updated_at < $2`, prefix+"%", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete kv prefix %s: %w", prefix, err)
	}
	return res.RowsAffected()
}
