// Package oplog keeps a history of completed drain passes.
//
// The recorder writes one row per pass into the same SQLite database as the
// queue itself, so sync history survives restarts alongside the queue. It is
// observability, not correctness: a failing recorder never blocks a drain.
//
// Schema:
//
//	sync_pass_logs(
//	  pass_id     TEXT PRIMARY KEY,
//	  attempted   INTEGER,
//	  succeeded   INTEGER,
//	  failed      INTEGER,
//	  remaining   INTEGER,
//	  offline     INTEGER,
//	  started_at  INTEGER,  -- unix milliseconds
//	  duration_ms INTEGER,
//	  created_at  INTEGER   -- unix seconds, drives retention
//	)
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RichardMcSorley/breather-outbox/syncer"
)

// PassLog is one recorded drain pass.
type PassLog struct {
	PassID    string    `json:"pass_id"`
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	Offline   bool      `json:"offline"`
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
}

// Options configures a Recorder.
type Options struct {
	// NewID assigns pass ids. Default: UUIDv7.
	NewID func() string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.NewID == nil {
		o.NewID = func() string {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Recorder writes pass history and manages retention cleanup.
type Recorder struct {
	db   *sql.DB
	opts Options
}

// New creates a Recorder backed by db.
func New(db *sql.DB, opts Options) *Recorder {
	opts.defaults()
	return &Recorder{db: db, opts: opts}
}

// EnsureTable creates the history table if it does not exist.
func (r *Recorder) EnsureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_pass_logs (
			pass_id     TEXT PRIMARY KEY,
			attempted   INTEGER NOT NULL,
			succeeded   INTEGER NOT NULL,
			failed      INTEGER NOT NULL,
			remaining   INTEGER NOT NULL,
			offline     INTEGER NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("oplog: ensure table: %w", err)
	}
	return nil
}

// RecordPass stores one drain pass. Non-blocking: errors are logged but do
// not propagate, so a failing history store never blocks the sync path.
func (r *Recorder) RecordPass(ctx context.Context, rep syncer.Report) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_pass_logs (
			pass_id, attempted, succeeded, failed, remaining,
			offline, started_at, duration_ms, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		r.opts.NewID(), rep.Attempted, rep.Succeeded, rep.Failed, rep.Remaining,
		rep.Offline, rep.StartedAt.UnixMilli(), rep.Duration.Milliseconds(),
		time.Now().Unix())
	if err != nil {
		r.opts.Logger.Error("oplog: record pass failed", "error", err)
	}
}

// RecentPasses returns up to limit passes, newest first.
func (r *Recorder) RecentPasses(ctx context.Context, limit int) ([]*PassLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT pass_id, attempted, succeeded, failed, remaining,
		       offline, started_at, duration_ms
		FROM sync_pass_logs
		ORDER BY created_at DESC, pass_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("oplog: recent passes: %w", err)
	}
	defer rows.Close()

	logs := []*PassLog{}
	for rows.Next() {
		var p PassLog
		var startedMs int64
		if err := rows.Scan(&p.PassID, &p.Attempted, &p.Succeeded, &p.Failed,
			&p.Remaining, &p.Offline, &startedMs, &p.Duration); err != nil {
			return nil, fmt.Errorf("oplog: scan pass: %w", err)
		}
		p.StartedAt = time.UnixMilli(startedMs)
		logs = append(logs, &p)
	}
	return logs, rows.Err()
}

// Cleanup deletes passes older than the retention window. Zero or negative
// days disables cleanup.
func (r *Recorder) Cleanup(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - int64(days*86400)
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM sync_pass_logs WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("oplog: cleanup: %w", err)
	}
	return nil
}
