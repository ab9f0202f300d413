// Package outbox implements the durable offline mutation queue backed by
// SQLite.
//
// When a write against the upstream API fails because the device is offline,
// the caller hands the fully-formed request (method, endpoint, body) to the
// store. The record survives process restarts and is removed only after the
// sync engine replays it and the upstream confirms success.
//
// Ordering is strictly FIFO: records are replayed oldest-first, with no
// reordering and no de-duplication by endpoint. The monotonic seq column
// carries the order; the caller-visible id is a UUIDv7.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS outbox_mutations (
//	    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
//	    id         TEXT NOT NULL UNIQUE,
//	    type       TEXT NOT NULL,
//	    endpoint   TEXT NOT NULL,
//	    method     TEXT NOT NULL,
//	    body       BLOB,
//	    created_at INTEGER NOT NULL              -- milliseconds since epoch
//	);
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Mutation type classifications. Informational only — replay behaviour is
// driven by Method, not Type.
const (
	TypeCreate = "create"
	TypeUpdate = "update"
	TypeDelete = "delete"
)

// ErrInvalidMethod is returned by Enqueue for methods the sync engine cannot
// replay.
var ErrInvalidMethod = errors.New("outbox: method must be POST, PUT, PATCH or DELETE")

// Mutation is one not-yet-confirmed write.
type Mutation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Body      []byte    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Store.
type Options struct {
	// NewID overrides the default UUIDv7 ID generator.
	NewID func() string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.NewID == nil {
		o.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the durable queue handle.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a Store. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// EnsureTable creates the outbox_mutations table if it doesn't exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_mutations (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			type       TEXT NOT NULL,
			endpoint   TEXT NOT NULL,
			method     TEXT NOT NULL,
			body       BLOB,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// Enqueue appends a mutation with a fresh id and the current timestamp and
// persists it immediately. A persistence failure propagates to the caller:
// the original write must then be treated as fully failed, never as silently
// queued.
func (s *Store) Enqueue(ctx context.Context, typ, endpoint, method string, body []byte) (*Mutation, error) {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return nil, ErrInvalidMethod
	}
	if typ == "" {
		typ = typeForMethod(method)
	}

	m := &Mutation{
		ID:        s.opts.NewID(),
		Type:      typ,
		Endpoint:  endpoint,
		Method:    method,
		Body:      body,
		CreatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_mutations (id, type, endpoint, method, body, created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.Type, m.Endpoint, m.Method, m.Body, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}

	s.opts.Logger.Debug("outbox: queued mutation",
		"id", m.ID, "method", m.Method, "endpoint", m.Endpoint)
	return m, nil
}

// List returns all queued mutations in insertion order (oldest first). It
// returns an empty, non-nil slice when the queue is empty.
func (s *Store) List(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, endpoint, method, body, created_at
		FROM outbox_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	defer rows.Close()

	muts := []*Mutation{}
	for rows.Next() {
		var m Mutation
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Type, &m.Endpoint, &m.Method, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		muts = append(muts, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return muts, nil
}

// Remove deletes the mutation with the given id. Removing an absent id is a
// no-op, so a replay confirmed twice stays idempotent.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: remove %s: %w", id, err)
	}
	return nil
}

// Clear empties the store. Administrative operation — pending mutations are
// discarded without replay.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox_mutations`)
	if err != nil {
		return fmt.Errorf("outbox: clear: %w", err)
	}
	return nil
}

// Len returns the number of queued mutations.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_mutations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: len: %w", err)
	}
	return n, nil
}

func typeForMethod(method string) string {
	switch method {
	case "POST":
		return TypeCreate
	case "DELETE":
		return TypeDelete
	default:
		return TypeUpdate
	}
}
