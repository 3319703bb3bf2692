// Package sqlqueue is a queuebackend.Backend backed by PostgreSQL: a
// durable table of not-yet-completed jobs that Replay scans at startup
// to repopulate the in-memory index after a restart.
package sqlqueue

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Backend persists queued jobs to a "pending_jobs" table, one row per
// outstanding (function, unique) pair.
type Backend struct {
	db *sql.DB
}

// Open connects to connString and pings the server. It does not check for
// the pending_jobs table; Migrate creates it.
func Open(connString string) (*Backend, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlqueue: ping: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &Backend{db: db}, nil
}

// Migrate creates the pending_jobs table if it does not already exist.
func (b *Backend) Migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_jobs (
			id         BIGSERIAL PRIMARY KEY,
			function   TEXT NOT NULL,
			unique_key TEXT NOT NULL,
			data       BYTEA NOT NULL,
			priority   SMALLINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (function, unique_key)
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlqueue: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// Add inserts a row for a job not yet known to be durable. A duplicate
// (function, unique_key) is a no-op: dedup already happened in
// jobindex.Index before this is called.
func (b *Backend) Add(ctx context.Context, unique, function string, data []byte, priority protocol.Priority) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_jobs (function, unique_key, data, priority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (function, unique_key) DO NOTHING
	`, function, unique, data, int(priority))
	if err != nil {
		return fmt.Errorf("sqlqueue: add: %w", err)
	}
	return nil
}

// Flush is a no-op: every Add above already ran as its own committed
// statement, so there is no separate durability barrier to cross.
func (b *Backend) Flush(ctx context.Context) error { return nil }

// Done deletes a completed or failed job's row.
func (b *Backend) Done(ctx context.Context, unique, function string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM pending_jobs WHERE function = $1 AND unique_key = $2
	`, function, unique)
	if err != nil {
		return fmt.Errorf("sqlqueue: done: %w", err)
	}
	return nil
}

// Replay scans every outstanding row in (priority, id) order — the same
// ordering spec.md's in-memory FIFOs use — and calls add for each.
func (b *Backend) Replay(ctx context.Context, add func(unique, function string, data []byte, priority protocol.Priority) error) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT unique_key, function, data, priority
		FROM pending_jobs
		ORDER BY priority, id
	`)
	if err != nil {
		return fmt.Errorf("sqlqueue: replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var unique, function string
		var data []byte
		var priority int
		if err := rows.Scan(&unique, &function, &data, &priority); err != nil {
			return fmt.Errorf("sqlqueue: replay scan: %w", err)
		}
		if err := add(unique, function, data, protocol.Priority(priority)); err != nil {
			return fmt.Errorf("sqlqueue: replay add: %w", err)
		}
	}
	return rows.Err()
}
