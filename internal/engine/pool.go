// Package engine drives the embedded query engine. The executor turns plan
// nodes into COPY ... TO Parquet statements by position-based splicing of
// placeholder spans; the SQL structure itself is never rewritten.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// Pool is a bounded set of engine connections with FIFO wake-ups. Builds
// across concurrent requests share it; a single build uses one slot.
type Pool struct {
	db  *sql.DB
	sem chan struct{}
	log *slog.Logger
	// OnExec observes every statement handed to the engine. Tests use it
	// to count executor invocations.
	OnExec func(query string)
}

// NewPool opens an in-memory engine instance with the given concurrency.
func NewPool(ctx context.Context, size int, log *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = 2
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(size)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Pool{
		db:  db,
		sem: make(chan struct{}, size),
		log: log,
	}, nil
}

// Exec runs one statement, blocking for a pool slot first.
func (p *Pool) Exec(ctx context.Context, query string) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	if p.OnExec != nil {
		p.OnExec(query)
	}
	_, err := p.db.ExecContext(ctx, query)
	return err
}

// Close releases the underlying engine.
func (p *Pool) Close() error {
	return p.db.Close()
}
