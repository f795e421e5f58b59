package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the Postgres connection pool with the repository operations
// the dispatcher, engine, webhook admission, and API handlers depend on.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The pool is owned by the caller (main), which
// closes it on shutdown.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components that need raw access
// (the audit writer, for instance).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
