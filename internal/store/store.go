// Package store provides the persistence layer for Person records and the
// tables that reference them. Mutations run in their own transaction and
// write any supplied audit events in that same transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/events"
)

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db *db.DB

	Persons    *PersonStore
	Dependents *DependentStore
}

// New creates a new Store wrapping the given database connection. An empty
// tables list uses domain.DefaultDependentTables.
func New(database *db.DB, tables []domain.DependentTable) *Store {
	if len(tables) == 0 {
		tables = domain.DefaultDependentTables()
	}
	s := &Store{db: database}
	s.Persons = &PersonStore{store: s}
	s.Dependents = &DependentStore{store: s, tables: tables}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// Ping checks that the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return db.Classify(fmt.Errorf("failed to reach database: %w", err))
	}
	return nil
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, ew *events.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return db.Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	ew := events.NewWriter(s.db)
	if err := fn(tx, ew); err != nil {
		return db.Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return db.Classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func logAll(ctx context.Context, tx *sql.Tx, ew *events.Writer, evs []*domain.Event) error {
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := ew.LogEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// chunk splits ids into slices of at most size elements
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
