package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/events"
)

// batch size for IN lists
const inListSize = 500

// DependentStore reads and rewrites rows that reference a person by id.
type DependentStore struct {
	store  *Store
	tables []domain.DependentTable
}

// Tables returns the dependent tables in processing order
func (ds *DependentStore) Tables() []domain.DependentTable {
	out := make([]domain.DependentTable, len(ds.tables))
	copy(out, ds.tables)
	return out
}

// RowsFor returns every row of table referencing personID, ordered by row
// id. Rows with a NULL unique-key component are marked NullKey.
func (ds *DependentStore) RowsFor(ctx context.Context, table domain.DependentTable, personID string) ([]domain.DependentRow, error) {
	cols := append([]string{table.IDColumn, table.PersonColumn}, table.UniqueKeys...)
	for i, c := range cols[2:] {
		cols[i+2] = fmt.Sprintf("CAST(%s AS TEXT)", c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
		strings.Join(cols, ", "), table.Name, table.PersonColumn, table.IDColumn)

	rows, err := ds.store.db.QueryContext(ctx, ds.store.q(query), personID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("failed to query %s: %w", table.Name, err))
	}
	defer rows.Close()

	var out []domain.DependentRow
	for rows.Next() {
		var r domain.DependentRow
		keys := make([]sql.NullString, len(table.UniqueKeys))
		dest := []any{&r.ID, &r.PersonID}
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table.Name, err)
		}
		for _, k := range keys {
			r.Key = append(r.Key, k.String)
			if !k.Valid {
				r.NullKey = true
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(fmt.Errorf("error iterating %s: %w", table.Name, err))
	}
	return out, nil
}

// RepointResult is the outcome of Repoint
type RepointResult struct {
	Moved    int64
	Collided []string // rows deleted because the target already held their unique key
}

// CollisionEvent builds the audit event for rows Repoint had to delete
type CollisionEvent func(rowIDs []string) (*domain.Event, error)

// Repoint moves the given rows from one person to another. Only rows still
// referencing fromID are touched, so repeating the call is a no-op. Events
// are written in the same transaction.
//
// When a unique index rejects the batch, the rows are retried one at a time
// and each row the index rejects is deleted instead. onCollision, if set,
// supplies the event recording those deletions.
func (ds *DependentStore) Repoint(ctx context.Context, table domain.DependentTable, fromID, toID string, rowIDs []string, onCollision CollisionEvent, evs ...*domain.Event) (RepointResult, error) {
	var res RepointResult
	err := ds.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		for _, part := range chunk(rowIDs, inListSize) {
			query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s IN (%s)",
				table.Name, table.PersonColumn, table.PersonColumn, table.IDColumn, placeholders(len(part)))
			args := append([]any{toID, fromID}, toArgs(part)...)
			n, err := execCount(ctx, tx, ds.store.q(query), args...)
			if err != nil {
				return fmt.Errorf("failed to repoint %s rows: %w", table.Name, err)
			}
			res.Moved += n
		}
		if res.Moved == 0 {
			return nil
		}
		return logAll(ctx, tx, ew, evs)
	})
	if err == nil {
		return res, nil
	}
	if !db.IsUniqueViolation(err) {
		return RepointResult{}, err
	}
	return ds.repointRowByRow(ctx, table, fromID, toID, rowIDs, onCollision, evs)
}

func (ds *DependentStore) repointRowByRow(ctx context.Context, table domain.DependentTable, fromID, toID string, rowIDs []string, onCollision CollisionEvent, evs []*domain.Event) (RepointResult, error) {
	update := ds.store.q(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?",
		table.Name, table.PersonColumn, table.PersonColumn, table.IDColumn))
	remove := ds.store.q(fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
		table.Name, table.PersonColumn, table.IDColumn))

	var res RepointResult
	err := ds.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		for _, rowID := range rowIDs {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT repoint_row"); err != nil {
				return fmt.Errorf("failed to open savepoint: %w", err)
			}
			n, err := execCount(ctx, tx, update, toID, fromID, rowID)
			switch {
			case err == nil:
				res.Moved += n
			case db.IsUniqueViolation(err):
				if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT repoint_row"); err != nil {
					return fmt.Errorf("failed to roll back savepoint: %w", err)
				}
				if _, err := execCount(ctx, tx, remove, fromID, rowID); err != nil {
					return fmt.Errorf("failed to delete colliding %s row %s: %w", table.Name, rowID, err)
				}
				res.Collided = append(res.Collided, rowID)
			default:
				return fmt.Errorf("failed to repoint %s row %s: %w", table.Name, rowID, err)
			}
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT repoint_row"); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}

		if res.Moved == 0 && len(res.Collided) == 0 {
			return nil
		}
		if err := logAll(ctx, tx, ew, evs); err != nil {
			return err
		}
		if len(res.Collided) == 0 || onCollision == nil {
			return nil
		}
		ev, err := onCollision(res.Collided)
		if err != nil {
			return err
		}
		return logAll(ctx, tx, ew, []*domain.Event{ev})
	})
	if err != nil {
		return RepointResult{}, err
	}
	return res, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// DeleteRows removes the given rows of personID
func (ds *DependentStore) DeleteRows(ctx context.Context, table domain.DependentTable, personID string, rowIDs []string, evs ...*domain.Event) (int64, error) {
	var deleted int64
	err := ds.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		for _, part := range chunk(rowIDs, inListSize) {
			query := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN (%s)",
				table.Name, table.PersonColumn, table.IDColumn, placeholders(len(part)))
			args := append([]any{personID}, toArgs(part)...)
			n, err := execCount(ctx, tx, ds.store.q(query), args...)
			if err != nil {
				return fmt.Errorf("failed to delete %s rows: %w", table.Name, err)
			}
			deleted += n
		}
		if deleted == 0 {
			return nil
		}
		return logAll(ctx, tx, ew, evs)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountReferencing counts rows of table that reference any of ids
func (ds *DependentStore) CountReferencing(ctx context.Context, table domain.DependentTable, ids []string) (int, error) {
	total := 0
	for _, part := range chunk(ids, inListSize) {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IN (%s)",
			table.Name, table.PersonColumn, placeholders(len(part)))
		var n int
		if err := ds.store.db.QueryRowContext(ctx, ds.store.q(query), toArgs(part)...).Scan(&n); err != nil {
			return 0, db.Classify(fmt.Errorf("failed to count %s rows: %w", table.Name, err))
		}
		total += n
	}
	return total, nil
}

// ReferenceSet returns the row ids of table referencing any of ids. Merging
// must leave the union of these sets unchanged.
func (ds *DependentStore) ReferenceSet(ctx context.Context, table domain.DependentTable, ids []string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for _, personID := range ids {
		rows, err := ds.RowsFor(ctx, table, personID)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			set[r.ID] = struct{}{}
		}
	}
	return set, nil
}
