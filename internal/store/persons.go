package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lherron/clinicsync/internal/cursor"
	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/events"
)

// PersonStore handles Person persistence operations.
type PersonStore struct {
	store *Store
}

// timestamps stay bare so the sqlite driver sees the declared column type
const personColumns = `id, COALESCE(name, ''), COALESCE(name_kana, ''), COALESCE(sex, ''),
	COALESCE(birthday, ''), COALESCE(phone, ''), COALESCE(messaging_user_id, ''),
	COALESCE(extra, '{}'), created_at, updated_at`

var fieldColumns = map[string]string{
	domain.FieldName:            "name",
	domain.FieldNameKana:        "name_kana",
	domain.FieldSex:             "sex",
	domain.FieldBirthday:        "birthday",
	domain.FieldPhone:           "phone",
	domain.FieldMessagingUserID: "messaging_user_id",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (domain.Person, error) {
	var p domain.Person
	var extra string
	if err := row.Scan(&p.ID, &p.Name, &p.NameKana, &p.Sex, &p.Birthday, &p.Phone,
		&p.MessagingUserID, &extra, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Person{}, err
	}
	if err := p.SetExtraJSON(extra); err != nil {
		return domain.Person{}, fmt.Errorf("person %s: invalid extra: %w", p.ID, err)
	}
	return p, nil
}

// Page returns up to limit persons ordered by id, strictly after the cursor
// (nil starts from the beginning), and the cursor of the last row returned.
func (ps *PersonStore) Page(ctx context.Context, after *cursor.Cursor, limit int) ([]domain.Person, *cursor.Cursor, error) {
	query := "SELECT " + personColumns + " FROM persons"
	var args []any
	if after != nil {
		where, params := after.WhereClause()
		query += " WHERE " + where
		args = append(args, params...)
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := ps.store.db.QueryContext(ctx, ps.store.q(query), args...)
	if err != nil {
		return nil, nil, db.Classify(fmt.Errorf("failed to query persons: %w", err))
	}
	defer rows.Close()

	var persons []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan person: %w", err)
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, db.Classify(fmt.Errorf("error iterating persons: %w", err))
	}

	var last *cursor.Cursor
	if len(persons) > 0 {
		last, err = cursor.NewCursor("id", persons[len(persons)-1].ID)
		if err != nil {
			return nil, nil, err
		}
	}
	return persons, last, nil
}

// ScanAll pages through every person, calling fn for each, until a page
// comes back short. It returns the number of persons seen.
func (ps *PersonStore) ScanAll(ctx context.Context, pageSize int, fn func(domain.Person) error) (int, error) {
	return cursor.Paginate(ctx, pageSize, func(ctx context.Context, after *cursor.Cursor, limit int) (int, *cursor.Cursor, error) {
		page, last, err := ps.Page(ctx, after, limit)
		if err != nil {
			return 0, nil, err
		}
		for _, p := range page {
			if err := fn(p); err != nil {
				return 0, nil, err
			}
		}
		return len(page), last, nil
	})
}

// All loads every person through paginated scans
func (ps *PersonStore) All(ctx context.Context, pageSize int) ([]domain.Person, error) {
	var persons []domain.Person
	_, err := ps.ScanAll(ctx, pageSize, func(p domain.Person) error {
		persons = append(persons, p)
		return nil
	})
	return persons, err
}

// Get loads one person, returning domain.ErrNotFound when absent
func (ps *PersonStore) Get(ctx context.Context, id string) (domain.Person, error) {
	row := ps.store.db.QueryRowContext(ctx, ps.store.q("SELECT "+personColumns+" FROM persons WHERE id = ?"), id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Person{}, fmt.Errorf("person %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Person{}, db.Classify(fmt.Errorf("failed to get person %s: %w", id, err))
	}
	return p, nil
}

// Exists reports whether a person row is present
func (ps *PersonStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := ps.store.db.QueryRowContext(ctx, ps.store.q("SELECT COUNT(*) FROM persons WHERE id = ?"), id).Scan(&n)
	if err != nil {
		return false, db.Classify(fmt.Errorf("failed to check person %s: %w", id, err))
	}
	return n > 0, nil
}

// ExistingIDs returns which of ids still have a person row, sorted
func (ps *PersonStore) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	var found []string
	for _, part := range chunk(ids, 500) {
		query := ps.store.q("SELECT id FROM persons WHERE id IN (" + placeholders(len(part)) + ")")
		rows, err := ps.store.db.QueryContext(ctx, query, toArgs(part)...)
		if err != nil {
			return nil, db.Classify(fmt.Errorf("failed to query persons: %w", err))
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan person id: %w", err)
			}
			found = append(found, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, db.Classify(fmt.Errorf("error iterating persons: %w", err))
		}
	}
	sort.Strings(found)
	return found, nil
}

// Insert creates one person
func (ps *PersonStore) Insert(ctx context.Context, p domain.Person) error {
	_, err := ps.InsertMany(ctx, []domain.Person{p})
	return err
}

// InsertMany creates persons in a single transaction. Zero timestamps are
// set to the current time.
func (ps *PersonStore) InsertMany(ctx context.Context, persons []domain.Person, evs ...*domain.Event) (int, error) {
	query := ps.store.q(`
		INSERT INTO persons (id, name, name_kana, sex, birthday, phone, messaging_user_id, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	now := time.Now().UTC()
	inserted := 0

	err := ps.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		for _, p := range persons {
			if p.ID == "" {
				return fmt.Errorf("person id required")
			}
			extra, err := p.ExtraJSON()
			if err != nil {
				return fmt.Errorf("person %s: failed to encode extra: %w", p.ID, err)
			}
			created, updated := p.CreatedAt, p.UpdatedAt
			if created.IsZero() {
				created = now
			}
			if updated.IsZero() {
				updated = created
			}
			if _, err := tx.ExecContext(ctx, query, p.ID, p.Name, p.NameKana, p.Sex, p.Birthday,
				p.Phone, p.MessagingUserID, extra, created.UTC(), updated.UTC()); err != nil {
				return fmt.Errorf("failed to insert person %s: %w", p.ID, err)
			}
			inserted++
		}
		return logAll(ctx, tx, ew, evs)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpdateFields applies field values ("name", "extra.<key>", ...) to a person
// and stamps updated_at. It reports whether the row existed. Events are
// written in the same transaction.
func (ps *PersonStore) UpdateFields(ctx context.Context, id string, fields map[string]string, updatedAt time.Time, evs ...*domain.Event) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var found bool
	err := ps.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		row := tx.QueryRowContext(ctx, ps.store.q("SELECT "+personColumns+" FROM persons WHERE id = ?"), id)
		current, err := scanPerson(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load person %s: %w", id, err)
		}
		found = true

		var setClauses []string
		var args []any
		extraChanged := false
		for _, name := range names {
			if !current.SetField(name, fields[name]) {
				return fmt.Errorf("unknown person field %q", name)
			}
			if col, ok := fieldColumns[name]; ok {
				setClauses = append(setClauses, col+" = ?")
				args = append(args, fields[name])
			} else {
				extraChanged = true
			}
		}
		if extraChanged {
			extra, err := current.ExtraJSON()
			if err != nil {
				return fmt.Errorf("failed to encode extra: %w", err)
			}
			setClauses = append(setClauses, "extra = ?")
			args = append(args, extra)
		}
		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, updatedAt.UTC(), id)

		query := fmt.Sprintf("UPDATE persons SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		if _, err := tx.ExecContext(ctx, ps.store.q(query), args...); err != nil {
			return fmt.Errorf("failed to update person %s: %w", id, err)
		}
		return logAll(ctx, tx, ew, evs)
	})
	return found, err
}

// Delete removes a person row. It reports whether a row was deleted; events
// are written only when one was.
func (ps *PersonStore) Delete(ctx context.Context, id string, evs ...*domain.Event) (bool, error) {
	var deleted bool
	err := ps.store.withTx(ctx, func(tx *sql.Tx, ew *events.Writer) error {
		res, err := tx.ExecContext(ctx, ps.store.q("DELETE FROM persons WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("failed to delete person %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return logAll(ctx, tx, ew, evs)
	})
	return deleted, err
}
