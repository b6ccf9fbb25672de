package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
)

// TempDB creates a migrated temporary SQLite database for testing
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(db.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database, dbPath
}

// Day returns midnight UTC of the given day in March 2024, handy for ordering
// created_at and updated_at in fixtures.
func Day(n int) time.Time {
	return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC)
}

// SeedPersons inserts persons directly, bypassing the store
func SeedPersons(t *testing.T, database *db.DB, persons ...domain.Person) {
	t.Helper()
	for _, p := range persons {
		extra, err := p.ExtraJSON()
		if err != nil {
			t.Fatalf("Failed to encode extra for %s: %v", p.ID, err)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = Day(1)
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		_, err = database.Exec(database.Rebind(`
			INSERT INTO persons (id, name, name_kana, sex, birthday, phone, messaging_user_id, extra, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), p.ID, p.Name, p.NameKana, p.Sex, p.Birthday, p.Phone, p.MessagingUserID, extra, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			t.Fatalf("Failed to seed person %s: %v", p.ID, err)
		}
	}
}

// SeedRow inserts one dependent row and returns its id. cols are
// column/value pairs beyond person_id.
func SeedRow(t *testing.T, database *db.DB, table, personID string, cols ...string) string {
	t.Helper()
	if len(cols)%2 != 0 {
		t.Fatalf("SeedRow: odd number of column/value arguments")
	}
	names := []string{"person_id"}
	args := []any{personID}
	for i := 0; i < len(cols); i += 2 {
		names = append(names, cols[i])
		args = append(args, cols[i+1])
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), marks)
	res, err := database.Exec(database.Rebind(query), args...)
	if err != nil {
		t.Fatalf("Failed to seed %s row: %v", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to read %s row id: %v", table, err)
	}
	return fmt.Sprint(id)
}

// RowOwner returns the person_id of a dependent row, or "" if the row is gone
func RowOwner(t *testing.T, database *db.DB, table, rowID string) string {
	t.Helper()
	var owner string
	err := database.QueryRow(database.Rebind(fmt.Sprintf("SELECT person_id FROM %s WHERE id = ?", table)), rowID).Scan(&owner)
	if err != nil {
		return ""
	}
	return owner
}

// CountRows counts rows in a table
func CountRows(t *testing.T, database *db.DB, table string) int {
	t.Helper()
	var n int
	if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

// WriteFile writes content to a file in a temporary directory
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}
