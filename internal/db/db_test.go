package db

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/lherron/clinicsync/internal/domain"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		in     string
		want   string
	}{
		{"sqlite untouched", DriverSQLite, "SELECT * FROM persons WHERE id = ?", "SELECT * FROM persons WHERE id = ?"},
		{"postgres numbered", DriverPostgres, "UPDATE t SET a = ?, b = ? WHERE id = ?", "UPDATE t SET a = $1, b = $2 WHERE id = $3"},
		{"quoted literal kept", DriverPostgres, "SELECT '?' FROM t WHERE id = ?", "SELECT '?' FROM t WHERE id = $1"},
		{"no placeholders", DriverPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rebind(tt.driver, tt.in))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://clinic:xxxxx@db:5432/clinic", redactDSN("postgres://clinic:hunter2@db:5432/clinic"))
	assert.Equal(t, "host=db user=clinic password=xxxxx", redactDSN("host=db user=clinic password=hunter2"))
	assert.Equal(t, "postgres://db/clinic", redactDSN("postgres://db/clinic"))
}

func TestClassify(t *testing.T) {
	unavailable := []error{
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		&pq.Error{Code: "08006"},
		sqlite3.Error{Code: sqlite3.ErrCantOpen},
	}
	for _, err := range unavailable {
		assert.True(t, errors.Is(Classify(err), domain.ErrStoreUnavailable), "%v", err)
	}

	plain := errors.New("syntax error")
	assert.Same(t, plain, Classify(plain))
	assert.Nil(t, Classify(nil))
	assert.False(t, IsUnavailable(&pq.Error{Code: "23505"}))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})))
	assert.False(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
