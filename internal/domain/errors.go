package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStoreUnavailable marks a lost connection to the data store. It aborts
// the whole run.
var ErrStoreUnavailable = errors.New("data store unavailable")

// ErrNotFound is returned when a Person row does not exist
var ErrNotFound = errors.New("not found")

// NormalizationFailure reports a raw value that could not be normalized.
// The field is left empty and merging continues.
type NormalizationFailure struct {
	Field  string
	Raw    string
	Reason string
}

func (e *NormalizationFailure) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot normalize %s %q: %s", e.Field, e.Raw, e.Reason)
	}
	return fmt.Sprintf("cannot normalize %s %q", e.Field, e.Raw)
}

// MatchAmbiguity reports a weak-confidence group that needs manual review
type MatchAmbiguity struct {
	Name string
	IDs  []string
}

func (e *MatchAmbiguity) Error() string {
	return fmt.Sprintf("ambiguous match on name %q: %s", e.Name, strings.Join(e.IDs, ", "))
}

// ConstraintViolation records losing rows removed because the canonical
// person already holds a row with the same unique key
type ConstraintViolation struct {
	Table       string
	LosingID    string
	CanonicalID string
	RowIDs      []string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("%s: %d row(s) of %s duplicate rows of %s", e.Table, len(e.RowIDs), e.LosingID, e.CanonicalID)
}

// PartialMigrationFailure is returned when one effect of a plan fails. The
// losing Person rows of the plan that were not yet reached are kept.
// LosingID is empty when the plan failed before any effect ran.
type PartialMigrationFailure struct {
	PlanKey     string
	CanonicalID string
	LosingID    string
	Table       string
	Step        int
	Err         error
}

func (e *PartialMigrationFailure) Error() string {
	where := e.LosingID
	if where == "" {
		where = "canonical " + e.CanonicalID
	}
	if e.Table != "" {
		where = e.Table + "/" + e.LosingID
	}
	return fmt.Sprintf("plan %s failed at step %d (%s): %v", e.PlanKey, e.Step, where, e.Err)
}

func (e *PartialMigrationFailure) Unwrap() error {
	return e.Err
}
