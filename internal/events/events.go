// Package events writes and reads the merge audit log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
)

// Event types recorded in merge_events
const (
	TypePlanDecided          = "plan.decided"
	TypeFieldAdopted         = "field.adopted"
	TypeRowsRepointed        = "rows.repointed"
	TypeRowsDeletedDuplicate = "rows.deleted_duplicate"
	TypePersonUpdated        = "person.updated"
	TypePersonDeleted        = "person.deleted"
	TypeMergeStep            = "merge.step"
	TypeMergeFailed          = "merge.failed"
	TypeGroupAmbiguous       = "group.ambiguous"
)

// Writer handles writing events to the audit log
type Writer struct {
	db *db.DB
}

// NewWriter creates a new event writer
func NewWriter(database *db.DB) *Writer {
	return &Writer{db: database}
}

// LogEvent writes an event to the audit log
func (w *Writer) LogEvent(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	query := w.db.Rebind(`
		INSERT INTO merge_events (run_id, plan_key, event_type, person_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`)

	executor := w.getExecutor(tx)
	_, err := executor.ExecContext(ctx, query, event.RunID, event.PlanKey, event.EventType, event.PersonID, event.Payload)
	if err != nil {
		return db.Classify(fmt.Errorf("failed to write event: %w", err))
	}

	return nil
}

// New builds an event with a JSON payload. A nil payload stores NULL.
func New(runID, planKey, eventType, personID string, payload any) (*domain.Event, error) {
	ev := &domain.Event{
		RunID:     runID,
		PlanKey:   planKey,
		EventType: eventType,
		PersonID:  personID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		s := string(data)
		ev.Payload = &s
	}
	return ev, nil
}

// PlanDecided records the canonical choice of a plan
func PlanDecided(runID string, plan domain.MergePlan) (*domain.Event, error) {
	return New(runID, plan.Key, TypePlanDecided, plan.CanonicalID, map[string]any{
		"confidence":    plan.Confidence,
		"signals":       plan.Signals,
		"losing_ids":    plan.LosingIDs,
		"reason":        plan.Reason,
		"field_updates": plan.FieldUpdates,
	})
}

// FieldAdopted records one adopted field value
func FieldAdopted(runID, planKey, canonicalID string, a domain.FieldAdoption) (*domain.Event, error) {
	return New(runID, planKey, TypeFieldAdopted, canonicalID, a)
}

// Effect records an applied effect under the event type matching its kind
func Effect(runID string, e domain.Effect) (*domain.Event, error) {
	var eventType string
	switch e.Kind {
	case domain.EffectUpdatePerson:
		eventType = TypePersonUpdated
	case domain.EffectRepoint:
		eventType = TypeRowsRepointed
	case domain.EffectDeleteDuplicate:
		eventType = TypeRowsDeletedDuplicate
	case domain.EffectDeletePerson:
		eventType = TypePersonDeleted
	default:
		return nil, fmt.Errorf("unknown effect kind %q", e.Kind)
	}
	return New(runID, e.PlanKey, eventType, e.PersonID, e)
}

// Progress is the resumability marker written after each applied effect
type Progress struct {
	PlanKey string `json:"plan_key"`
	Step    int    `json:"step"`
	Total   int    `json:"total"`
}

// Step records progress through a plan
func Step(runID, personID string, p Progress) (*domain.Event, error) {
	return New(runID, p.PlanKey, TypeMergeStep, personID, p)
}

// Failed records a plan that stopped part way
func Failed(runID string, f *domain.PartialMigrationFailure) (*domain.Event, error) {
	return New(runID, f.PlanKey, TypeMergeFailed, f.LosingID, map[string]any{
		"canonical_id": f.CanonicalID,
		"table":        f.Table,
		"step":         f.Step,
		"error":        f.Err.Error(),
	})
}

// Ambiguous records a weak group left for manual review
func Ambiguous(runID string, a *domain.MatchAmbiguity) (*domain.Event, error) {
	return New(runID, "", TypeGroupAmbiguous, "", map[string]any{
		"name": a.Name,
		"ids":  a.IDs,
	})
}

// Reader queries the audit log
type Reader struct {
	db *db.DB
}

// NewReader creates a new event reader
func NewReader(database *db.DB) *Reader {
	return &Reader{db: database}
}

// List returns the events of a run in write order. An empty runID lists all.
func (r *Reader) List(ctx context.Context, runID string) ([]domain.Event, error) {
	query := "SELECT id, run_id, plan_key, event_type, person_id, payload, created_at FROM merge_events"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.PlanKey, &ev.EventType, &ev.PersonID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			s := payload.String
			ev.Payload = &s
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(fmt.Errorf("error iterating events: %w", err))
	}
	return out, nil
}

// LastRunID returns the run id of the most recent event, or "" when the log is empty
func (r *Reader) LastRunID(ctx context.Context) (string, error) {
	var runID string
	err := r.db.QueryRowContext(ctx, "SELECT run_id FROM merge_events ORDER BY id DESC LIMIT 1").Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", db.Classify(fmt.Errorf("failed to read last run: %w", err))
	}
	return runID, nil
}

// LosingIDs collects the losing ids of every plan decided in a run, sorted
func (r *Reader) LosingIDs(ctx context.Context, runID string) ([]string, error) {
	losing, _, err := r.losingAndRetained(ctx, runID)
	return losing, err
}

// RetainedIDs collects the losing ids of plans that failed in a run, sorted
func (r *Reader) RetainedIDs(ctx context.Context, runID string) ([]string, error) {
	_, retained, err := r.losingAndRetained(ctx, runID)
	return retained, err
}

func (r *Reader) losingAndRetained(ctx context.Context, runID string) ([]string, []string, error) {
	evs, err := r.List(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	byPlan := make(map[string][]string)
	failed := make(map[string]bool)
	for _, ev := range evs {
		switch ev.EventType {
		case TypeMergeFailed:
			failed[ev.PlanKey] = true
		case TypePlanDecided:
			if ev.Payload == nil {
				continue
			}
			var payload struct {
				LosingIDs []string `json:"losing_ids"`
			}
			if err := json.Unmarshal([]byte(*ev.Payload), &payload); err != nil {
				return nil, nil, fmt.Errorf("event %d: invalid payload: %w", ev.ID, err)
			}
			byPlan[ev.PlanKey] = append(byPlan[ev.PlanKey], payload.LosingIDs...)
		}
	}

	losing := make(map[string]struct{})
	retained := make(map[string]struct{})
	for key, ids := range byPlan {
		for _, id := range ids {
			losing[id] = struct{}{}
			if failed[key] {
				retained[id] = struct{}{}
			}
		}
	}
	return sortedKeys(losing), sortedKeys(retained), nil
}

func sortedKeys(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
