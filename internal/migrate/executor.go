// Package migrate applies merge plans to the store: it repoints dependent
// rows from losing records to the canonical one, drops rows that would
// collide on a unique key, updates the canonical fields, and deletes the
// losing records.
//
// Every effect is computed against the current store state, so an
// interrupted run is resumed by simply running it again.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/events"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/store"
)

// Mode names
const (
	ModeDryRun  = "dry-run"
	ModeExecute = "execute"
)

// Executor computes and applies merge effects
type Executor struct {
	store    *store.Store
	writer   *events.Writer
	logger   *zap.Logger
	execute  bool
	runID    string
	lockPath string
	now      func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithExecute switches from dry-run to applying effects
func WithExecute(execute bool) Option {
	return func(e *Executor) { e.execute = execute }
}

// WithRunID fixes the run id written to the audit log
func WithRunID(runID string) Option {
	return func(e *Executor) { e.runID = runID }
}

// WithLockPath sets the file locked for the duration of an execute run
func WithLockPath(path string) Option {
	return func(e *Executor) { e.lockPath = path }
}

// WithClock overrides the time source used for updated_at
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor. It defaults to dry-run.
func New(s *store.Store, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  s,
		writer: events.NewWriter(s.DB()),
		logger: logging.Named(logger, "executor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	return e
}

// RunID returns the audit run id
func (e *Executor) RunID() string {
	return e.runID
}

// Mode returns ModeDryRun or ModeExecute
func (e *Executor) Mode() string {
	if e.execute {
		return ModeExecute
	}
	return ModeDryRun
}

// PlanResult is the outcome of one plan
type PlanResult struct {
	Plan               domain.MergePlan              `json:"plan" yaml:"plan"`
	Effects            []domain.Effect               `json:"effects" yaml:"effects"`
	Violations         []*domain.ConstraintViolation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Applied            int                           `json:"applied" yaml:"applied"`
	Migrated           int64                         `json:"migrated" yaml:"migrated"`
	DeletedAsDuplicate int64                         `json:"deleted_as_duplicate" yaml:"deleted_as_duplicate"`
	PersonsDeleted     int                           `json:"persons_deleted" yaml:"persons_deleted"`
	Error              string                        `json:"error,omitempty" yaml:"error,omitempty"`

	Failure *domain.PartialMigrationFailure `json:"-" yaml:"-"`
}

// Counts are the run totals printed after execute
type Counts struct {
	Plans              int   `json:"plans" yaml:"plans"`
	Effects            int   `json:"effects" yaml:"effects"`
	Migrated           int64 `json:"migrated" yaml:"migrated"`
	DeletedAsDuplicate int64 `json:"deleted_as_duplicate" yaml:"deleted_as_duplicate"`
	PersonsDeleted     int   `json:"persons_deleted" yaml:"persons_deleted"`
	PersonsUpdated     int   `json:"persons_updated" yaml:"persons_updated"`
	Errors             int   `json:"errors" yaml:"errors"`
}

// Report is the outcome of a run
type Report struct {
	RunID     string                   `json:"run_id" yaml:"run_id"`
	Mode      string                   `json:"mode" yaml:"mode"`
	Plans     []PlanResult             `json:"plans" yaml:"plans"`
	Ambiguous []*domain.MatchAmbiguity `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
	Counts    Counts                   `json:"counts" yaml:"counts"`
}

// LosingIDs returns every losing id across the run's plans, sorted
func (r *Report) LosingIDs() []string {
	var ids []string
	for _, p := range r.Plans {
		ids = append(ids, p.Plan.LosingIDs...)
	}
	sort.Strings(ids)
	return ids
}

// RetainedIDs returns the losing ids of failed plans, which are expected to
// survive the run
func (r *Report) RetainedIDs() []string {
	var ids []string
	for _, p := range r.Plans {
		if p.Failure != nil {
			ids = append(ids, p.Plan.LosingIDs...)
		}
	}
	sort.Strings(ids)
	return ids
}

// PlansOnly returns the merge plans of the run in order
func (r *Report) PlansOnly() []domain.MergePlan {
	out := make([]domain.MergePlan, len(r.Plans))
	for i, p := range r.Plans {
		out[i] = p.Plan
	}
	return out
}

// Failures returns the plans that stopped part way
func (r *Report) Failures() []*domain.PartialMigrationFailure {
	var out []*domain.PartialMigrationFailure
	for _, p := range r.Plans {
		if p.Failure != nil {
			out = append(out, p.Failure)
		}
	}
	return out
}

// Effects computes the ordered effect list of a plan against the current
// store: update-person first, then for each losing id still present its
// table effects in table order followed by its delete-person. It also
// returns the unique-key collisions behind each delete-duplicate effect.
func (e *Executor) Effects(ctx context.Context, plan domain.MergePlan) ([]domain.Effect, []*domain.ConstraintViolation, error) {
	canonical, err := e.store.Persons.Get(ctx, plan.CanonicalID)
	if err != nil {
		return nil, nil, fmt.Errorf("plan %s: canonical %s: %w", plan.Key, plan.CanonicalID, err)
	}

	var effects []domain.Effect
	var violations []*domain.ConstraintViolation

	if diff := changedFields(canonical, plan.FieldUpdates); len(diff) > 0 {
		effects = append(effects, domain.Effect{
			Kind:        domain.EffectUpdatePerson,
			PlanKey:     plan.Key,
			CanonicalID: plan.CanonicalID,
			PersonID:    plan.CanonicalID,
			Fields:      diff,
		})
	}

	tables := e.store.Dependents.Tables()

	// unique keys the canonical person holds, or will hold once earlier
	// losing ids are repointed
	held := make([]map[string]struct{}, len(tables))
	for i, t := range tables {
		if len(t.UniqueKeys) == 0 {
			continue
		}
		rows, err := e.store.Dependents.RowsFor(ctx, t, plan.CanonicalID)
		if err != nil {
			return nil, nil, err
		}
		held[i] = make(map[string]struct{}, len(rows))
		for _, r := range rows {
			if r.Collides() {
				held[i][r.KeyString()] = struct{}{}
			}
		}
	}

	losing := append([]string(nil), plan.LosingIDs...)
	sort.Strings(losing)

	for _, losingID := range losing {
		exists, err := e.store.Persons.Exists(ctx, losingID)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			continue
		}

		for i, t := range tables {
			rows, err := e.store.Dependents.RowsFor(ctx, t, losingID)
			if err != nil {
				return nil, nil, err
			}
			var move, drop []string
			for _, r := range rows {
				if held[i] != nil && r.Collides() {
					key := r.KeyString()
					if _, dup := held[i][key]; dup {
						drop = append(drop, r.ID)
						continue
					}
					held[i][key] = struct{}{}
				}
				move = append(move, r.ID)
			}
			if len(move) > 0 {
				effects = append(effects, domain.Effect{
					Kind:        domain.EffectRepoint,
					PlanKey:     plan.Key,
					CanonicalID: plan.CanonicalID,
					PersonID:    losingID,
					Table:       t.Name,
					RowIDs:      move,
				})
			}
			if len(drop) > 0 {
				effects = append(effects, domain.Effect{
					Kind:        domain.EffectDeleteDuplicate,
					PlanKey:     plan.Key,
					CanonicalID: plan.CanonicalID,
					PersonID:    losingID,
					Table:       t.Name,
					RowIDs:      drop,
				})
				violations = append(violations, &domain.ConstraintViolation{
					Table:       t.Name,
					LosingID:    losingID,
					CanonicalID: plan.CanonicalID,
					RowIDs:      drop,
				})
			}
		}

		effects = append(effects, domain.Effect{
			Kind:        domain.EffectDeletePerson,
			PlanKey:     plan.Key,
			CanonicalID: plan.CanonicalID,
			PersonID:    losingID,
		})
	}

	return effects, violations, nil
}

func changedFields(canonical domain.Person, updates map[string]string) map[string]string {
	var diff map[string]string
	for name, value := range updates {
		if cur, ok := canonical.Field(name); ok && cur == value {
			continue
		}
		if diff == nil {
			diff = make(map[string]string)
		}
		diff[name] = value
	}
	return diff
}

// Apply computes the effects of one plan and, in execute mode, applies them
// in order. A failing effect stops the plan and is reported in the result as
// a PartialMigrationFailure; only store-unavailable errors are returned.
func (e *Executor) Apply(ctx context.Context, plan domain.MergePlan) (PlanResult, error) {
	result := PlanResult{Plan: plan}
	log := e.logger.With(zap.String("plan", plan.Key), zap.String("canonical", plan.CanonicalID), zap.String("mode", e.Mode()))

	effects, violations, err := e.Effects(ctx, plan)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return result, err
		}
		return e.fail(ctx, result, log, &domain.PartialMigrationFailure{PlanKey: plan.Key, CanonicalID: plan.CanonicalID, Err: err}), nil
	}
	result.Effects = effects
	result.Violations = violations

	log.Info("plan decided",
		zap.Strings("losing", plan.LosingIDs),
		zap.String("reason", plan.Reason),
		zap.Int("field_updates", len(plan.FieldUpdates)),
		zap.Int("effects", len(effects)))
	for _, a := range plan.Adoptions {
		log.Debug("field adopted", zap.String("field", a.Field), zap.String("from", a.From), zap.String("rule", a.Rule))
	}

	if !e.execute || len(effects) == 0 {
		for _, eff := range effects {
			log.Info("effect planned", effectFields(eff)...)
		}
		return result, nil
	}

	if err := e.logDecision(ctx, plan); err != nil {
		return result, err
	}

	for i, eff := range effects {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, collided, err := e.applyEffect(ctx, eff, events.Progress{PlanKey: plan.Key, Step: i + 1, Total: len(effects)})
		if err != nil {
			if db.IsUnavailable(err) || errors.Is(err, domain.ErrStoreUnavailable) {
				return result, db.Classify(err)
			}
			return e.fail(ctx, result, log, &domain.PartialMigrationFailure{
				PlanKey:     plan.Key,
				CanonicalID: plan.CanonicalID,
				LosingID:    eff.PersonID,
				Table:       eff.Table,
				Step:        i + 1,
				Err:         err,
			}), nil
		}

		result.Applied++
		if len(collided) > 0 {
			cv := &domain.ConstraintViolation{
				Table:       eff.Table,
				LosingID:    eff.PersonID,
				CanonicalID: plan.CanonicalID,
				RowIDs:      collided,
			}
			result.Violations = append(result.Violations, cv)
			result.DeletedAsDuplicate += int64(len(collided))
			log.Warn("unique key rejected repoint, rows deleted as duplicate",
				zap.String("table", cv.Table), zap.String("losing", cv.LosingID), zap.Strings("rows", collided))
		}
		switch eff.Kind {
		case domain.EffectRepoint:
			result.Migrated += n
		case domain.EffectDeleteDuplicate:
			result.DeletedAsDuplicate += n
		case domain.EffectDeletePerson:
			result.PersonsDeleted += int(n)
		}
		log.Info("effect applied", append(effectFields(eff), zap.Int64("rows", n), zap.Int("step", i+1))...)
	}

	return result, nil
}

func (e *Executor) logDecision(ctx context.Context, plan domain.MergePlan) error {
	ev, err := events.PlanDecided(e.runID, plan)
	if err != nil {
		return err
	}
	if err := e.writer.LogEvent(ctx, nil, ev); err != nil {
		return err
	}
	for _, a := range plan.Adoptions {
		ev, err := events.FieldAdopted(e.runID, plan.Key, plan.CanonicalID, a)
		if err != nil {
			return err
		}
		if err := e.writer.LogEvent(ctx, nil, ev); err != nil {
			return err
		}
	}
	return nil
}

// applyEffect performs one effect together with its audit and progress
// events. It returns the number of rows touched and, for a repoint, the rows
// a unique index forced it to delete.
func (e *Executor) applyEffect(ctx context.Context, eff domain.Effect, progress events.Progress) (int64, []string, error) {
	effEv, err := events.Effect(e.runID, eff)
	if err != nil {
		return 0, nil, err
	}
	stepEv, err := events.Step(e.runID, eff.PersonID, progress)
	if err != nil {
		return 0, nil, err
	}

	switch eff.Kind {
	case domain.EffectUpdatePerson:
		found, err := e.store.Persons.UpdateFields(ctx, eff.PersonID, eff.Fields, e.now(), effEv, stepEv)
		if err != nil {
			return 0, nil, err
		}
		if !found {
			return 0, nil, fmt.Errorf("canonical %s: %w", eff.PersonID, domain.ErrNotFound)
		}
		return 1, nil, nil

	case domain.EffectRepoint:
		table, err := e.table(eff.Table)
		if err != nil {
			return 0, nil, err
		}
		onCollision := func(rowIDs []string) (*domain.Event, error) {
			dup := eff
			dup.Kind = domain.EffectDeleteDuplicate
			dup.RowIDs = rowIDs
			return events.Effect(e.runID, dup)
		}
		res, err := e.store.Dependents.Repoint(ctx, table, eff.PersonID, eff.CanonicalID, eff.RowIDs, onCollision, effEv, stepEv)
		return res.Moved, res.Collided, err

	case domain.EffectDeleteDuplicate:
		table, err := e.table(eff.Table)
		if err != nil {
			return 0, nil, err
		}
		n, err := e.store.Dependents.DeleteRows(ctx, table, eff.PersonID, eff.RowIDs, effEv, stepEv)
		return n, nil, err

	case domain.EffectDeletePerson:
		deleted, err := e.store.Persons.Delete(ctx, eff.PersonID, effEv, stepEv)
		if err != nil {
			return 0, nil, err
		}
		if deleted {
			return 1, nil, nil
		}
		return 0, nil, nil
	}
	return 0, nil, fmt.Errorf("unknown effect kind %q", eff.Kind)
}

func (e *Executor) table(name string) (domain.DependentTable, error) {
	for _, t := range e.store.Dependents.Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return domain.DependentTable{}, fmt.Errorf("unknown dependent table %q", name)
}

func (e *Executor) fail(ctx context.Context, result PlanResult, log *zap.Logger, f *domain.PartialMigrationFailure) PlanResult {
	result.Failure = f
	result.Error = f.Error()
	log.Error("plan failed", zap.String("losing", f.LosingID), zap.String("table", f.Table), zap.Int("step", f.Step), zap.Error(f.Err))

	if e.execute {
		if ev, err := events.Failed(e.runID, f); err == nil {
			if err := e.writer.LogEvent(ctx, nil, ev); err != nil {
				log.Warn("failed to record plan failure", zap.Error(err))
			}
		}
	}
	return result
}

// Run processes plans in order. In execute mode it holds the run lock for
// its whole duration. A store-unavailable error aborts the run and is
// returned along with the partial report.
func (e *Executor) Run(ctx context.Context, plans []domain.MergePlan, ambiguous []*domain.MatchAmbiguity) (*Report, error) {
	report := &Report{RunID: e.runID, Mode: e.Mode(), Ambiguous: ambiguous}

	if e.execute {
		unlock, err := e.lock()
		if err != nil {
			return report, err
		}
		defer unlock()

		for _, a := range ambiguous {
			ev, err := events.Ambiguous(e.runID, a)
			if err != nil {
				return report, err
			}
			if err := e.writer.LogEvent(ctx, nil, ev); err != nil {
				return report, err
			}
		}
	}
	for _, a := range ambiguous {
		e.logger.Info("ambiguous group", zap.String("name", a.Name), zap.Strings("ids", a.IDs))
	}

	for _, plan := range plans {
		res, err := e.Apply(ctx, plan)
		report.Plans = append(report.Plans, res)
		report.Counts.add(res)
		if err != nil {
			e.logger.Error("run aborted", zap.String("plan", plan.Key), zap.Error(err))
			return report, err
		}
	}

	e.logger.Info("run complete",
		zap.String("run_id", e.runID),
		zap.String("mode", e.Mode()),
		zap.Int("plans", report.Counts.Plans),
		zap.Int64("migrated", report.Counts.Migrated),
		zap.Int64("deleted_as_duplicate", report.Counts.DeletedAsDuplicate),
		zap.Int("errors", report.Counts.Errors))
	return report, nil
}

func (c *Counts) add(r PlanResult) {
	c.Plans++
	c.Effects += len(r.Effects)
	c.Migrated += r.Migrated
	c.DeletedAsDuplicate += r.DeletedAsDuplicate
	c.PersonsDeleted += r.PersonsDeleted
	for _, eff := range r.Effects[:min(r.Applied, len(r.Effects))] {
		if eff.Kind == domain.EffectUpdatePerson {
			c.PersonsUpdated++
		}
	}
	if r.Failure != nil {
		c.Errors++
	}
}

func (e *Executor) lock() (func(), error) {
	if e.lockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(e.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(e.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another merge run holds %s", e.lockPath)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("failed to release run lock", zap.Error(err))
		}
	}, nil
}

func effectFields(eff domain.Effect) []zap.Field {
	fields := []zap.Field{
		zap.String("kind", string(eff.Kind)),
		zap.String("person", eff.PersonID),
	}
	if eff.Table != "" {
		fields = append(fields, zap.String("table", eff.Table), zap.Int("rows", len(eff.RowIDs)))
	}
	if len(eff.Fields) > 0 {
		fields = append(fields, zap.Any("fields", eff.Fields))
	}
	return fields
}
