// Package resolve picks the canonical record of each strong duplicate group
// and computes the field-level MergePlan. It performs no I/O: the same input
// snapshot always yields byte-identical plans.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/bulk"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/id"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/normalize"
)

// Adoption rules recorded on each FieldAdoption
const (
	RuleFillEmpty = "fill-empty"
	RuleNewerWins = "newer-wins"
	RuleNormalize = "normalize"
)

// Resolver turns duplicate groups into merge plans
type Resolver struct {
	classifier *id.Classifier
	logger     *zap.Logger
	jobs       int
	progress   bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithJobs sets the number of groups resolved in parallel (0 = NumCPU)
func WithJobs(n int) Option {
	return func(r *Resolver) { r.jobs = n }
}

// WithProgress draws a progress bar on stderr while ResolveAll runs, when
// stderr is a terminal
func WithProgress(show bool) Option {
	return func(r *Resolver) { r.progress = show }
}

// New creates a Resolver. A nil classifier uses the default placeholder pattern.
func New(classifier *id.Classifier, logger *zap.Logger, opts ...Option) *Resolver {
	if classifier == nil {
		classifier = id.MustClassifier("")
	}
	r := &Resolver{
		classifier: classifier,
		logger:     logging.Named(logger, "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// rank orders candidates for canonical selection: authoritative ids first,
// then placeholder ids holding a verified phone, then bare placeholders.
func (r *Resolver) rank(p domain.Person) int {
	switch {
	case !r.classifier.IsPlaceholder(p.ID):
		return 0
	case hasPhoneKey(p):
		return 1
	default:
		return 2
	}
}

// SelectCanonical orders members by precedence and splits off the winner.
// Precedence: authoritative id over placeholder (a verified phone breaks ties
// between placeholders), then earliest created_at, then lowest id.
func (r *Resolver) SelectCanonical(members []domain.Person) (domain.Person, []domain.Person, string) {
	ordered := make([]domain.Person, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := r.rank(ordered[i]), r.rank(ordered[j])
		if ri != rj {
			return ri < rj
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	winner, runnerUp := ordered[0], ordered[1]
	var reason string
	switch {
	case r.rank(winner) < r.rank(runnerUp) && r.rank(winner) == 0:
		reason = "authoritative id"
	case r.rank(winner) < r.rank(runnerUp):
		reason = "verified phone"
	case winner.CreatedAt.Before(runnerUp.CreatedAt):
		reason = "earliest created_at"
	default:
		reason = "lowest id"
	}
	return winner, ordered[1:], reason
}

// Resolve computes the MergePlan of one strong group. Weak groups are
// rejected with a MatchAmbiguity.
func (r *Resolver) Resolve(g domain.Group) (domain.MergePlan, error) {
	if g.Confidence != domain.ConfidenceStrong {
		name := ""
		if len(g.Members) > 0 {
			name = normalize.Name(g.Members[0].Name)
		}
		return domain.MergePlan{}, &domain.MatchAmbiguity{Name: name, IDs: g.IDs()}
	}
	if len(g.Members) < 2 {
		return domain.MergePlan{}, fmt.Errorf("group needs at least 2 members, got %d", len(g.Members))
	}

	canonical, losing, reason := r.SelectCanonical(g.Members)

	plan := domain.MergePlan{
		Confidence:   g.Confidence,
		Signals:      append([]domain.Signal(nil), g.Signals...),
		CanonicalID:  canonical.ID,
		FieldUpdates: map[string]string{},
		Reason:       reason,
	}
	for _, l := range losing {
		plan.LosingIDs = append(plan.LosingIDs, l.ID)
	}
	sort.Strings(plan.LosingIDs)

	// visit losers oldest first so a later update can override an earlier one
	byUpdated := make([]domain.Person, len(losing))
	copy(byUpdated, losing)
	sort.SliceStable(byUpdated, func(i, j int) bool {
		if !byUpdated[i].UpdatedAt.Equal(byUpdated[j].UpdatedAt) {
			return byUpdated[i].UpdatedAt.Before(byUpdated[j].UpdatedAt)
		}
		return byUpdated[i].ID < byUpdated[j].ID
	})

	normCanonical, _ := normalize.Person(canonical)
	normLosing := make([]domain.Person, len(byUpdated))
	for i, l := range byUpdated {
		normLosing[i], _ = normalize.Person(l)
	}

	for _, field := range fieldUnion(g.Members) {
		current, _ := normCanonical.Field(field)
		from := canonical.ID
		fromUpdated := canonical.UpdatedAt
		rule := ""

		for _, l := range normLosing {
			v, _ := l.Field(field)
			if v == "" || v == current {
				continue
			}
			if current == "" {
				current, from, fromUpdated, rule = v, l.ID, l.UpdatedAt, RuleFillEmpty
				continue
			}
			if l.UpdatedAt.After(fromUpdated) {
				current, from, fromUpdated, rule = v, l.ID, l.UpdatedAt, RuleNewerWins
			}
		}

		stored, _ := canonical.Field(field)
		if current == stored {
			continue
		}
		if rule == "" {
			rule = RuleNormalize
		}
		plan.FieldUpdates[field] = current
		plan.Adoptions = append(plan.Adoptions, domain.FieldAdoption{
			Field: field,
			From:  from,
			Old:   stored,
			New:   current,
			Rule:  rule,
		})
	}

	plan.Key = plan.ComputeKey()
	return plan, nil
}

// ResolveAll resolves every strong group, fanning out over the bulk worker
// pool. Weak groups are skipped. Plans come back sorted by canonical id.
// Cancelling ctx stops groups not yet started and returns ctx.Err().
func (r *Resolver) ResolveAll(ctx context.Context, groups []domain.Group) ([]domain.MergePlan, error) {
	var strong []domain.Group
	for _, g := range groups {
		if g.Confidence == domain.ConfidenceStrong {
			strong = append(strong, g)
		}
	}

	plans := make([]domain.MergePlan, len(strong))
	op := bulk.Operation{
		Jobs:            r.jobs,
		ContinueOnError: true,
		ShowProgress:    r.progress,
		Title:           "Resolving groups",
		Logger:          r.logger,
	}
	started := time.Now()
	result := bulk.Run(ctx, op, strong, groupLabel, func(_ context.Context, i int, g domain.Group) error {
		plan, err := r.Resolve(g)
		if err != nil {
			return err
		}
		plans[i] = plan
		return nil
	})
	if err := result.FirstError(); err != nil {
		return nil, fmt.Errorf("failed to resolve %d group(s): %w", result.Failed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(plans, func(i, j int) bool { return plans[i].CanonicalID < plans[j].CanonicalID })

	r.logger.Debug("resolve complete",
		zap.Int("plans", len(plans)),
		zap.Int("skipped_weak", len(groups)-len(strong)),
		zap.Duration("elapsed", time.Since(started)))
	return plans, nil
}

func hasPhoneKey(p domain.Person) bool {
	key, _ := normalize.PhoneKey(p.Phone)
	return key != ""
}

func groupLabel(g domain.Group) string {
	return "group[" + strings.Join(g.IDs(), ",") + "]"
}

func fieldUnion(members []domain.Person) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range members {
		for _, name := range m.FieldNames() {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	// core fields keep their order; extra keys follow sorted
	core := len(domain.CoreFields)
	extras := names[core:]
	sort.Strings(extras)
	return names
}
