// Package verify checks the store after a merge run. Defects are reported,
// never corrected.
package verify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/match"
	"github.com/lherron/clinicsync/internal/store"
)

// Defect kinds
const (
	DefectSurvivingGroup   = "surviving-group"
	DefectDanglingRows     = "dangling-rows"
	DefectLosingRecordLeft = "losing-record-present"
)

// Defect is one problem found after a run
type Defect struct {
	Kind      string   `json:"kind" yaml:"kind"`
	Table     string   `json:"table,omitempty" yaml:"table,omitempty"`
	PersonIDs []string `json:"person_ids" yaml:"person_ids"`
	Count     int      `json:"count,omitempty" yaml:"count,omitempty"`
}

func (d Defect) String() string {
	switch d.Kind {
	case DefectDanglingRows:
		return fmt.Sprintf("%s: %d row(s) in %s still reference merged records", d.Kind, d.Count, d.Table)
	default:
		return fmt.Sprintf("%s: %v", d.Kind, d.PersonIDs)
	}
}

// Report is the result of a verification pass
type Report struct {
	Scanned  int      `json:"scanned" yaml:"scanned"`
	Checked  []string `json:"checked_losing_ids" yaml:"checked_losing_ids"`
	Retained []string `json:"retained_losing_ids,omitempty" yaml:"retained_losing_ids,omitempty"`
	Defects  []Defect `json:"defects" yaml:"defects"`
}

// OK reports whether no defects were found
func (r *Report) OK() bool {
	return len(r.Defects) == 0
}

// Reporter runs post-merge checks
type Reporter struct {
	store    *store.Store
	matcher  *match.Matcher
	logger   *zap.Logger
	pageSize int
}

// New creates a Reporter
func New(s *store.Store, m *match.Matcher, logger *zap.Logger, pageSize int) *Reporter {
	if m == nil {
		m = match.New(nil, logger)
	}
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Reporter{store: s, matcher: m, logger: logging.Named(logger, "verify"), pageSize: pageSize}
}

// Verify rescans persons and re-runs strong matching; each surviving strong
// group is a defect. Dependent rows still pointing at a losing id, and losing
// records still present, are defects too. Ids in retained belong to failed
// plans and are expected to remain, so they are only listed.
func (r *Reporter) Verify(ctx context.Context, losingIDs, retained []string) (*Report, error) {
	report := &Report{Defects: []Defect{}}

	persons, err := r.store.Persons.All(ctx, r.pageSize)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(persons)

	for _, g := range r.matcher.Match(persons).Strong {
		report.Defects = append(report.Defects, Defect{Kind: DefectSurvivingGroup, PersonIDs: g.IDs()})
	}

	skip := make(map[string]struct{}, len(retained))
	for _, id := range retained {
		skip[id] = struct{}{}
	}
	var checked []string
	for _, id := range dedupe(losingIDs) {
		if _, ok := skip[id]; ok {
			report.Retained = append(report.Retained, id)
			continue
		}
		checked = append(checked, id)
	}
	report.Checked = checked

	if len(checked) > 0 {
		for _, t := range r.store.Dependents.Tables() {
			n, err := r.store.Dependents.CountReferencing(ctx, t, checked)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				report.Defects = append(report.Defects, Defect{Kind: DefectDanglingRows, Table: t.Name, PersonIDs: checked, Count: n})
			}
		}

		present, err := r.store.Persons.ExistingIDs(ctx, checked)
		if err != nil {
			return nil, err
		}
		if len(present) > 0 {
			report.Defects = append(report.Defects, Defect{Kind: DefectLosingRecordLeft, PersonIDs: present})
		}
	}

	for _, d := range report.Defects {
		r.logger.Warn("verification defect", zap.String("defect", d.String()))
	}
	r.logger.Info("verification complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("checked", len(report.Checked)),
		zap.Int("defects", len(report.Defects)))
	return report, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
