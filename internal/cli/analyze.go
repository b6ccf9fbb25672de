package cli

import (
	"context"

	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/match"
	"github.com/lherron/clinicsync/internal/normalize"
	"github.com/lherron/clinicsync/internal/resolve"
)

// analysis is the read-only half of a run: scan, match, resolve
type analysis struct {
	Match match.Result
	Plans []domain.MergePlan
}

// analyze scans and matches every person; with plans it also resolves the
// strong groups. opts override the configured worker count.
func analyze(ctx context.Context, app *appctx.App, withPlans bool, opts ...resolve.Option) (*analysis, error) {
	if err := app.Store.Ping(ctx); err != nil {
		return nil, err
	}

	var persons []domain.Person
	failures := 0
	_, err := app.Store.Persons.ScanAll(ctx, app.Config.PageSize, func(p domain.Person) error {
		if _, errs := normalize.Person(p); len(errs) > 0 {
			failures += len(errs)
			for _, e := range errs {
				app.Logger.Debug("normalization failed", zap.String("person", p.ID), zap.Error(e))
			}
		}
		persons = append(persons, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := match.New(app.Classifier, app.Logger).Match(persons)
	app.Logger.Info("scan complete",
		zap.Int("persons", result.Scanned),
		zap.Int("strong_groups", len(result.Strong)),
		zap.Int("weak_groups", len(result.Weak)),
		zap.Int("normalization_failures", failures))

	a := &analysis{Match: result}
	if !withPlans {
		return a, nil
	}

	opts = append([]resolve.Option{resolve.WithJobs(app.Config.Jobs)}, opts...)
	plans, err := resolve.New(app.Classifier, app.Logger, opts...).ResolveAll(ctx, result.Strong)
	if err != nil {
		return nil, err
	}
	a.Plans = plans
	return a, nil
}
