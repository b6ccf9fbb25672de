// Package notify posts a JSON summary of a merge run to configured endpoints.
// Delivery failures are reported to the caller but never change the run
// outcome.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/bulk"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/migrate"
	"github.com/lherron/clinicsync/internal/verify"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
)

// Summary is the notification body
type Summary struct {
	RunID              string `json:"run_id"`
	Mode               string `json:"mode"`
	Plans              int    `json:"plans"`
	Effects            int    `json:"effects"`
	Migrated           int64  `json:"migrated"`
	DeletedAsDuplicate int64  `json:"deleted_as_duplicate"`
	PersonsDeleted     int    `json:"persons_deleted"`
	PersonsUpdated     int    `json:"persons_updated"`
	Ambiguous          int    `json:"ambiguous"`
	Errors             int    `json:"errors"`
	Defects            int    `json:"defects"`
	OK                 bool   `json:"ok"`
	FinishedAt         string `json:"finished_at"`
}

// NewSummary builds a Summary from a run report and its verification, which
// may be nil for dry runs.
func NewSummary(report *migrate.Report, check *verify.Report, finished time.Time) Summary {
	s := Summary{
		RunID:              report.RunID,
		Mode:               report.Mode,
		Plans:              report.Counts.Plans,
		Effects:            report.Counts.Effects,
		Migrated:           report.Counts.Migrated,
		DeletedAsDuplicate: report.Counts.DeletedAsDuplicate,
		PersonsDeleted:     report.Counts.PersonsDeleted,
		PersonsUpdated:     report.Counts.PersonsUpdated,
		Ambiguous:          len(report.Ambiguous),
		Errors:             report.Counts.Errors,
		FinishedAt:         finished.UTC().Format(time.RFC3339),
	}
	if check != nil {
		s.Defects = len(check.Defects)
	}
	s.OK = s.Errors == 0 && s.Defects == 0
	return s
}

// Notifier delivers run summaries
type Notifier struct {
	client  *resty.Client
	targets []string
	logger  *zap.Logger
}

// New creates a Notifier for a comma-separated list of URLs. Returns nil when
// no valid target remains, and a nil Notifier sends nothing.
func New(rawURLs string, logger *zap.Logger) *Notifier {
	logger = logging.Named(logger, "notify")
	targets := normalizeURLs(strings.Split(rawURLs, ","), logger)
	if len(targets) == 0 {
		return nil
	}
	client := resty.New().
		SetTimeout(defaultTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Notifier{client: client, targets: targets, logger: logger}
}

// Targets returns the normalized endpoint list
func (n *Notifier) Targets() []string {
	if n == nil {
		return nil
	}
	return n.targets
}

// Send posts the summary to every target. The returned error joins the
// first failure; the others are logged.
func (n *Notifier) Send(ctx context.Context, s Summary) error {
	if n == nil {
		return nil
	}
	op := bulk.Operation{Jobs: min(defaultConcurrency, len(n.targets)), ContinueOnError: true, Logger: n.logger}
	result := bulk.Run(ctx, op, n.targets, bulk.Strings, func(ctx context.Context, _ int, endpoint string) error {
		return n.post(ctx, applyTemplate(endpoint, s), s)
	})
	for _, e := range result.Errors {
		n.logger.Warn("notification failed", zap.String("url", e.Item), zap.Error(e.Error))
	}
	if result.Failed > 0 {
		return fmt.Errorf("notify %d of %d endpoint(s) failed: %w", result.Failed, result.TotalItems, result.FirstError())
	}
	n.logger.Info("run summary sent", zap.String("run_id", s.RunID), zap.Int("targets", len(n.targets)))
	return nil
}

func (n *Notifier) post(ctx context.Context, endpoint string, s Summary) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(s).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: status %d", endpoint, resp.StatusCode())
	}
	return nil
}

func normalizeURLs(urls []string, logger *zap.Logger) []string {
	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if !isValidURL(trimmed) {
			logger.Warn("skipping invalid notify url", zap.String("url", trimmed))
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func applyTemplate(raw string, s Summary) string {
	result := strings.ReplaceAll(raw, "{run_id}", url.PathEscape(s.RunID))
	return strings.ReplaceAll(result, "{mode}", s.Mode)
}

func isValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
