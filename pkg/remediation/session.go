package remediation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
)

// Session drives one interactive remediation run over a tenant.
type Session struct {
	service  *Service
	prompter *Prompter
	out      io.Writer
	logger   ectologger.Logger
}

func NewSession(service *Service, prompter *Prompter, out io.Writer, logger ectologger.Logger) *Session {
	return &Session{
		service:  service,
		prompter: prompter,
		out:      out,
		logger:   logger,
	}
}

// Run categorizes the tenant and asks for an action per non-empty category.
// Cancelling retains everything not yet acted on.
func (s *Session) Run(ctx context.Context, tenantID string, inactiveFor time.Duration) (*Report, error) {
	categorized, err := s.service.Categorize(ctx, tenantID, inactiveFor)
	if err != nil {
		return nil, err
	}

	report := NewReport(tenantID, inactiveFor, s.service.DryRun(), categorized)
	s.printSummary(tenantID, categorized)

	for i, category := range Categories {
		items := categorized[category]
		if len(items) == 0 {
			continue
		}

		action, err := s.choose(category, len(items))
		if errors.Is(err, ErrCancelled) {
			report.Cancelled = true
			for _, remaining := range Categories[i:] {
				report.Add(s.service.Apply(ctx, tenantID, ActionRetain, categorized[remaining])...)
			}
			_, _ = fmt.Fprintln(s.out, "Cancelled.")
			break
		}
		if err != nil {
			return report, err
		}

		results := s.service.Apply(ctx, tenantID, action, items)
		report.Add(results...)
		s.printResults(category, action, results)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"dry_run":   report.DryRun,
		"cancelled": report.Cancelled,
		"items":     len(report.Items),
	}).Info("Remediation run finished")
	return report, nil
}

func (s *Session) choose(category Category, count int) (Action, error) {
	action, err := s.prompter.ChooseAction(category, count)
	if err != nil {
		return "", err
	}
	if s.service.DryRun() {
		return action, nil
	}
	confirmed, err := s.prompter.Confirm(action, count)
	if err != nil {
		return "", err
	}
	if !confirmed {
		return ActionRetain, nil
	}
	return action, nil
}

func (s *Session) printSummary(tenantID string, categorized Categorized) {
	_, _ = fmt.Fprintf(s.out, "Tenant %s: %d inactive LID-keyed contact(s)\n", tenantID, categorized.Total())
	for _, category := range Categories {
		_, _ = fmt.Fprintf(s.out, "  %-13s %d\n", category, len(categorized[category]))
	}
	if s.service.DryRun() {
		_, _ = fmt.Fprintln(s.out, "Dry run: nothing will be changed.")
	}
}

func (s *Session) printResults(category Category, action Action, results []ItemResult) {
	counts := make(map[ItemStatus]int)
	for _, result := range results {
		counts[result.Status]++
	}
	_, _ = fmt.Fprintf(s.out, "%s/%s: %d done, %d failed, %d retained, %d dry run\n",
		category, action, counts[StatusDone], counts[StatusFailed], counts[StatusRetained], counts[StatusDryRun])
}
