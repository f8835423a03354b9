// Package remediation cleans up contacts that were keyed by a LID-embedded
// number and then went quiet: it finds them, sorts them by what can be done
// with them and applies the operator's chosen action to each.
package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultSuffixDigits = 8

type Category string

const (
	// CategoryDuplicated contacts have a JID-form twin they can be unified with.
	CategoryDuplicated Category = "duplicated"
	// CategoryWithHistory contacts have no twin but own tickets or messages.
	CategoryWithHistory Category = "with_history"
	// CategoryOrphan contacts have no twin and no history.
	CategoryOrphan Category = "orphan"
)

// Categories lists every category in the order they are presented.
var Categories = []Category{CategoryDuplicated, CategoryWithHistory, CategoryOrphan}

type Action string

const (
	ActionUnify         Action = "unify"
	ActionCascadeDelete Action = "cascade-delete"
	ActionRetain        Action = "retain"
)

// AllowedActions returns the actions that make sense for a category.
func AllowedActions(category Category) []Action {
	if category == CategoryDuplicated {
		return []Action{ActionUnify, ActionCascadeDelete, ActionRetain}
	}
	return []Action{ActionCascadeDelete, ActionRetain}
}

type Store interface {
	Get(ctx context.Context, tenantID, id string) (*models.Contact, error)
	ListInactive(ctx context.Context, tenantID string, before time.Time) ([]models.Contact, error)
	LastTicketActivity(ctx context.Context, contactID string) (*time.Time, error)
	CountByContact(ctx context.Context, contactID string) (models.HistoryCounts, error)
	DeleteCascade(ctx context.Context, tenantID, contactID string) (models.HistoryCounts, error)
}

type LooseLocator interface {
	LocateLoose(ctx context.Context, tenantID string, contact models.Contact, suffixDigits int) (*locator.Candidates, error)
}

type Merger interface {
	Merge(ctx context.Context, canonical *models.Contact, duplicates []models.Contact) ([]models.MergeOutcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, tenantID string, action models.ContactAction, contact *models.Contact) error
	NotifyDeleted(ctx context.Context, tenantID, contactID string) error
}

// Item is one inactive LID-keyed contact and what was learned about it.
type Item struct {
	Contact      models.Contact
	Category     Category
	Match        *models.Contact
	History      models.HistoryCounts
	LastActivity *time.Time
}

type Categorized map[Category][]Item

func (c Categorized) Total() int {
	total := 0
	for _, items := range c {
		total += len(items)
	}
	return total
}

type Options struct {
	SuffixDigits int
	DryRun       bool
}

type Service struct {
	logger   ectologger.Logger
	store    Store
	locator  LooseLocator
	merger   Merger
	notifier Notifier
	options  Options
	now      func() time.Time
}

func NewService(logger ectologger.Logger, store Store, locator LooseLocator, merger Merger, options Options) *Service {
	if options.SuffixDigits <= 0 {
		options.SuffixDigits = DefaultSuffixDigits
	}
	return &Service{
		logger:  logger,
		store:   store,
		locator: locator,
		merger:  merger,
		options: options,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithNotifier(notifier Notifier) *Service {
	s.notifier = notifier
	return s
}

func (s *Service) DryRun() bool {
	return s.options.DryRun
}

// Categorize selects the tenant's LID-keyed contacts with no contact or ticket
// activity within inactiveFor and partitions them into disjoint categories.
func (s *Service) Categorize(ctx context.Context, tenantID string, inactiveFor time.Duration) (Categorized, error) {
	ctx, span := tracing.StartSpan(ctx, "remediation.Service.Categorize")
	defer span.End()

	cutoff := s.now().Add(-inactiveFor)
	contacts, err := s.store.ListInactive(ctx, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive contacts: %w", err)
	}

	categorized := make(Categorized)
	for _, contact := range contacts {
		if !identity.IsLIDKeyed(contact) {
			continue
		}

		last, err := s.store.LastTicketActivity(ctx, contact.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read ticket activity for %s: %w", contact.ID, err)
		}
		if last != nil && !last.Before(cutoff) {
			continue
		}

		item, err := s.categorize(ctx, tenantID, contact)
		if err != nil {
			return nil, err
		}
		item.LastActivity = last
		categorized[item.Category] = append(categorized[item.Category], item)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"cutoff":       cutoff,
		"inactive":     len(contacts),
		"duplicated":   len(categorized[CategoryDuplicated]),
		"with_history": len(categorized[CategoryWithHistory]),
		"orphan":       len(categorized[CategoryOrphan]),
	}).Info("Categorized inactive LID-keyed contacts")
	return categorized, nil
}

func (s *Service) categorize(ctx context.Context, tenantID string, contact models.Contact) (Item, error) {
	item := Item{Contact: contact}

	candidates, err := s.locator.LocateLoose(ctx, tenantID, contact, s.options.SuffixDigits)
	if err != nil {
		return item, fmt.Errorf("failed to locate duplicates for %s: %w", contact.ID, err)
	}
	for _, candidate := range candidates.All {
		if identity.IsLIDKeyed(candidate) {
			continue
		}
		match := candidate
		item.Match = &match
		item.Category = CategoryDuplicated
		return item, nil
	}

	counts, err := s.store.CountByContact(ctx, contact.ID)
	if err != nil {
		return item, fmt.Errorf("failed to count history for %s: %w", contact.ID, err)
	}
	item.History = counts
	if counts.Empty() {
		item.Category = CategoryOrphan
	} else {
		item.Category = CategoryWithHistory
	}
	return item, nil
}

type ItemStatus string

const (
	StatusDone     ItemStatus = "done"
	StatusFailed   ItemStatus = "failed"
	StatusRetained ItemStatus = "retained"
	StatusDryRun   ItemStatus = "dry_run"
)

// ItemResult is the report line for one contact.
type ItemResult struct {
	ContactID   string               `json:"contact_id"`
	Number      string               `json:"number"`
	Category    Category             `json:"category"`
	Action      Action               `json:"action"`
	Status      ItemStatus           `json:"status"`
	CanonicalID string               `json:"canonical_id,omitempty"`
	History     models.HistoryCounts `json:"history"`
	Error       string               `json:"error,omitempty"`
}

// Apply runs action on every item. A failing item is recorded and the rest continue.
func (s *Service) Apply(ctx context.Context, tenantID string, action Action, items []Item) []ItemResult {
	ctx, span := tracing.StartSpan(ctx, "remediation.Service.Apply")
	defer span.End()

	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		result := s.applyOne(ctx, tenantID, action, item)
		metrics.RemediationActionsTotal.WithLabelValues(string(action), string(result.Status)).Inc()
		results = append(results, result)
	}
	return results
}

func (s *Service) applyOne(ctx context.Context, tenantID string, action Action, item Item) (result ItemResult) {
	result = ItemResult{
		ContactID: item.Contact.ID,
		Number:    item.Contact.Number,
		Category:  item.Category,
		Action:    action,
		History:   item.History,
	}
	if item.Match != nil {
		result.CanonicalID = item.Match.ID
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  tenantID,
		"contact_id": item.Contact.ID,
		"category":   item.Category,
		"action":     action,
	})
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Remediation action panicked: %v", r)
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if action == ActionRetain {
		result.Status = StatusRetained
		return result
	}
	if s.options.DryRun {
		result.Status = StatusDryRun
		return result
	}

	var err error
	switch action {
	case ActionUnify:
		err = s.unify(ctx, tenantID, item, &result)
	case ActionCascadeDelete:
		err = s.cascadeDelete(ctx, tenantID, item, &result)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		log.WithError(err).Error("Remediation action failed")
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}

	log.Info("Remediation action applied")
	result.Status = StatusDone
	return result
}

// unify merges the LID-keyed contact into its JID-form twin so the real
// number survives and the LID moves onto it.
func (s *Service) unify(ctx context.Context, tenantID string, item Item, result *ItemResult) error {
	if item.Match == nil {
		return fmt.Errorf("contact %s has no JID-form duplicate to unify with", item.Contact.ID)
	}

	// an earlier item may already have unified into the same twin
	current, err := s.store.Get(ctx, tenantID, item.Match.ID)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", item.Match.ID, err)
	}
	canonical := *current
	outcomes, err := s.merger.Merge(ctx, &canonical, []models.Contact{item.Contact})
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		if outcome.Status != models.MergeStatusMerged {
			return fmt.Errorf("merge %s: %s", outcome.Status, outcome.Error)
		}
		result.History = models.HistoryCounts{
			Tickets:      outcome.MigratedTicketCount,
			Messages:     outcome.MigratedMessageCount,
			CustomFields: outcome.MigratedCustomFieldCount,
		}
	}

	s.notify(ctx, tenantID, func(n Notifier) error {
		if err := n.NotifyDeleted(ctx, tenantID, item.Contact.ID); err != nil {
			return err
		}
		return n.Notify(ctx, tenantID, models.ContactActionUpdate, &canonical)
	})
	return nil
}

func (s *Service) cascadeDelete(ctx context.Context, tenantID string, item Item, result *ItemResult) error {
	deleted, err := s.store.DeleteCascade(ctx, tenantID, item.Contact.ID)
	if err != nil {
		return err
	}
	result.History = deleted

	s.notify(ctx, tenantID, func(n Notifier) error {
		return n.NotifyDeleted(ctx, tenantID, item.Contact.ID)
	})
	return nil
}

func (s *Service) notify(ctx context.Context, tenantID string, fn func(Notifier) error) {
	if s.notifier == nil {
		return
	}
	if err := fn(s.notifier); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Warn("Failed to emit remediation notification")
	}
}
