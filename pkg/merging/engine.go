// Package merging folds duplicate contacts into their canonical contact: owned
// history is re-pointed, the LID is carried over and the duplicate is removed.
package merging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrNoCanonical is returned when Merge is called without a stored canonical contact.
	ErrNoCanonical = errors.New("merge requires a canonical contact")

	// ErrUnitTimeout marks a merge unit that did not finish within Limits.UnitTimeout.
	ErrUnitTimeout = errors.New("merge unit timed out")
)

// HistoryStore moves owned history between contacts.
type HistoryStore interface {
	CountByContact(ctx context.Context, contactID string) (models.HistoryCounts, error)
	// Repoint moves every ticket, message and custom field still owned by
	// fromContactID to toContactID in one transaction and reports what moved.
	Repoint(ctx context.Context, fromContactID, toContactID string) (models.HistoryCounts, error)
}

type ContactStore interface {
	// Absorb deletes the duplicate and, when lid is non-nil, sets it on the
	// canonical contact, in one transaction.
	Absorb(ctx context.Context, tenantID, duplicateID, canonicalID string, lid *string) error
}

// DeferredSink receives duplicates that were over the immediate cap.
type DeferredSink interface {
	Defer(ctx context.Context, tenantID, canonicalID string, duplicateIDs []string) error
}

type Limits struct {
	ImmediateCap         int
	UnitTimeout          time.Duration
	TicketWarnThreshold  int
	MessageWarnThreshold int
}

func DefaultLimits() Limits {
	return Limits{
		ImmediateCap:         10,
		UnitTimeout:          20 * time.Second,
		TicketWarnThreshold:  100,
		MessageWarnThreshold: 1000,
	}
}

type Engine struct {
	logger   ectologger.Logger
	history  HistoryStore
	contacts ContactStore
	deferred DeferredSink
	limits   Limits
}

func NewEngine(logger ectologger.Logger, history HistoryStore, contacts ContactStore, limits Limits) *Engine {
	defaults := DefaultLimits()
	if limits.ImmediateCap <= 0 {
		limits.ImmediateCap = defaults.ImmediateCap
	}
	if limits.UnitTimeout <= 0 {
		limits.UnitTimeout = defaults.UnitTimeout
	}
	if limits.TicketWarnThreshold <= 0 {
		limits.TicketWarnThreshold = defaults.TicketWarnThreshold
	}
	if limits.MessageWarnThreshold <= 0 {
		limits.MessageWarnThreshold = defaults.MessageWarnThreshold
	}
	return &Engine{
		logger:   logger,
		history:  history,
		contacts: contacts,
		limits:   limits,
	}
}

// WithDeferredSink hands over-cap duplicates to sink for a later pass.
func (e *Engine) WithDeferredSink(sink DeferredSink) *Engine {
	e.deferred = sink
	return e
}

// Merge folds duplicates into canonical, oldest first, one duplicate at a time.
// A failed duplicate is reported and left in place; it never stops the others.
// canonical is updated in memory when it gains a LID.
func (e *Engine) Merge(ctx context.Context, canonical *models.Contact, duplicates []models.Contact) ([]models.MergeOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge")
	defer span.End()

	if canonical == nil || canonical.ID == "" {
		return nil, ErrNoCanonical
	}
	if len(duplicates) == 0 {
		return nil, nil
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    canonical.TenantID,
		"canonical_id": canonical.ID,
	})

	queue := newWorkQueue(duplicates, e.limits.ImmediateCap)
	outcomes := make([]models.MergeOutcome, 0, len(duplicates))

	pending := pendingLIDs(duplicates)
	for _, duplicate := range queue.immediate {
		if duplicate.LID != nil {
			pending[*duplicate.LID]--
		}
		outcome := e.mergeOne(ctx, canonical, duplicate, pending)
		metrics.MergeOutcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
		outcomes = append(outcomes, outcome)
	}

	if len(queue.deferred) > 0 {
		for _, duplicate := range queue.deferred {
			outcomes = append(outcomes, models.MergeOutcome{
				DuplicateID: duplicate.ID,
				Status:      models.MergeStatusDeferred,
			})
		}
		metrics.MergeOutcomesTotal.WithLabelValues(string(models.MergeStatusDeferred)).Add(float64(len(queue.deferred)))
		log.WithFields(map[string]any{
			"deferred_count": len(queue.deferred),
			"immediate_cap":  e.limits.ImmediateCap,
		}).Warn("Duplicate count over the immediate cap, remainder deferred")

		if e.deferred != nil {
			if err := e.deferred.Defer(ctx, canonical.TenantID, canonical.ID, queue.deferredIDs()); err != nil {
				log.WithError(err).Error("Failed to queue deferred duplicates")
			}
		}
	}

	counts := models.CountOutcomes(outcomes)
	log.WithFields(map[string]any{
		"merged":   counts[models.MergeStatusMerged],
		"failed":   counts[models.MergeStatusFailed],
		"skipped":  counts[models.MergeStatusSkipped],
		"deferred": counts[models.MergeStatusDeferred],
	}).Info("Merged duplicate contacts")

	return outcomes, nil
}

// pendingLIDs counts the explicit LIDs held by duplicates in this call. Deferred
// duplicates are never decremented; they keep their LID until a later pass.
func pendingLIDs(duplicates []models.Contact) map[string]int {
	pending := make(map[string]int)
	for _, d := range duplicates {
		if d.LID != nil {
			pending[*d.LID]++
		}
	}
	return pending
}

func (e *Engine) mergeOne(ctx context.Context, canonical *models.Contact, duplicate models.Contact, pending map[string]int) models.MergeOutcome {
	outcome := models.MergeOutcome{DuplicateID: duplicate.ID}
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    canonical.TenantID,
		"canonical_id": canonical.ID,
		"duplicate_id": duplicate.ID,
	})

	if duplicate.ID == canonical.ID || duplicate.TenantID != canonical.TenantID {
		log.WithField("duplicate_tenant_id", duplicate.TenantID).Warn("Skipping duplicate that cannot be merged into canonical")
		outcome.Status = models.MergeStatusSkipped
		return outcome
	}

	counts, err := e.history.CountByContact(ctx, duplicate.ID)
	if err != nil {
		return e.fail(log, outcome, fmt.Errorf("failed to count history: %w", err))
	}
	log = log.WithFields(map[string]any{
		"ticket_count":       counts.Tickets,
		"message_count":      counts.Messages,
		"custom_field_count": counts.CustomFields,
	})
	e.warnOnSize(log, counts)

	moved, err := e.runUnit(ctx, duplicate.ID, canonical.ID)
	if err != nil {
		return e.fail(log, outcome, err)
	}
	outcome.MigratedTicketCount = moved.Tickets
	outcome.MigratedMessageCount = moved.Messages
	outcome.MigratedCustomFieldCount = moved.CustomFields

	var lid *string
	if canonical.LID == nil {
		synthesized := identity.SynthesizeLID(duplicate.Number)
		switch {
		case duplicate.LID != nil:
			lid = duplicate.LID
		case pending[synthesized] > 0:
			// a later duplicate in this batch owns that LID and carries it over
		default:
			lid = &synthesized
		}
	}

	err = e.contacts.Absorb(ctx, canonical.TenantID, duplicate.ID, canonical.ID, lid)
	if err != nil && lid != nil && duplicate.LID == nil && errors.Is(err, database.ErrUniqueViolation) {
		// the synthesized LID belongs to a contact outside this call
		log.WithError(err).WithField("lid", *lid).Warn("Synthesized LID already taken, absorbing without it")
		lid = nil
		err = e.contacts.Absorb(ctx, canonical.TenantID, duplicate.ID, canonical.ID, nil)
	}
	if err != nil {
		return e.fail(log, outcome, fmt.Errorf("failed to absorb duplicate: %w", err))
	}
	if lid != nil {
		canonical.LID = lid
	}

	outcome.Status = models.MergeStatusMerged
	log.Debug("Merged duplicate contact")
	return outcome
}

// runUnit re-points the duplicate's history, bounded by UnitTimeout. On timeout
// the unit's context is cancelled so its transaction rolls back, and the
// goroutine is left to finish on its own.
func (e *Engine) runUnit(ctx context.Context, duplicateID, canonicalID string) (models.HistoryCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.runUnit")
	defer span.End()

	unitCtx, cancel := context.WithTimeout(ctx, e.limits.UnitTimeout)
	defer cancel()

	type unitResult struct {
		moved models.HistoryCounts
		err   error
	}
	done := make(chan unitResult, 1)

	start := time.Now()
	go func() {
		moved, err := e.history.Repoint(unitCtx, duplicateID, canonicalID)
		done <- unitResult{moved: moved, err: err}
	}()

	var res unitResult
	select {
	case res = <-done:
	case <-unitCtx.Done():
		res.err = unitCtx.Err()
	}
	metrics.MergeUnitDuration.Observe(time.Since(start).Seconds())

	if res.err == nil {
		return res.moved, nil
	}
	if errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
		return models.HistoryCounts{}, fmt.Errorf("%w after %s", ErrUnitTimeout, e.limits.UnitTimeout)
	}
	return models.HistoryCounts{}, fmt.Errorf("failed to re-point history: %w", res.err)
}

func (e *Engine) warnOnSize(log ectologger.Logger, counts models.HistoryCounts) {
	if counts.Tickets > e.limits.TicketWarnThreshold {
		metrics.MergeSizeWarningsTotal.WithLabelValues("tickets").Inc()
		log.Warnf("Duplicate owns more than %d tickets", e.limits.TicketWarnThreshold)
	}
	if counts.Messages > e.limits.MessageWarnThreshold {
		metrics.MergeSizeWarningsTotal.WithLabelValues("messages").Inc()
		log.Warnf("Duplicate owns more than %d messages", e.limits.MessageWarnThreshold)
	}
}

func (e *Engine) fail(log ectologger.Logger, outcome models.MergeOutcome, err error) models.MergeOutcome {
	log.WithError(err).Error("Failed to merge duplicate contact")
	outcome.Status = models.MergeStatusFailed
	outcome.Error = err.Error()
	return outcome
}
