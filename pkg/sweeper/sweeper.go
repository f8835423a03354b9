// Package sweeper finishes merges that were deferred because a canonical
// contact had more duplicates than the immediate cap allows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 20
)

// ErrAlreadyRunning is returned by Run when a sweep loop is already active.
var ErrAlreadyRunning = errors.New("sweeper already running")

type Queue interface {
	Pop(ctx context.Context, count int) ([]redis.DeferredMerge, error)
	Requeue(ctx context.Context, entries ...redis.DeferredMerge) error
}

type ContactReader interface {
	Get(ctx context.Context, tenantID, id string) (*models.Contact, error)
}

type CandidateLocator interface {
	Locate(ctx context.Context, tenantID string, keys identity.Keys) (*locator.Candidates, error)
}

type Merger interface {
	Merge(ctx context.Context, canonical *models.Contact, duplicates []models.Contact) ([]models.MergeOutcome, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Result tallies one sweep cycle.
type Result struct {
	Popped   int
	Merged   int
	Dropped  int
	Requeued int
	Failed   int
}

type Sweeper struct {
	queue    Queue
	contacts ContactReader
	locator  CandidateLocator
	merger   Merger
	config   Config
	logger   ectologger.Logger

	mu      sync.Mutex
	running bool
}

func NewSweeper(queue Queue, contacts ContactReader, locator CandidateLocator, merger Merger, config Config, logger ectologger.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		queue:    queue,
		contacts: contacts,
		locator:  locator,
		merger:   merger,
		config:   config,
		logger:   logger,
	}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.WithContext(ctx).Infof("Starting deferred merge sweeper: interval=%s batch_size=%d",
		s.config.Interval, s.config.BatchSize)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Deferred merge sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of deferred merges.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	ctx, span := tracing.StartSpan(ctx, "sweeper.Sweeper.Sweep")
	defer span.End()
	ctx = appctx.SetSource(ctx, "sweeper")

	var result Result
	entries, err := s.queue.Pop(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to pop deferred merges")
		return result
	}
	result.Popped = len(entries)

	for _, entry := range entries {
		switch s.sweepOne(ctx, entry) {
		case statusMerged:
			result.Merged++
		case statusDropped:
			result.Dropped++
		case statusRequeued:
			result.Requeued++
		default:
			result.Failed++
		}
	}

	if result.Popped > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"popped":   result.Popped,
			"merged":   result.Merged,
			"dropped":  result.Dropped,
			"requeued": result.Requeued,
			"failed":   result.Failed,
		}).Info("Swept deferred merges")
	}
	return result
}

const (
	statusMerged   = "merged"
	statusDropped  = "dropped"
	statusRequeued = "requeued"
	statusFailed   = "failed"
)

func (s *Sweeper) sweepOne(ctx context.Context, entry redis.DeferredMerge) (status string) {
	ctx = appctx.SetTenantID(ctx, entry.TenantID)
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    entry.TenantID,
		"canonical_id": entry.CanonicalID,
	})
	defer func() {
		metrics.DeferredMergesSweptTotal.WithLabelValues(status).Inc()
	}()

	canonical, err := s.contacts.Get(ctx, entry.TenantID, entry.CanonicalID)
	if err != nil {
		if database.IsNotFound(err) {
			log.Info("Deferred canonical no longer exists, dropping")
			return statusDropped
		}
		log.WithError(err).Error("Failed to load deferred canonical")
		return statusFailed
	}

	keys := identity.Derive(canonical.Number, canonical.IsGroup, canonical.LIDValue())
	candidates, err := s.locator.Locate(ctx, entry.TenantID, keys)
	if err == nil {
		target := candidates.Canonical
		if target == nil {
			target = canonical
		}
		var recorded []models.Contact
		recorded, err = s.recordedDuplicates(ctx, entry, target.ID, candidates.Duplicates)
		candidates.Canonical = target
		candidates.Duplicates = append(candidates.Duplicates, recorded...)
	}
	if err != nil {
		log.WithError(err).Error("Failed to locate deferred duplicates")
		if requeueErr := s.queue.Requeue(ctx, entry); requeueErr != nil {
			log.WithError(requeueErr).Error("Failed to requeue deferred merge")
			return statusFailed
		}
		return statusRequeued
	}
	if len(candidates.Duplicates) == 0 {
		return statusDropped
	}

	outcomes, err := s.merger.Merge(ctx, candidates.Canonical, candidates.Duplicates)
	if err != nil {
		log.WithError(err).Error("Deferred merge failed")
		return statusFailed
	}

	counts := models.CountOutcomes(outcomes)
	log.WithFields(map[string]any{
		"merged":   counts[models.MergeStatusMerged],
		"failed":   counts[models.MergeStatusFailed],
		"deferred": counts[models.MergeStatusDeferred],
	}).Info("Completed deferred merge pass")
	return statusMerged
}

// recordedDuplicates loads the deferred duplicates the canonical's own keys no
// longer reach, such as one holding a number the canonical was never given.
// Contacts removed since the deferral are skipped.
func (s *Sweeper) recordedDuplicates(ctx context.Context, entry redis.DeferredMerge, canonicalID string, located []models.Contact) ([]models.Contact, error) {
	seen := map[string]bool{canonicalID: true, entry.CanonicalID: true}
	for _, d := range located {
		seen[d.ID] = true
	}

	var recorded []models.Contact
	for _, id := range entry.DuplicateIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		duplicate, err := s.contacts.Get(ctx, entry.TenantID, id)
		if err != nil {
			if database.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to load deferred duplicate %s: %w", id, err)
		}
		recorded = append(recorded, *duplicate)
	}
	return recorded, nil
}
