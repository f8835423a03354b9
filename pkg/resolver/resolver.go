// Package resolver decides, for one observed contact, whether to create a new
// contact or refresh the existing one, merging duplicates on the way.
package resolver

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Observation is what the channel reported about a contact on one inbound event.
type Observation struct {
	TenantID         string `json:"tenant_id"`
	Address          string `json:"address" validate:"required"`
	LID              string `json:"lid,omitempty"`
	IsGroup          bool   `json:"is_group"`
	Name             string `json:"name,omitempty"`
	Channel          string `json:"channel,omitempty"`
	RemoteJID        string `json:"remote_jid,omitempty"`
	ProfilePicURL    string `json:"profile_pic_url,omitempty"`
	ChannelAccountID string `json:"channel_account_id,omitempty"`
}

type CandidateLocator interface {
	Locate(ctx context.Context, tenantID string, keys identity.Keys) (*locator.Candidates, error)
}

type Merger interface {
	Merge(ctx context.Context, canonical *models.Contact, duplicates []models.Contact) ([]models.MergeOutcome, error)
}

type ContactStore interface {
	// Create inserts a contact; a unique (tenant, number|lid) conflict wraps database.ErrUniqueViolation.
	Create(ctx context.Context, contact *models.Contact) (*models.Contact, error)
	Update(ctx context.Context, tenantID, id string, update models.ContactUpdate) (*models.Contact, error)
}

// Result is the contact an observation resolved to.
type Result struct {
	Contact            *models.Contact       `json:"contact"`
	Action             models.ContactAction  `json:"action"`
	PreviousPictureURL string                `json:"-"`
	MergeOutcomes      []models.MergeOutcome `json:"merge_outcomes,omitempty"`
}

type Resolver struct {
	logger   ectologger.Logger
	locator  CandidateLocator
	merger   Merger
	contacts ContactStore
}

func NewResolver(logger ectologger.Logger, locator CandidateLocator, merger Merger, contacts ContactStore) *Resolver {
	return &Resolver{
		logger:   logger,
		locator:  locator,
		merger:   merger,
		contacts: contacts,
	}
}

// Resolve returns the single contact for obs, creating it on first sight.
func (r *Resolver) Resolve(ctx context.Context, obs Observation) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve")
	defer span.End()

	keys := identity.Derive(obs.Address, obs.IsGroup, obs.LID)
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": obs.TenantID,
		"number":    keys.Number,
		"has_lid":   keys.HasLID(),
	})

	candidates, err := r.locator.Locate(ctx, obs.TenantID, keys)
	if err != nil {
		log.WithError(err).Error("Failed to locate contact candidates")
		return nil, err
	}

	if len(candidates.All) == 0 {
		created, createErr := r.create(ctx, obs, keys)
		if createErr == nil {
			metrics.ResolveTotal.WithLabelValues(string(models.ContactActionCreate)).Inc()
			log.WithField("contact_id", created.ID).Info("Created contact")
			return &Result{Contact: created, Action: models.ContactActionCreate}, nil
		}
		if !errors.Is(createErr, database.ErrUniqueViolation) {
			log.WithError(createErr).Error("Failed to create contact")
			return nil, createErr
		}

		// a concurrent event created the same identity first
		log.WithError(createErr).Warn("Contact creation raced, re-locating")
		candidates, err = r.locator.Locate(ctx, obs.TenantID, keys)
		if err != nil || len(candidates.All) == 0 {
			log.WithError(createErr).Error("Contact creation raced and no contact was found")
			return nil, createErr
		}
	}

	return r.update(ctx, log, obs, keys, candidates)
}

func (r *Resolver) create(ctx context.Context, obs Observation, keys identity.Keys) (*models.Contact, error) {
	name := obs.Name
	if name == "" {
		name = keys.Number
	}
	contact := &models.Contact{
		TenantID:         obs.TenantID,
		Name:             name,
		Number:           keys.Number,
		LID:              keys.LID,
		Channel:          obs.Channel,
		IsGroup:          obs.IsGroup,
		RemoteJID:        optional(obs.RemoteJID),
		ChannelAccountID: optional(obs.ChannelAccountID),
		ProfilePicURL:    obs.ProfilePicURL,
	}
	return r.contacts.Create(ctx, contact)
}

func (r *Resolver) update(ctx context.Context, log ectologger.Logger, obs Observation, keys identity.Keys, candidates *locator.Candidates) (*Result, error) {
	canonical := candidates.Canonical
	duplicates := candidates.Duplicates
	if canonical == nil {
		// the locator always designates a canonical when it returns rows
		log.WithField("candidate_count", len(candidates.All)).Error("Candidates located without a canonical contact, using the first one")
		first := candidates.All[0]
		canonical = &first
		duplicates = nil
	}

	var outcomes []models.MergeOutcome
	if len(duplicates) > 0 {
		var err error
		outcomes, err = r.merger.Merge(ctx, canonical, duplicates)
		if err != nil {
			log.WithError(err).Error("Failed to merge duplicate contacts")
			return nil, err
		}
	}

	previousPictureURL := canonical.ProfilePicURL
	update := applyObservation(*canonical, obs, keys, unabsorbedKeys(duplicates, outcomes))
	updated, err := r.contacts.Update(ctx, obs.TenantID, canonical.ID, update)
	if errors.Is(err, database.ErrUniqueViolation) && keysChanged(*canonical, update) {
		// another contact still holds the observed number or LID
		log.WithError(err).WithField("contact_id", canonical.ID).Warn("Identity correction conflicts with a stored contact, keeping stored keys")
		update.Number = canonical.Number
		update.LID = canonical.LID
		updated, err = r.contacts.Update(ctx, obs.TenantID, canonical.ID, update)
	}
	if err != nil {
		log.WithError(err).WithField("contact_id", canonical.ID).Error("Failed to update contact")
		return nil, err
	}

	metrics.ResolveTotal.WithLabelValues(string(models.ContactActionUpdate)).Inc()
	log.WithFields(map[string]any{
		"contact_id":      updated.ID,
		"duplicate_count": len(duplicates),
	}).Debug("Updated contact")

	return &Result{
		Contact:            updated,
		Action:             models.ContactActionUpdate,
		PreviousPictureURL: previousPictureURL,
		MergeOutcomes:      outcomes,
	}, nil
}

// heldKeys are the numbers and LIDs still owned by duplicates that were not absorbed.
type heldKeys struct {
	numbers map[string]bool
	lids    map[string]bool
}

// unabsorbedKeys collects the keys of every duplicate without a merged outcome.
// Failed, deferred and skipped duplicates stay stored and keep their keys.
func unabsorbedKeys(duplicates []models.Contact, outcomes []models.MergeOutcome) heldKeys {
	merged := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Status == models.MergeStatusMerged {
			merged[o.DuplicateID] = true
		}
	}

	held := heldKeys{numbers: map[string]bool{}, lids: map[string]bool{}}
	for _, d := range duplicates {
		if merged[d.ID] {
			continue
		}
		held.numbers[d.Number] = true
		if d.LID != nil {
			held.lids[*d.LID] = true
		}
	}
	return held
}

func keysChanged(stored models.Contact, update models.ContactUpdate) bool {
	if update.Number != stored.Number {
		return true
	}
	if stored.LID == nil || update.LID == nil {
		return stored.LID != update.LID
	}
	return *stored.LID != *update.LID
}

// applyObservation refreshes the mutable attributes of a stored contact.
// Operator-entered names and existing LID / account links are never overwritten,
// and no key is taken over while an unabsorbed duplicate still holds it.
func applyObservation(stored models.Contact, obs Observation, keys identity.Keys, held heldKeys) models.ContactUpdate {
	update := models.UpdateFrom(&stored)

	if obs.RemoteJID != "" {
		update.RemoteJID = optional(obs.RemoteJID)
	}
	update.ProfilePicURL = obs.ProfilePicURL
	update.IsGroup = obs.IsGroup

	if keys.EmbeddedNumber != nil && stored.Number == *keys.EmbeddedNumber &&
		keys.Number != "" && keys.Number != *keys.EmbeddedNumber && !held.numbers[keys.Number] {
		update.Number = keys.Number
	}

	if stored.LID == nil && keys.LID != nil && !held.lids[*keys.LID] {
		update.LID = keys.LID
	}

	if stored.Name == stored.Number && obs.Name != "" && obs.Name != keys.Number {
		update.Name = obs.Name
	}

	if stored.ChannelAccountID == nil && obs.ChannelAccountID != "" {
		update.ChannelAccountID = optional(obs.ChannelAccountID)
	}

	return update
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
