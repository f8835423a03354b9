package locator

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultFanout = 50

// ContactFinder reads a tenant's contacts matching criteria, oldest first.
type ContactFinder interface {
	FindMatching(ctx context.Context, tenantID string, criteria models.ContactCriteria) ([]models.Contact, error)
}

type Limits struct {
	Fanout int
}

// Candidates is every stored contact matching one identity, oldest first.
type Candidates struct {
	All        []models.Contact
	Canonical  *models.Contact
	Duplicates []models.Contact
}

func newCandidates(all []models.Contact) *Candidates {
	c := &Candidates{All: all}
	if len(all) == 0 {
		return c
	}
	canonical := all[0]
	c.Canonical = &canonical
	if len(all) > 1 {
		c.Duplicates = append([]models.Contact(nil), all[1:]...)
	}
	return c
}

type Locator struct {
	finder ContactFinder
	logger ectologger.Logger
	limits Limits
}

func NewLocator(finder ContactFinder, logger ectologger.Logger, limits Limits) *Locator {
	if limits.Fanout <= 0 {
		limits.Fanout = DefaultFanout
	}
	return &Locator{
		finder: finder,
		logger: logger,
		limits: limits,
	}
}

// Locate returns the tenant's contacts matching any of the derived keys.
// Matches beyond the fanout are never read.
func (l *Locator) Locate(ctx context.Context, tenantID string, keys identity.Keys) (*Candidates, error) {
	ctx, span := tracing.StartSpan(ctx, "locator.Locator.Locate")
	defer span.End()

	criteria := criteriaFor(keys)
	if criteria.Empty() {
		return newCandidates(nil), nil
	}
	criteria.Limit = l.limits.Fanout

	found, err := l.finder.FindMatching(ctx, tenantID, criteria)
	if err != nil {
		return nil, err
	}

	if len(found) == l.limits.Fanout {
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"tenant_id": tenantID,
			"number":    keys.Number,
			"fanout":    l.limits.Fanout,
		}).Warn("Candidate fanout reached, further matches were not read")
	}

	return newCandidates(found), nil
}

// LocateLoose finds other contacts that may be the same person as a stored contact,
// additionally matching numbers that end with the contact's last suffixDigits digits.
// The contact itself and group contacts are never returned.
func (l *Locator) LocateLoose(ctx context.Context, tenantID string, contact models.Contact, suffixDigits int) (*Candidates, error) {
	ctx, span := tracing.StartSpan(ctx, "locator.Locator.LocateLoose")
	defer span.End()

	keys := identity.Derive(contact.Number, contact.IsGroup, contact.LIDValue())
	criteria := criteriaFor(keys)
	if suffixDigits > 0 {
		criteria.NumberSuffix = identity.Suffix(keys.Number, suffixDigits)
	}
	if criteria.Empty() {
		return newCandidates(nil), nil
	}
	criteria.ExcludeID = contact.ID
	criteria.ExcludeGroups = true
	criteria.Limit = l.limits.Fanout

	found, err := l.finder.FindMatching(ctx, tenantID, criteria)
	if err != nil {
		return nil, err
	}
	return newCandidates(found), nil
}

func criteriaFor(keys identity.Keys) models.ContactCriteria {
	var criteria models.ContactCriteria
	if keys.Number != "" {
		criteria.Numbers = append(criteria.Numbers, keys.Number)
	}
	if keys.EmbeddedNumber != nil && *keys.EmbeddedNumber != keys.Number {
		criteria.Numbers = append(criteria.Numbers, *keys.EmbeddedNumber)
	}
	if keys.LID != nil {
		criteria.LIDs = append(criteria.LIDs, *keys.LID)
	}
	return criteria
}
