package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newResolver(store *memstore.Store, loc CandidateLocator) *Resolver {
	logger := testLogger()
	if loc == nil {
		loc = locator.NewLocator(store, logger, locator.Limits{})
	}
	return NewResolver(logger, loc, merging.NewEngine(logger, store, store, merging.DefaultLimits()), store)
}

func newCappedResolver(store *memstore.Store, immediateCap int) *Resolver {
	logger := testLogger()
	limits := merging.DefaultLimits()
	limits.ImmediateCap = immediateCap
	loc := locator.NewLocator(store, logger, locator.Limits{})
	return NewResolver(logger, loc, merging.NewEngine(logger, store, store, limits), store)
}

type fixedLocator struct {
	candidates *locator.Candidates
}

func (f fixedLocator) Locate(context.Context, string, identity.Keys) (*locator.Candidates, error) {
	return f.candidates, nil
}

func TestResolver_Resolve_CreatesWhenNothingMatches(t *testing.T) {
	store := memstore.New()
	r := newResolver(store, nil)

	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999"})
	require.NoError(t, err)

	assert.Equal(t, models.ContactActionCreate, result.Action)
	assert.Equal(t, "5511999999999", result.Contact.Number)
	assert.Equal(t, "5511999999999", result.Contact.Name, "name defaults to the number")
	assert.Nil(t, result.Contact.LID)
	assert.Len(t, store.Contacts("1"), 1)
}

func TestResolver_Resolve_CreatesWithObservedAttributes(t *testing.T) {
	store := memstore.New()
	r := newResolver(store, nil)

	result, err := r.Resolve(context.Background(), Observation{
		TenantID:         "1",
		Address:          "5511999999999@s.whatsapp.net",
		LID:              "178392012345@lid",
		Name:             "Maria",
		Channel:          "whatsapp",
		RemoteJID:        "5511999999999@s.whatsapp.net",
		ChannelAccountID: "acct-1",
	})
	require.NoError(t, err)

	c := result.Contact
	assert.Equal(t, "Maria", c.Name)
	assert.Equal(t, "5511999999999", c.Number)
	assert.Equal(t, "178392012345@lid", c.LIDValue())
	assert.Equal(t, "whatsapp", c.Channel)
	require.NotNil(t, c.ChannelAccountID)
	assert.Equal(t, "acct-1", *c.ChannelAccountID)
}

func TestResolver_Resolve_IsIdempotent(t *testing.T) {
	store := memstore.New()
	r := newResolver(store, nil)
	obs := Observation{TenantID: "1", Address: "5511999999999", LID: "178392012345@lid"}

	first, err := r.Resolve(context.Background(), obs)
	require.NoError(t, err)
	store.AddTicket(models.Ticket{TenantID: "1", ContactID: first.Contact.ID})

	second, err := r.Resolve(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, models.ContactActionUpdate, second.Action)
	assert.Equal(t, first.Contact.ID, second.Contact.ID)
	assert.Empty(t, second.MergeOutcomes)
	assert.Len(t, store.Contacts("1"), 1)

	counts, err := store.CountByContact(context.Background(), first.Contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Tickets)
}

func TestResolver_Resolve_MergesDuplicates(t *testing.T) {
	store := memstore.New()
	oldest := store.AddContact(models.Contact{TenantID: "1", Name: "5511999999999", Number: "5511999999999", CreatedAt: base})
	legacy := store.AddContact(models.Contact{TenantID: "1", Number: "5511988887777", CreatedAt: base.Add(time.Minute)})
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", LID: strPtr("5511988887777@lid"), CreatedAt: base.Add(2 * time.Minute)})
	store.AddTicket(models.Ticket{TenantID: "1", ContactID: legacy.ID})
	store.AddMessage(models.Message{TenantID: "1", ContactID: lidKeyed.ID})

	r := newResolver(store, nil)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", LID: "5511988887777@lid"})
	require.NoError(t, err)

	assert.Equal(t, models.ContactActionUpdate, result.Action)
	assert.Equal(t, oldest.ID, result.Contact.ID)
	require.Len(t, result.MergeOutcomes, 2)
	assert.Equal(t, map[models.MergeStatus]int{models.MergeStatusMerged: 2}, models.CountOutcomes(result.MergeOutcomes))
	assert.Equal(t, "5511988887777@lid", result.Contact.LIDValue())

	remaining := store.Contacts("1")
	require.Len(t, remaining, 1)
	counts, err := store.CountByContact(context.Background(), oldest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCounts{Tickets: 1, Messages: 1}, counts)
}

func TestResolver_Resolve_RecoversFromCreationRace(t *testing.T) {
	store := memstore.New()
	var raced models.Contact
	store.BeforeCreate = func(_ context.Context, contact *models.Contact) {
		if raced.ID == "" {
			raced = store.AddContact(models.Contact{TenantID: contact.TenantID, Name: contact.Number, Number: contact.Number})
		}
	}

	r := newResolver(store, nil)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", Name: "Maria"})
	require.NoError(t, err)

	assert.Equal(t, models.ContactActionUpdate, result.Action)
	assert.Equal(t, raced.ID, result.Contact.ID)
	assert.Equal(t, "Maria", result.Contact.Name)
	assert.Len(t, store.Contacts("1"), 1)
}

func TestResolver_Resolve_RaceWithoutRecoveryReturnsOriginalError(t *testing.T) {
	store := memstore.New()
	store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999"})

	r := newResolver(store, fixedLocator{candidates: &locator.Candidates{}})
	_, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999"})
	assert.ErrorIs(t, err, database.ErrUniqueViolation)
}

func TestResolver_Resolve_FallsBackToFirstCandidate(t *testing.T) {
	store := memstore.New()
	first := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	second := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})

	r := newResolver(store, fixedLocator{candidates: &locator.Candidates{All: []models.Contact{first, second}}})
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, result.Contact.ID)
	assert.Empty(t, result.MergeOutcomes)
	assert.Len(t, store.Contacts("1"), 2)
}

func TestResolver_Resolve_FailedDuplicateKeepsObservedNumber(t *testing.T) {
	store := memstore.New()
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", LID: strPtr("178392012345@lid"), CreatedAt: base})
	phone := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base.Add(time.Minute)})
	store.BeforeRepoint = func(context.Context, string, string) error {
		return errors.New("storage down")
	}

	r := newResolver(store, nil)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", LID: "178392012345@lid"})
	require.NoError(t, err)

	assert.Equal(t, lidKeyed.ID, result.Contact.ID)
	assert.Equal(t, "178392012345", result.Contact.Number, "the failed duplicate still owns the phone number")
	require.Len(t, result.MergeOutcomes, 1)
	assert.Equal(t, models.MergeStatusFailed, result.MergeOutcomes[0].Status)

	_, exists := store.Lookup(phone.ID)
	assert.True(t, exists)
	assert.Len(t, store.Contacts("1"), 2)
}

func TestResolver_Resolve_DeferredDuplicateKeepsObservedNumber(t *testing.T) {
	store := memstore.New()
	legacy := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base})
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "5511000000000", LID: strPtr("178392012345@lid"), CreatedAt: base.Add(time.Minute)})
	phone := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base.Add(2 * time.Minute)})

	r := newCappedResolver(store, 1)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", LID: "178392012345@lid"})
	require.NoError(t, err)

	assert.Equal(t, legacy.ID, result.Contact.ID)
	assert.Equal(t, "178392012345", result.Contact.Number)
	assert.Equal(t, "178392012345@lid", result.Contact.LIDValue())
	assert.Equal(t, map[models.MergeStatus]int{
		models.MergeStatusMerged:   1,
		models.MergeStatusDeferred: 1,
	}, models.CountOutcomes(result.MergeOutcomes))

	_, exists := store.Lookup(lidKeyed.ID)
	assert.False(t, exists)
	_, exists = store.Lookup(phone.ID)
	assert.True(t, exists)
}

func TestResolver_Resolve_DeferredDuplicateKeepsObservedLID(t *testing.T) {
	store := memstore.New()
	phone := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	legacy := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "5511000000000", LID: strPtr("178392012345@lid"), CreatedAt: base.Add(2 * time.Minute)})

	r := newCappedResolver(store, 1)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", LID: "178392012345@lid"})
	require.NoError(t, err)

	assert.Equal(t, phone.ID, result.Contact.ID)
	assert.Nil(t, result.Contact.LID, "the deferred duplicate still owns the LID")
	assert.Equal(t, map[models.MergeStatus]int{
		models.MergeStatusMerged:   1,
		models.MergeStatusDeferred: 1,
	}, models.CountOutcomes(result.MergeOutcomes))

	_, exists := store.Lookup(legacy.ID)
	assert.False(t, exists)
	_, exists = store.Lookup(lidKeyed.ID)
	assert.True(t, exists)
	assert.Len(t, store.Contacts("1"), 2)
}

func TestResolver_Resolve_KeepsStoredKeysWhenCorrectionConflicts(t *testing.T) {
	store := memstore.New()
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Name: "178392012345", Number: "178392012345", LID: strPtr("178392012345@lid"), CreatedAt: base})
	store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base.Add(time.Minute)})

	// the locator misses the phone contact, as when it lands after the lookup
	loc := fixedLocator{candidates: &locator.Candidates{All: []models.Contact{lidKeyed}, Canonical: &lidKeyed}}
	r := newResolver(store, loc)
	result, err := r.Resolve(context.Background(), Observation{TenantID: "1", Address: "5511999999999", LID: "178392012345@lid", Name: "Maria"})
	require.NoError(t, err)

	assert.Equal(t, lidKeyed.ID, result.Contact.ID)
	assert.Equal(t, "178392012345", result.Contact.Number)
	assert.Equal(t, "Maria", result.Contact.Name, "other attributes are still applied")
	assert.Len(t, store.Contacts("1"), 2)
}

func TestResolver_Resolve_UpdateRules(t *testing.T) {
	tests := []struct {
		name     string
		stored   models.Contact
		obs      Observation
		validate func(t *testing.T, result *Result)
	}{
		{
			name:   "name equal to number is replaced",
			stored: models.Contact{Name: "5511999999999", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999", Name: "Maria"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "Maria", result.Contact.Name)
			},
		},
		{
			name:   "operator name is kept",
			stored: models.Contact{Name: "Dona Maria", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999", Name: "Maria"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "Dona Maria", result.Contact.Name)
			},
		},
		{
			name:   "empty observed name is ignored",
			stored: models.Contact{Name: "5511999999999", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "5511999999999", result.Contact.Name)
			},
		},
		{
			name:   "observed name equal to number is ignored",
			stored: models.Contact{Name: "5511999999999", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999", Name: "5511999999999"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "5511999999999", result.Contact.Name)
			},
		},
		{
			name:   "legacy lid number is corrected to the real number",
			stored: models.Contact{Name: "178392012345", Number: "178392012345", LID: strPtr("178392012345@lid")},
			obs:    Observation{Address: "5511999999999", LID: "178392012345@lid", Name: "Maria"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "5511999999999", result.Contact.Number)
				assert.Equal(t, "Maria", result.Contact.Name)
				assert.Equal(t, "178392012345@lid", result.Contact.LIDValue())
			},
		},
		{
			name:   "real number is never rewritten",
			stored: models.Contact{Name: "Maria", Number: "5511777777777", LID: strPtr("178392012345@lid")},
			obs:    Observation{Address: "5511999999999", LID: "178392012345@lid"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "5511777777777", result.Contact.Number)
			},
		},
		{
			name:   "lid set when absent",
			stored: models.Contact{Name: "Maria", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999", LID: "178392012345@lid"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "178392012345@lid", result.Contact.LIDValue())
			},
		},
		{
			name:   "picture url copied even when empty",
			stored: models.Contact{Name: "Maria", Number: "5511999999999", ProfilePicURL: "https://cdn.example/old.jpg"},
			obs:    Observation{Address: "5511999999999"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "", result.Contact.ProfilePicURL)
				assert.Equal(t, "https://cdn.example/old.jpg", result.PreviousPictureURL)
			},
		},
		{
			name:   "channel account kept once set",
			stored: models.Contact{Name: "Maria", Number: "5511999999999", ChannelAccountID: strPtr("acct-1")},
			obs:    Observation{Address: "5511999999999", ChannelAccountID: "acct-2"},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "acct-1", *result.Contact.ChannelAccountID)
			},
		},
		{
			name:   "channel account set when missing",
			stored: models.Contact{Name: "Maria", Number: "5511999999999"},
			obs:    Observation{Address: "5511999999999", ChannelAccountID: "acct-2"},
			validate: func(t *testing.T, result *Result) {
				require.NotNil(t, result.Contact.ChannelAccountID)
				assert.Equal(t, "acct-2", *result.Contact.ChannelAccountID)
			},
		},
		{
			name:   "remote address kept when not observed",
			stored: models.Contact{Name: "Maria", Number: "5511999999999", RemoteJID: strPtr("5511999999999@s.whatsapp.net")},
			obs:    Observation{Address: "5511999999999", IsGroup: false},
			validate: func(t *testing.T, result *Result) {
				assert.Equal(t, "5511999999999@s.whatsapp.net", *result.Contact.RemoteJID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			tt.stored.TenantID = "1"
			stored := store.AddContact(tt.stored)
			tt.obs.TenantID = "1"

			result, err := newResolver(store, nil).Resolve(context.Background(), tt.obs)
			require.NoError(t, err)
			assert.Equal(t, models.ContactActionUpdate, result.Action)
			assert.Equal(t, stored.ID, result.Contact.ID)
			tt.validate(t, result)
		})
	}
}
