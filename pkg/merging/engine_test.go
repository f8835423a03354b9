package merging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	tenantID    string
	canonicalID string
	ids         []string
}

func (r *recordingSink) Defer(_ context.Context, tenantID, canonicalID string, duplicateIDs []string) error {
	r.tenantID = tenantID
	r.canonicalID = canonicalID
	r.ids = append(r.ids, duplicateIDs...)
	return nil
}

func seedHistory(store *memstore.Store, contactID string, tickets, messages int) {
	for i := 0; i < tickets; i++ {
		store.AddTicket(models.Ticket{TenantID: "1", ContactID: contactID, Status: "open"})
	}
	for i := 0; i < messages; i++ {
		store.AddMessage(models.Message{TenantID: "1", ContactID: contactID, Body: "hi"})
	}
}

func TestEngine_Merge_ThreeCandidates(t *testing.T) {
	store := memstore.New()
	t1 := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	t2 := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", LID: strPtr("178392012345@lid"), CreatedAt: base.Add(time.Minute)})
	t3 := store.AddContact(models.Contact{TenantID: "1", Number: "5511988887777", CreatedAt: base.Add(2 * time.Minute)})
	seedHistory(store, t1.ID, 1, 3)
	seedHistory(store, t2.ID, 2, 5)
	seedHistory(store, t3.ID, 1, 1)

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	canonical := t1
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{t3, t2})
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	assert.Equal(t, t2.ID, outcomes[0].DuplicateID, "duplicates are processed oldest first")
	assert.Equal(t, models.MergeStatusMerged, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].MigratedTicketCount)
	assert.Equal(t, 5, outcomes[0].MigratedMessageCount)
	assert.Equal(t, t3.ID, outcomes[1].DuplicateID)
	assert.Equal(t, models.MergeStatusMerged, outcomes[1].Status)

	remaining := store.Contacts("1")
	require.Len(t, remaining, 1)
	assert.Equal(t, t1.ID, remaining[0].ID)
	require.NotNil(t, remaining[0].LID)
	assert.Equal(t, "178392012345@lid", *remaining[0].LID, "first duplicate's LID is carried over")
	assert.Equal(t, "178392012345@lid", canonical.LIDValue(), "in-memory canonical is updated")

	counts, err := store.CountByContact(context.Background(), t1.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Tickets)
	assert.Equal(t, 9, counts.Messages)

	for _, id := range []string{t2.ID, t3.ID} {
		orphaned, err := store.CountByContact(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.HistoryCounts{}, orphaned)
	}
}

func TestEngine_Merge_SynthesizesLID(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	duplicate := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{duplicate})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.MergeStatusMerged, outcomes[0].Status)

	stored, ok := store.Lookup(canonical.ID)
	require.True(t, ok)
	assert.Equal(t, "178392012345@lid", stored.LIDValue())
}

func TestEngine_Merge_SynthesizedLIDOwnedByLaterDuplicate(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	legacy := store.AddContact(models.Contact{TenantID: "1", Number: "5511988887777", CreatedAt: base.Add(time.Minute)})
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", LID: strPtr("5511988887777@lid"), CreatedAt: base.Add(2 * time.Minute)})

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{legacy, lidKeyed})
	require.NoError(t, err)

	for _, o := range outcomes {
		assert.Equal(t, models.MergeStatusMerged, o.Status, o.Error)
	}
	remaining := store.Contacts("1")
	require.Len(t, remaining, 1)
	assert.Equal(t, "5511988887777@lid", remaining[0].LIDValue())
}

func TestEngine_Merge_KeepsCanonicalLID(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", LID: strPtr("111@lid"), CreatedAt: base})
	duplicate := store.AddContact(models.Contact{TenantID: "1", Number: "222", LID: strPtr("222@lid"), CreatedAt: base.Add(time.Minute)})

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	_, err := engine.Merge(context.Background(), &canonical, []models.Contact{duplicate})
	require.NoError(t, err)

	stored, _ := store.Lookup(canonical.ID)
	assert.Equal(t, "111@lid", stored.LIDValue())
}

func TestEngine_Merge_SynthesizedLIDTakenOutsideCall(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	duplicate := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})
	holder := store.AddContact(models.Contact{TenantID: "1", Number: "5511977776666", LID: strPtr("178392012345@lid"), CreatedAt: base.Add(2 * time.Minute)})
	seedHistory(store, duplicate.ID, 1, 2)

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{duplicate})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.MergeStatusMerged, outcomes[0].Status, outcomes[0].Error)

	_, exists := store.Lookup(duplicate.ID)
	assert.False(t, exists, "duplicate is absorbed without the taken LID")
	stored, _ := store.Lookup(canonical.ID)
	assert.Nil(t, stored.LID)
	held, _ := store.Lookup(holder.ID)
	assert.Equal(t, "178392012345@lid", held.LIDValue())

	counts, err := store.CountByContact(context.Background(), canonical.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCounts{Tickets: 1, Messages: 2}, counts)
}

func TestEngine_Merge_SynthesizedLIDHeldByDeferredDuplicate(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	legacy := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})
	lidKeyed := store.AddContact(models.Contact{TenantID: "1", Number: "5511900000000", LID: strPtr("178392012345@lid"), CreatedAt: base.Add(2 * time.Minute)})

	limits := DefaultLimits()
	limits.ImmediateCap = 1
	engine := NewEngine(testLogger(), store, store, limits)
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{legacy, lidKeyed})
	require.NoError(t, err)

	counts := models.CountOutcomes(outcomes)
	assert.Equal(t, 1, counts[models.MergeStatusMerged])
	assert.Equal(t, 1, counts[models.MergeStatusDeferred])
	assert.Nil(t, canonical.LID, "the deferred duplicate still owns the LID")

	stored, _ := store.Lookup(canonical.ID)
	assert.Nil(t, stored.LID)
	_, exists := store.Lookup(lidKeyed.ID)
	assert.True(t, exists)
}

func TestEngine_Merge_StaleCanonicalKeepsStoredLID(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", LID: strPtr("111@lid"), CreatedAt: base})
	duplicate := store.AddContact(models.Contact{TenantID: "1", Number: "222", LID: strPtr("222@lid"), CreatedAt: base.Add(time.Minute)})

	snapshot := canonical
	snapshot.LID = nil
	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &snapshot, []models.Contact{duplicate})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.MergeStatusMerged, outcomes[0].Status)

	stored, _ := store.Lookup(canonical.ID)
	assert.Equal(t, "111@lid", stored.LIDValue())
}

func TestEngine_Merge_CustomFieldCollision(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	duplicate := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})
	store.AddCustomField(models.CustomField{ContactID: canonical.ID, Name: "plan", Value: "gold"})
	store.AddCustomField(models.CustomField{ContactID: duplicate.ID, Name: "plan", Value: "silver"})
	store.AddCustomField(models.CustomField{ContactID: duplicate.ID, Name: "city", Value: "Recife"})

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{duplicate})
	require.NoError(t, err)
	assert.Equal(t, 1, outcomes[0].MigratedCustomFieldCount)

	assert.Equal(t, map[string]string{"plan": "gold", "city": "Recife"}, store.CustomFieldsOf(canonical.ID))
	assert.Empty(t, store.CustomFieldsOf(duplicate.ID))
}

func TestEngine_Merge_UnitTimeout(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	slow := store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", CreatedAt: base.Add(time.Minute)})
	fast := store.AddContact(models.Contact{TenantID: "1", Number: "5511988887777", CreatedAt: base.Add(2 * time.Minute)})
	seedHistory(store, slow.ID, 2, 2)
	seedHistory(store, fast.ID, 1, 1)

	store.BeforeRepoint = func(ctx context.Context, from, _ string) error {
		if from != slow.ID {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	limits := DefaultLimits()
	limits.UnitTimeout = 20 * time.Millisecond
	engine := NewEngine(testLogger(), store, store, limits)

	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{slow, fast})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, slow.ID, outcomes[0].DuplicateID)
	assert.Equal(t, models.MergeStatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, ErrUnitTimeout.Error())
	assert.Equal(t, models.MergeStatusMerged, outcomes[1].Status)

	_, stillThere := store.Lookup(slow.ID)
	assert.True(t, stillThere, "timed out duplicate is left in place")

	untouched, err := store.CountByContact(context.Background(), slow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, untouched.Tickets)
	assert.Equal(t, 2, untouched.Messages)
}

func TestEngine_Merge_StorageFailureDoesNotAbortBatch(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	broken := store.AddContact(models.Contact{TenantID: "1", Number: "1", CreatedAt: base.Add(time.Minute)})
	healthy := store.AddContact(models.Contact{TenantID: "1", Number: "2", CreatedAt: base.Add(2 * time.Minute)})

	store.BeforeRepoint = func(_ context.Context, from, _ string) error {
		if from == broken.ID {
			return errors.New("deadlock detected")
		}
		return nil
	}

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{broken, healthy})
	require.NoError(t, err)

	assert.Equal(t, models.MergeStatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "deadlock detected")
	assert.Equal(t, models.MergeStatusMerged, outcomes[1].Status)
}

func TestEngine_Merge_Skips(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", CreatedAt: base})
	foreign := store.AddContact(models.Contact{TenantID: "2", Number: "5511999999999", CreatedAt: base})

	engine := NewEngine(testLogger(), store, store, DefaultLimits())
	outcomes, err := engine.Merge(context.Background(), &canonical, []models.Contact{canonical, foreign})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, models.MergeStatusSkipped, o.Status)
	}
	_, ok := store.Lookup(foreign.ID)
	assert.True(t, ok)
}

func TestEngine_Merge_DefersOverCap(t *testing.T) {
	store := memstore.New()
	canonical := store.AddContact(models.Contact{TenantID: "1", Number: "5511999999999", LID: strPtr("x@lid"), CreatedAt: base})

	var duplicates []models.Contact
	for i := 0; i < 5; i++ {
		duplicates = append(duplicates, store.AddContact(models.Contact{
			TenantID:  "1",
			Number:    fmt.Sprintf("55119000000%02d", i),
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	sink := &recordingSink{}
	limits := DefaultLimits()
	limits.ImmediateCap = 3
	engine := NewEngine(testLogger(), store, store, limits).WithDeferredSink(sink)

	outcomes, err := engine.Merge(context.Background(), &canonical, duplicates)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	counts := models.CountOutcomes(outcomes)
	assert.Equal(t, 3, counts[models.MergeStatusMerged])
	assert.Equal(t, 2, counts[models.MergeStatusDeferred])

	assert.Len(t, store.Contacts("1"), 3, "deferred duplicates stay queryable")
	for _, d := range duplicates[3:] {
		_, ok := store.Lookup(d.ID)
		assert.True(t, ok)
	}

	assert.Equal(t, "1", sink.tenantID)
	assert.Equal(t, canonical.ID, sink.canonicalID)
	assert.Equal(t, []string{duplicates[3].ID, duplicates[4].ID}, sink.ids)
}

func TestEngine_Merge_Preconditions(t *testing.T) {
	engine := NewEngine(testLogger(), memstore.New(), memstore.New(), DefaultLimits())

	_, err := engine.Merge(context.Background(), nil, []models.Contact{{ID: "a"}})
	assert.ErrorIs(t, err, ErrNoCanonical)

	_, err = engine.Merge(context.Background(), &models.Contact{}, nil)
	assert.ErrorIs(t, err, ErrNoCanonical)

	outcomes, err := engine.Merge(context.Background(), &models.Contact{ID: "a"}, nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}
