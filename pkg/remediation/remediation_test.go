package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

var (
	now         = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	longAgo     = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	inactiveFor = 30 * 24 * time.Hour
)

type fixture struct {
	store      *memstore.Store
	twin       models.Contact
	lidDup     models.Contact
	lidHistory models.Contact
	lidOrphan  models.Contact
	active     models.Contact
}

func newFixture() *fixture {
	store := memstore.New()
	f := &fixture{store: store}

	f.twin = store.AddContact(models.Contact{TenantID: "1", Name: "Ana", Number: "5511992012345", CreatedAt: longAgo.Add(-time.Hour)})
	f.lidDup = store.AddContact(models.Contact{TenantID: "1", Number: "178392012345", LID: strPtr("178392012345@lid"), CreatedAt: longAgo})
	f.lidHistory = store.AddContact(models.Contact{TenantID: "1", Number: "200000000001", LID: strPtr("200000000001@lid"), CreatedAt: longAgo})
	f.lidOrphan = store.AddContact(models.Contact{TenantID: "1", Number: "300000000002", RemoteJID: strPtr("300000000002@lid"), CreatedAt: longAgo})
	f.active = store.AddContact(models.Contact{TenantID: "1", Number: "400000000003", LID: strPtr("400000000003@lid"), CreatedAt: longAgo})
	store.AddContact(models.Contact{TenantID: "1", Number: "500000000004", LID: strPtr("500000000004@lid"), CreatedAt: now.Add(-time.Hour)})
	store.AddContact(models.Contact{TenantID: "1", Number: "120363000000@g.us", IsGroup: true, CreatedAt: longAgo})

	store.AddTicket(models.Ticket{TenantID: "1", ContactID: f.lidDup.ID, Status: "closed", CreatedAt: longAgo})
	store.AddMessage(models.Message{TenantID: "1", ContactID: f.lidDup.ID, Body: "oi", CreatedAt: longAgo})
	store.AddTicket(models.Ticket{TenantID: "1", ContactID: f.lidHistory.ID, Status: "closed", CreatedAt: longAgo})
	store.AddMessage(models.Message{TenantID: "1", ContactID: f.lidHistory.ID, Body: "oi", CreatedAt: longAgo})
	store.AddCustomField(models.CustomField{ContactID: f.lidHistory.ID, Name: "cpf", Value: "123"})
	store.AddTicket(models.Ticket{TenantID: "1", ContactID: f.active.ID, Status: "open", CreatedAt: longAgo, UpdatedAt: now.Add(-24 * time.Hour)})
	return f
}

type recordingNotifier struct {
	updated []string
	deleted []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, _ models.ContactAction, contact *models.Contact) error {
	n.updated = append(n.updated, contact.ID)
	return nil
}

func (n *recordingNotifier) NotifyDeleted(_ context.Context, _ string, contactID string) error {
	n.deleted = append(n.deleted, contactID)
	return nil
}

func (f *fixture) service(options Options) *Service {
	loc := locator.NewLocator(f.store, testLogger(), locator.Limits{})
	engine := merging.NewEngine(testLogger(), f.store, f.store, merging.DefaultLimits())
	service := NewService(testLogger(), f.store, loc, engine, options)
	service.now = func() time.Time { return now }
	return service
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Contact.ID)
	}
	return out
}

func TestService_Categorize(t *testing.T) {
	f := newFixture()

	categorized, err := f.service(Options{}).Categorize(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	assert.Equal(t, []string{f.lidDup.ID}, ids(categorized[CategoryDuplicated]))
	assert.Equal(t, []string{f.lidHistory.ID}, ids(categorized[CategoryWithHistory]))
	assert.Equal(t, []string{f.lidOrphan.ID}, ids(categorized[CategoryOrphan]))
	assert.Equal(t, 3, categorized.Total())

	dup := categorized[CategoryDuplicated][0]
	require.NotNil(t, dup.Match)
	assert.Equal(t, f.twin.ID, dup.Match.ID)
	assert.Equal(t, 1, categorized[CategoryWithHistory][0].History.Tickets)
}

func TestService_Apply_Unify(t *testing.T) {
	f := newFixture()
	notifier := &recordingNotifier{}
	service := f.service(Options{}).WithNotifier(notifier)

	categorized, err := service.Categorize(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	results := service.Apply(context.Background(), "1", ActionUnify, categorized[CategoryDuplicated])
	require.Len(t, results, 1)
	assert.Equal(t, StatusDone, results[0].Status)
	assert.Equal(t, f.twin.ID, results[0].CanonicalID)
	assert.Equal(t, 1, results[0].History.Tickets)

	_, exists := f.store.Lookup(f.lidDup.ID)
	assert.False(t, exists)

	twin, ok := f.store.Lookup(f.twin.ID)
	require.True(t, ok)
	assert.Equal(t, "5511992012345", twin.Number, "real number survives")
	assert.Equal(t, "178392012345@lid", twin.LIDValue(), "LID is propagated")

	counts, err := f.store.CountByContact(context.Background(), f.twin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCounts{Tickets: 1, Messages: 1}, counts)

	assert.Equal(t, []string{f.lidDup.ID}, notifier.deleted)
	assert.Equal(t, []string{f.twin.ID}, notifier.updated)
}

func TestService_Apply_UnifyTwoContactsIntoOneTwin(t *testing.T) {
	f := newFixture()
	second := f.store.AddContact(models.Contact{TenantID: "1", Number: "278392012345", LID: strPtr("278392012345@lid"), CreatedAt: longAgo.Add(time.Minute)})
	f.store.AddMessage(models.Message{TenantID: "1", ContactID: second.ID, Body: "oi", CreatedAt: longAgo})
	service := f.service(Options{})

	categorized, err := service.Categorize(context.Background(), "1", inactiveFor)
	require.NoError(t, err)
	duplicated := categorized[CategoryDuplicated]
	require.Equal(t, []string{f.lidDup.ID, second.ID}, ids(duplicated))
	for _, item := range duplicated {
		require.NotNil(t, item.Match)
		require.Equal(t, f.twin.ID, item.Match.ID)
		require.Nil(t, item.Match.LID)
	}

	results := service.Apply(context.Background(), "1", ActionUnify, duplicated)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, StatusDone, result.Status, result.Error)
		assert.Equal(t, f.twin.ID, result.CanonicalID)
	}

	twin, ok := f.store.Lookup(f.twin.ID)
	require.True(t, ok)
	assert.Equal(t, "178392012345@lid", twin.LIDValue(), "the first LID is kept")
	_, exists := f.store.Lookup(f.lidDup.ID)
	assert.False(t, exists)
	_, exists = f.store.Lookup(second.ID)
	assert.False(t, exists)

	counts, err := f.store.CountByContact(context.Background(), f.twin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCounts{Tickets: 1, Messages: 2}, counts)
}

func TestService_Apply_CascadeDelete(t *testing.T) {
	f := newFixture()
	notifier := &recordingNotifier{}
	service := f.service(Options{}).WithNotifier(notifier)

	categorized, err := service.Categorize(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	results := service.Apply(context.Background(), "1", ActionCascadeDelete, categorized[CategoryWithHistory])
	require.Len(t, results, 1)
	assert.Equal(t, StatusDone, results[0].Status)
	assert.Equal(t, models.HistoryCounts{Tickets: 1, Messages: 1, CustomFields: 1}, results[0].History)

	_, exists := f.store.Lookup(f.lidHistory.ID)
	assert.False(t, exists)
	assert.Empty(t, f.store.CustomFieldsOf(f.lidHistory.ID))
	assert.Equal(t, []string{f.lidHistory.ID}, notifier.deleted)
}

func TestService_Apply_DryRunDoesNotMutate(t *testing.T) {
	f := newFixture()
	service := f.service(Options{DryRun: true})

	categorized, err := service.Categorize(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	results := service.Apply(context.Background(), "1", ActionCascadeDelete, categorized[CategoryOrphan])
	require.Len(t, results, 1)
	assert.Equal(t, StatusDryRun, results[0].Status)

	_, exists := f.store.Lookup(f.lidOrphan.ID)
	assert.True(t, exists)
}

func TestService_Apply_FailureDoesNotHaltBatch(t *testing.T) {
	f := newFixture()
	service := f.service(Options{})

	gone := Item{Contact: models.Contact{ID: "missing", TenantID: "1"}, Category: CategoryOrphan}
	orphan := Item{Contact: f.lidOrphan, Category: CategoryOrphan}
	unmatched := Item{Contact: f.lidHistory, Category: CategoryWithHistory}

	results := service.Apply(context.Background(), "1", ActionCascadeDelete, []Item{gone, orphan})
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, StatusDone, results[1].Status)

	results = service.Apply(context.Background(), "1", ActionUnify, []Item{unmatched})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status, "unify needs a JID-form duplicate")
}

func TestSession_Run(t *testing.T) {
	f := newFixture()
	service := f.service(Options{})

	// duplicated: unify + confirm; with_history: cascade-delete + wrong phrase; orphan: quit
	input := strings.NewReader("1\nCONFIRMO\n1\nconfirmo deletar tudo\nq\n")
	var out bytes.Buffer
	session := NewSession(service, NewPrompter(input, &out), &out, testLogger())

	report, err := session.Run(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, map[Category]int{CategoryDuplicated: 1, CategoryWithHistory: 1, CategoryOrphan: 1}, report.Categories)
	assert.Equal(t, 1, report.Statuses[StatusDone])
	assert.Equal(t, 2, report.Statuses[StatusRetained])
	require.Len(t, report.Items, 3)

	_, exists := f.store.Lookup(f.lidDup.ID)
	assert.False(t, exists)
	_, exists = f.store.Lookup(f.lidHistory.ID)
	assert.True(t, exists, "wrong confirmation phrase retains")
	_, exists = f.store.Lookup(f.lidOrphan.ID)
	assert.True(t, exists)
}

func TestSession_Run_DryRunSkipsConfirmation(t *testing.T) {
	f := newFixture()
	service := f.service(Options{DryRun: true})

	input := strings.NewReader("unify\ncascade-delete\n2\n")
	var out bytes.Buffer
	report, err := NewSession(service, NewPrompter(input, &out), &out, testLogger()).Run(context.Background(), "1", inactiveFor)
	require.NoError(t, err)

	assert.False(t, report.Cancelled)
	assert.Equal(t, 2, report.Statuses[StatusDryRun])
	assert.Equal(t, 1, report.Statuses[StatusRetained])
	assert.Len(t, f.store.Contacts("1"), 7)
	assert.Contains(t, out.String(), "Dry run")
}

func TestPrompter_ChooseAction(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category Category
		want     Action
		wantErr  error
	}{
		{name: "by number", input: "1\n", category: CategoryDuplicated, want: ActionUnify},
		{name: "by name", input: "Retain\n", category: CategoryOrphan, want: ActionRetain},
		{name: "invalid then valid", input: "9\nunify\n2\n", category: CategoryOrphan, want: ActionRetain},
		{name: "quit", input: "sair\n", category: CategoryOrphan, wantErr: ErrCancelled},
		{name: "eof", input: "", category: CategoryOrphan, wantErr: ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := NewPrompter(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := prompter.ChooseAction(tt.category, 3)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		input   string
		want    bool
		wantErr error
	}{
		{name: "unify phrase", action: ActionUnify, input: "CONFIRMO\n", want: true},
		{name: "delete needs full phrase", action: ActionCascadeDelete, input: "CONFIRMO\n", want: false},
		{name: "delete phrase", action: ActionCascadeDelete, input: "CONFIRMO DELETAR TUDO\n", want: true},
		{name: "lowercase declines", action: ActionUnify, input: "confirmo\n", want: false},
		{name: "retain needs nothing", action: ActionRetain, input: "", want: true},
		{name: "quit", action: ActionUnify, input: "q\n", wantErr: ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := NewPrompter(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := prompter.Confirm(tt.action, 2)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReport_Write(t *testing.T) {
	report := NewReport("1", inactiveFor, true, Categorized{CategoryOrphan: {{Contact: models.Contact{ID: "c1"}}}})
	report.Add(ItemResult{ContactID: "c1", Category: CategoryOrphan, Action: ActionCascadeDelete, Status: StatusDryRun})

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "1", decoded["tenant_id"])
	assert.Equal(t, true, decoded["dry_run"])
	assert.Equal(t, "720h0m0s", decoded["inactive_for"])
	assert.Len(t, decoded["items"], 1)
}
