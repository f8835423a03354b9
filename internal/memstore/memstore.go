// Package memstore is an in-memory contact store with the same constraints as
// the Postgres schema. It backs package tests and local runs without a database.
package memstore

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/google/uuid"
)

// Store holds contacts and their owned history.
type Store struct {
	mu           sync.Mutex
	contacts     map[string]models.Contact
	tickets      map[string]models.Ticket
	messages     map[string]models.Message
	customFields map[string]models.CustomField
	now          func() time.Time

	// BeforeCreate runs before a contact is inserted, outside the lock.
	BeforeCreate func(ctx context.Context, contact *models.Contact)
	// BeforeRepoint runs before history is moved, outside the lock. Returning
	// an error aborts the re-point without moving anything.
	BeforeRepoint func(ctx context.Context, fromContactID, toContactID string) error
}

func New() *Store {
	return &Store{
		contacts:     make(map[string]models.Contact),
		tickets:      make(map[string]models.Ticket),
		messages:     make(map[string]models.Message),
		customFields: make(map[string]models.CustomField),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func notFound(id string) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s not found", id)
}

// conflictLocked enforces unique (tenant, number) and unique (tenant, lid).
func (s *Store) conflictLocked(contact models.Contact, ignoreIDs ...string) error {
	for id, existing := range s.contacts {
		if existing.TenantID != contact.TenantID || id == contact.ID || contains(ignoreIDs, id) {
			continue
		}
		if existing.Number == contact.Number {
			return fmt.Errorf("%w: number %s", database.ErrUniqueViolation, contact.Number)
		}
		if contact.LID != nil && existing.LID != nil && *existing.LID == *contact.LID {
			return fmt.Errorf("%w: lid %s", database.ErrUniqueViolation, *contact.LID)
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// AddContact stores a contact as-is, filling id and timestamps when empty.
func (s *Store) AddContact(contact models.Contact) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = s.now()
	}
	if contact.UpdatedAt.IsZero() {
		contact.UpdatedAt = contact.CreatedAt
	}
	s.contacts[contact.ID] = contact
	return contact
}

func (s *Store) AddTicket(ticket models.Ticket) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket.ID == "" {
		ticket.ID = uuid.New().String()
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = s.now()
	}
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	s.tickets[ticket.ID] = ticket
	return ticket
}

func (s *Store) AddMessage(message models.Message) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	s.messages[message.ID] = message
	return message
}

func (s *Store) AddCustomField(field models.CustomField) models.CustomField {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field.ID == "" {
		field.ID = uuid.New().String()
	}
	s.customFields[field.ID] = field
	return field
}

// Contacts returns a tenant's contacts oldest first.
func (s *Store) Contacts(tenantID string) []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out
}

// Lookup returns a stored contact by id.
func (s *Store) Lookup(id string) (models.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// CustomFieldsOf returns the custom fields owned by a contact keyed by name.
func (s *Store) CustomFieldsOf(contactID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for _, f := range s.customFields {
		if f.ContactID == contactID {
			out[f.Name] = f.Value
		}
	}
	return out
}

func sortContacts(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].Before(contacts[j])
	})
}

func (s *Store) FindMatching(ctx context.Context, tenantID string, criteria models.ContactCriteria) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID || c.ID == criteria.ExcludeID {
			continue
		}
		if criteria.ExcludeGroups && c.IsGroup {
			continue
		}
		if matches(c, criteria) {
			out = append(out, c)
		}
	}
	sortContacts(out)
	if criteria.Limit > 0 && len(out) > criteria.Limit {
		out = out[:criteria.Limit]
	}
	return out, nil
}

func matches(c models.Contact, criteria models.ContactCriteria) bool {
	if contains(criteria.Numbers, c.Number) {
		return true
	}
	if c.LID != nil && contains(criteria.LIDs, *c.LID) {
		return true
	}
	return criteria.NumberSuffix != "" && strings.HasSuffix(c.Number, criteria.NumberSuffix)
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, notFound(id)
	}
	return &c, nil
}

func (s *Store) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if s.BeforeCreate != nil {
		s.BeforeCreate(ctx, contact)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := *contact
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	if err := s.conflictLocked(created); err != nil {
		return nil, err
	}
	s.contacts[created.ID] = created
	return &created, nil
}

func (s *Store) Update(ctx context.Context, tenantID, id string, update models.ContactUpdate) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, notFound(id)
	}
	c.Name = update.Name
	c.Number = update.Number
	c.LID = update.LID
	c.IsGroup = update.IsGroup
	c.RemoteJID = update.RemoteJID
	c.ChannelAccountID = update.ChannelAccountID
	c.ProfilePicURL = update.ProfilePicURL
	c.UpdatedAt = s.now()
	if err := s.conflictLocked(c); err != nil {
		return nil, err
	}
	s.contacts[id] = c
	return &c, nil
}

func (s *Store) UpdateProfileImage(ctx context.Context, tenantID, id, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return notFound(id)
	}
	c.ProfileImage = filename
	c.ImageUpdated = true
	s.contacts[id] = c
	return nil
}

func (s *Store) Absorb(ctx context.Context, tenantID, duplicateID, canonicalID string, lid *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	duplicate, ok := s.contacts[duplicateID]
	if !ok || duplicate.TenantID != tenantID {
		return notFound(duplicateID)
	}
	canonical, ok := s.contacts[canonicalID]
	if !ok || canonical.TenantID != tenantID {
		return notFound(canonicalID)
	}

	if lid != nil && canonical.LID == nil {
		canonical.LID = lid
		canonical.UpdatedAt = s.now()
		if err := s.conflictLocked(canonical, duplicateID); err != nil {
			return err
		}
		s.contacts[canonicalID] = canonical
	}
	delete(s.contacts, duplicateID)
	return nil
}

func (s *Store) CountByContact(ctx context.Context, contactID string) (models.HistoryCounts, error) {
	if err := ctx.Err(); err != nil {
		return models.HistoryCounts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(contactID), nil
}

func (s *Store) countLocked(contactID string) models.HistoryCounts {
	var counts models.HistoryCounts
	for _, t := range s.tickets {
		if t.ContactID == contactID {
			counts.Tickets++
		}
	}
	for _, m := range s.messages {
		if m.ContactID == contactID {
			counts.Messages++
		}
	}
	for _, f := range s.customFields {
		if f.ContactID == contactID {
			counts.CustomFields++
		}
	}
	return counts
}

// Repoint is all-or-nothing: nothing moves unless ctx is still live once the lock is held.
func (s *Store) Repoint(ctx context.Context, fromContactID, toContactID string) (models.HistoryCounts, error) {
	if s.BeforeRepoint != nil {
		if err := s.BeforeRepoint(ctx, fromContactID, toContactID); err != nil {
			return models.HistoryCounts{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return models.HistoryCounts{}, err
	}

	var moved models.HistoryCounts
	for id, t := range s.tickets {
		if t.ContactID == fromContactID {
			t.ContactID = toContactID
			s.tickets[id] = t
			moved.Tickets++
		}
	}
	for id, m := range s.messages {
		if m.ContactID == fromContactID {
			m.ContactID = toContactID
			s.messages[id] = m
			moved.Messages++
		}
	}

	taken := make(map[string]bool)
	for _, f := range s.customFields {
		if f.ContactID == toContactID {
			taken[f.Name] = true
		}
	}
	for id, f := range s.customFields {
		if f.ContactID != fromContactID {
			continue
		}
		if taken[f.Name] {
			delete(s.customFields, id)
			continue
		}
		f.ContactID = toContactID
		s.customFields[id] = f
		moved.CustomFields++
	}
	return moved, nil
}

func (s *Store) LastTicketActivity(ctx context.Context, contactID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *time.Time
	for _, t := range s.tickets {
		if t.ContactID != contactID {
			continue
		}
		updated := t.UpdatedAt
		if latest == nil || updated.After(*latest) {
			latest = &updated
		}
	}
	return latest, nil
}

func (s *Store) ListInactive(ctx context.Context, tenantID string, before time.Time) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID == tenantID && !c.IsGroup && c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func (s *Store) DeleteCascade(ctx context.Context, tenantID, contactID string) (models.HistoryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return models.HistoryCounts{}, notFound(contactID)
	}

	deleted := s.countLocked(contactID)
	for id, f := range s.customFields {
		if f.ContactID == contactID {
			delete(s.customFields, id)
		}
	}
	for id, m := range s.messages {
		if m.ContactID == contactID {
			delete(s.messages, id)
		}
	}
	for id, t := range s.tickets {
		if t.ContactID == contactID {
			delete(s.tickets, id)
		}
	}
	delete(s.contacts, contactID)
	return deleted, nil
}
