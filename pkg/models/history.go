package models

import "time"

// Ticket is a support conversation owned by exactly one contact.
type Ticket struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ContactID string    `json:"contact_id" db:"contact_id"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Message struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ContactID string    `json:"contact_id" db:"contact_id"`
	TicketID  *string   `json:"ticket_id,omitempty" db:"ticket_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CustomField is a named value attached to a contact; names are unique per contact.
type CustomField struct {
	ID        string `json:"id" db:"id"`
	ContactID string `json:"contact_id" db:"contact_id"`
	Name      string `json:"name" db:"name"`
	Value     string `json:"value" db:"value"`
}

// HistoryCounts is the amount of owned history attached to one contact.
type HistoryCounts struct {
	Tickets      int `json:"tickets" db:"tickets"`
	Messages     int `json:"messages" db:"messages"`
	CustomFields int `json:"custom_fields" db:"custom_fields"`
}

// Empty reports whether the contact owns no tickets and no messages.
func (h HistoryCounts) Empty() bool {
	return h.Tickets == 0 && h.Messages == 0
}
