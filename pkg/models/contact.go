package models

import "time"

// ContactAction is the kind of change a resolution made to a contact.
type ContactAction string

const (
	ContactActionCreate ContactAction = "create"
	ContactActionUpdate ContactAction = "update"
	ContactActionDelete ContactAction = "delete"
)

// Contact is one conversational end user as stored for a tenant.
type Contact struct {
	ID               string    `json:"id" db:"id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	Name             string    `json:"name" db:"name"`
	Number           string    `json:"number" db:"number"`
	LID              *string   `json:"lid,omitempty" db:"lid"`
	Channel          string    `json:"channel" db:"channel"`
	IsGroup          bool      `json:"is_group" db:"is_group"`
	RemoteJID        *string   `json:"remote_jid,omitempty" db:"remote_jid"`
	ChannelAccountID *string   `json:"channel_account_id,omitempty" db:"channel_account_id"`
	ProfilePicURL    string    `json:"profile_pic_url" db:"profile_pic_url"`
	ProfileImage     string    `json:"profile_image" db:"profile_image"`
	ImageUpdated     bool      `json:"image_updated" db:"image_updated"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// LIDValue returns the LID or "" when unset.
func (c *Contact) LIDValue() string {
	if c == nil || c.LID == nil {
		return ""
	}
	return *c.LID
}

// RemoteAddress is the channel address used to reach the contact, falling back to the number.
func (c *Contact) RemoteAddress() string {
	if c.RemoteJID != nil && *c.RemoteJID != "" {
		return *c.RemoteJID
	}
	return c.Number
}

// Before orders contacts oldest first with id as tie-break.
func (c Contact) Before(other Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// ContactUpdate lists the mutable attributes written back after a resolution.
type ContactUpdate struct {
	Name             string
	Number           string
	LID              *string
	IsGroup          bool
	RemoteJID        *string
	ChannelAccountID *string
	ProfilePicURL    string
}

// UpdateFrom captures the mutable attributes of c.
func UpdateFrom(c *Contact) ContactUpdate {
	return ContactUpdate{
		Name:             c.Name,
		Number:           c.Number,
		LID:              c.LID,
		IsGroup:          c.IsGroup,
		RemoteJID:        c.RemoteJID,
		ChannelAccountID: c.ChannelAccountID,
		ProfilePicURL:    c.ProfilePicURL,
	}
}

// ContactCriteria selects a tenant's contacts matching any of the listed keys,
// oldest first. Empty key lists are ignored.
type ContactCriteria struct {
	Numbers       []string
	LIDs          []string
	NumberSuffix  string
	ExcludeID     string
	ExcludeGroups bool
	Limit         int
}

// Empty reports whether no key would match anything.
func (c ContactCriteria) Empty() bool {
	return len(c.Numbers) == 0 && len(c.LIDs) == 0 && c.NumberSuffix == ""
}
