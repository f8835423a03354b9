package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	Observed *ContactObservedMessage
}

// ContactObservedMessage is published by the channel connector for every inbound
// event that carries contact identifiers.
type ContactObservedMessage struct {
	TenantID         string `json:"tenant_id" validate:"required"`
	Address          string `json:"address" validate:"required"`
	LID              string `json:"lid,omitempty"`
	IsGroup          bool   `json:"is_group"`
	Name             string `json:"name,omitempty"`
	Channel          string `json:"channel,omitempty"`
	RemoteJID        string `json:"remote_jid,omitempty"`
	ProfilePicURL    string `json:"profile_pic_url,omitempty"`
	ChannelAccountID string `json:"channel_account_id,omitempty"`
}

// ParseObserved decodes and validates the value. The tenant header fills a missing tenant_id.
func (m *IncomingMessage) ParseObserved() error {
	var observed ContactObservedMessage
	if err := json.Unmarshal(m.Value, &observed); err != nil {
		return fmt.Errorf("failed to decode contact observed message: %w", err)
	}
	if observed.TenantID == "" {
		observed.TenantID = m.Headers["tenant_id"]
	}
	if _, err := utils.Validate(observed); err != nil {
		return err
	}
	m.Observed = &observed
	return nil
}

func (m *ContactObservedMessage) Observation() resolver.Observation {
	return resolver.Observation{
		TenantID:         m.TenantID,
		Address:          m.Address,
		LID:              m.LID,
		IsGroup:          m.IsGroup,
		Name:             m.Name,
		Channel:          m.Channel,
		RemoteJID:        m.RemoteJID,
		ProfilePicURL:    m.ProfilePicURL,
		ChannelAccountID: m.ChannelAccountID,
	}
}
