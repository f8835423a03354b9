// Package events emits contact lifecycle notifications
package events

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher writes contact events to the bus.
type Publisher interface {
	PublishContactEvent(ctx context.Context, event *kafka.ContactEvent) error
}

type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EventType maps an action to its topic event type, e.g. contact.update.
func EventType(action models.ContactAction) string {
	return "contact." + string(action)
}

// Notify emits a tenant-scoped event carrying the action and resulting contact.
func (e *Emitter) Notify(ctx context.Context, tenantID string, action models.ContactAction, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Notify")
	defer span.End()

	event := &kafka.ContactEvent{
		EventType: EventType(action),
		TenantID:  tenantID,
		Action:    string(action),
		Contact:   contact,
	}
	if contact != nil {
		event.ContactID = contact.ID
	}

	if err := e.producer.PublishContactEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", event.EventType)
		return err
	}
	return nil
}

// NotifyDeleted emits contact.delete for a removed contact.
func (e *Emitter) NotifyDeleted(ctx context.Context, tenantID, contactID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.NotifyDeleted")
	defer span.End()

	event := &kafka.ContactEvent{
		EventType: EventType(models.ContactActionDelete),
		TenantID:  tenantID,
		ContactID: contactID,
		Action:    string(models.ContactActionDelete),
	}
	if err := e.producer.PublishContactEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit contact.delete event")
		return err
	}
	return nil
}
