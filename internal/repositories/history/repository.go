package history

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository reads and re-points the history a contact owns: tickets,
// messages and custom fields.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) CountByContact(ctx context.Context, contactID string) (models.HistoryCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Repository.CountByContact")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		fmt.Sprintf("(SELECT COUNT(*) FROM tickets WHERE contact_id = %s) AS tickets", sb.Var(contactID)),
		fmt.Sprintf("(SELECT COUNT(*) FROM messages WHERE contact_id = %s) AS messages", sb.Var(contactID)),
		fmt.Sprintf("(SELECT COUNT(*) FROM contact_custom_fields WHERE contact_id = %s) AS custom_fields", sb.Var(contactID)),
	)

	query, args := sb.Build()
	var counts models.HistoryCounts
	if err := database.Conn(ctx, r.db).GetContext(ctx, &counts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contactID,
		}).Error("Failed to count contact history")
		return models.HistoryCounts{}, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count contact history")
	}
	return counts, nil
}

// Repoint moves everything still owned by fromContactID to toContactID in one
// transaction. Custom fields the target already has by name stay with the
// target and the source copies are dropped. Every statement filters on the
// source id, so running it again after a partial failure is safe.
func (r *Repository) Repoint(ctx context.Context, fromContactID, toContactID string) (models.HistoryCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Repository.Repoint")
	defer span.End()

	var moved models.HistoryCounts

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return moved, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"from_contact_id": fromContactID,
		"to_contact_id":   toContactID,
	})
	conn := database.Conn(ctx, r.db)

	for _, step := range []struct {
		table string
		count *int
	}{
		{table: "tickets", count: &moved.Tickets},
		{table: "messages", count: &moved.Messages},
	} {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(step.table)
		ub.Set(ub.Assign("contact_id", toContactID))
		ub.Where(ub.Equal("contact_id", fromContactID))
		query, args := ub.Build()
		result, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			log.WithError(err).WithField("table", step.table).Error("Failed to re-point contact history")
			return models.HistoryCounts{}, fmt.Errorf("failed to re-point %s: %w", step.table, err)
		}
		rows, _ := result.RowsAffected()
		*step.count = int(rows)
	}

	taken := sqlbuilder.PostgreSQL.NewSelectBuilder()
	taken.Select("name")
	taken.From("contact_custom_fields")
	taken.Where(taken.Equal("contact_id", toContactID))

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("contact_custom_fields")
	del.Where(del.Equal("contact_id", fromContactID), del.In("name", taken))
	query, args := del.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		log.WithError(err).Error("Failed to drop colliding custom fields")
		return models.HistoryCounts{}, fmt.Errorf("failed to drop colliding custom fields: %w", err)
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("contact_custom_fields")
	ub.Set(ub.Assign("contact_id", toContactID))
	ub.Where(ub.Equal("contact_id", fromContactID))
	query, args = ub.Build()
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Error("Failed to re-point custom fields")
		return models.HistoryCounts{}, fmt.Errorf("failed to re-point custom fields: %w", err)
	}
	rows, _ := result.RowsAffected()
	moved.CustomFields = int(rows)

	if err := tx.Commit(ctx); err != nil {
		return models.HistoryCounts{}, fmt.Errorf("failed to commit re-point: %w", err)
	}
	return moved, nil
}

// LastTicketActivity returns the latest ticket update for a contact, or nil when it has none.
func (r *Repository) LastTicketActivity(ctx context.Context, contactID string) (*time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "history.Repository.LastTicketActivity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("MAX(updated_at)")
	sb.From("tickets")
	sb.Where(sb.Equal("contact_id", contactID))

	query, args := sb.Build()
	var latest *time.Time
	if err := database.Conn(ctx, r.db).GetContext(ctx, &latest, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read last ticket activity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read last ticket activity")
	}
	return latest, nil
}
