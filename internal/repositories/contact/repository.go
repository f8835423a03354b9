package contact

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{
	"id", "tenant_id", "name", "number", "lid", "channel", "is_group", "remote_jid",
	"channel_account_id", "profile_pic_url", "profile_image", "image_updated", "created_at", "updated_at",
}

// Repository handles contact persistence
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

func notFound(id string) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("contact %s not found", id))
}

// FindMatching returns the tenant's contacts matching any key in criteria, oldest first.
func (r *Repository) FindMatching(ctx context.Context, tenantID string, criteria models.ContactCriteria) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindMatching")
	defer span.End()

	if criteria.Empty() {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("contacts")

	var keys []string
	if len(criteria.Numbers) > 0 {
		keys = append(keys, sb.In("number", sqlbuilder.Flatten(criteria.Numbers)...))
	}
	if len(criteria.LIDs) > 0 {
		keys = append(keys, sb.In("lid", sqlbuilder.Flatten(criteria.LIDs)...))
	}
	if criteria.NumberSuffix != "" {
		keys = append(keys, sb.Like("number", "%"+criteria.NumberSuffix))
	}

	sb.Where(sb.Equal("tenant_id", tenantID), sb.Or(keys...))
	if criteria.ExcludeID != "" {
		sb.Where(sb.NotEqual("id", criteria.ExcludeID))
	}
	if criteria.ExcludeGroups {
		sb.Where(sb.Equal("is_group", false))
	}
	sb.OrderBy("created_at ASC", "id ASC")
	if criteria.Limit > 0 {
		sb.Limit(criteria.Limit)
	}

	query, args := sb.Build()
	var contacts []models.Contact
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("Failed to find matching contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find matching contacts")
	}
	return contacts, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("contacts")
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))

	query, args := sb.Build()
	var contact models.Contact
	if err := database.Conn(ctx, r.db).GetContext(ctx, &contact, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, notFound(id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact")
	}
	return &contact, nil
}

// Create inserts a contact. A unique (tenant, number) or (tenant, lid) conflict
// is returned wrapping database.ErrUniqueViolation.
func (r *Repository) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	created := *contact
	created.ID = uuid.New().String()
	created.CreatedAt = time.Now().UTC()
	created.UpdatedAt = created.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("contacts")
	sb.Cols(columns...)
	sb.Values(created.ID, created.TenantID, created.Name, created.Number, created.LID, created.Channel, created.IsGroup,
		created.RemoteJID, created.ChannelAccountID, created.ProfilePicURL, created.ProfileImage, created.ImageUpdated,
		created.CreatedAt, created.UpdatedAt)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: contact %s for tenant %s", database.ErrUniqueViolation, created.Number, created.TenantID)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":        created.ID,
		"tenant_id": created.TenantID,
	}).Info("Created contact")
	return &created, nil
}

func (r *Repository) Update(ctx context.Context, tenantID, id string, update models.ContactUpdate) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Update")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("name", update.Name),
		sb.Assign("number", update.Number),
		sb.Assign("lid", update.LID),
		sb.Assign("is_group", update.IsGroup),
		sb.Assign("remote_jid", update.RemoteJID),
		sb.Assign("channel_account_id", update.ChannelAccountID),
		sb.Assign("profile_pic_url", update.ProfilePicURL),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: contact %s", database.ErrUniqueViolation, id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, notFound(id)
	}
	return r.Get(ctx, tenantID, id)
}

func (r *Repository) UpdateProfileImage(ctx context.Context, tenantID, id, filename string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.UpdateProfileImage")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("profile_image", filename),
		sb.Assign("image_updated", true),
	)
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update profile image")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update profile image")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return notFound(id)
	}
	return nil
}

// Absorb deletes the duplicate and, when lid is set and the canonical has none,
// gives it to the canonical contact. The duplicate goes first so its LID is free
// before it moves.
func (r *Repository) Absorb(ctx context.Context, tenantID, duplicateID, canonicalID string, lid *string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Absorb")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"duplicate_id": duplicateID,
		"canonical_id": canonicalID,
	})
	conn := database.Conn(ctx, r.db)

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("contacts")
	del.Where(del.Equal("id", duplicateID), del.Equal("tenant_id", tenantID))
	query, args := del.Build()
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Error("Failed to delete duplicate contact")
		return fmt.Errorf("failed to delete duplicate contact: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return notFound(duplicateID)
	}

	if lid != nil {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update("contacts")
		ub.Set(ub.Assign("lid", *lid), ub.Assign("updated_at", time.Now().UTC()))
		ub.Where(ub.Equal("id", canonicalID), ub.Equal("tenant_id", tenantID), ub.IsNull("lid"))
		query, args := ub.Build()
		result, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: lid %s", database.ErrUniqueViolation, *lid)
			}
			log.WithError(err).Error("Failed to set canonical LID")
			return fmt.Errorf("failed to set canonical lid: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			exists, err := r.exists(ctx, conn, tenantID, canonicalID)
			if err != nil {
				log.WithError(err).Error("Failed to check canonical contact")
				return fmt.Errorf("failed to check canonical contact: %w", err)
			}
			if !exists {
				return notFound(canonicalID)
			}
			log.WithField("lid", *lid).Warn("Canonical contact already has a LID, keeping it")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit absorb: %w", err)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, conn database.Querier, tenantID, id string) (bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)").From("contacts")
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))
	query, args := sb.Build()

	var count int
	if err := conn.GetContext(ctx, &count, query, args...); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListInactive returns non-group contacts not updated since before, oldest first.
func (r *Repository) ListInactive(ctx context.Context, tenantID string, before time.Time) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.ListInactive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("contacts")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("is_group", false),
		sb.LessThan("updated_at", before),
	)
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list inactive contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list inactive contacts")
	}
	return contacts, nil
}

// DeleteCascade removes a contact with its custom fields, messages and tickets
// in one transaction and reports how much history went with it.
func (r *Repository) DeleteCascade(ctx context.Context, tenantID, contactID string) (models.HistoryCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.DeleteCascade")
	defer span.End()

	var deleted models.HistoryCounts

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return deleted, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	conn := database.Conn(ctx, r.db)
	steps := []struct {
		table string
		count *int
	}{
		{table: "contact_custom_fields", count: &deleted.CustomFields},
		{table: "messages", count: &deleted.Messages},
		{table: "tickets", count: &deleted.Tickets},
	}
	for _, step := range steps {
		hb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		hb.DeleteFrom(step.table)
		hb.Where(hb.Equal("contact_id", contactID))
		query, args := hb.Build()
		result, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"contact_id": contactID,
				"table":      step.table,
			}).Error("Failed to delete contact history")
			return models.HistoryCounts{}, fmt.Errorf("failed to delete %s: %w", step.table, err)
		}
		rows, _ := result.RowsAffected()
		*step.count = int(rows)
	}

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("contacts")
	del.Where(del.Equal("id", contactID), del.Equal("tenant_id", tenantID))
	query, args := del.Build()
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return models.HistoryCounts{}, fmt.Errorf("failed to delete contact: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return models.HistoryCounts{}, notFound(contactID)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.HistoryCounts{}, fmt.Errorf("failed to commit cascade delete: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     tenantID,
		"contact_id":    contactID,
		"tickets":       deleted.Tickets,
		"messages":      deleted.Messages,
		"custom_fields": deleted.CustomFields,
	}).Info("Cascade deleted contact")
	return deleted, nil
}
