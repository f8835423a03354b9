package contact

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Pipeline interface {
	Run(ctx context.Context, obs resolver.Observation) (*intake.Outcome, error)
}

type ContactReader interface {
	Get(ctx context.Context, tenantID, id string) (*models.Contact, error)
}

type CandidateLocator interface {
	Locate(ctx context.Context, tenantID string, keys identity.Keys) (*locator.Candidates, error)
}

type Merger interface {
	Merge(ctx context.Context, canonical *models.Contact, duplicates []models.Contact) ([]models.MergeOutcome, error)
}

// Handler serves the contact resolution endpoints.
type Handler struct {
	pipeline Pipeline
	contacts ContactReader
	locator  CandidateLocator
	merger   Merger
}

func NewHandler(pipeline Pipeline, contacts ContactReader, locator CandidateLocator, merger Merger) *Handler {
	return &Handler{
		pipeline: pipeline,
		contacts: contacts,
		locator:  locator,
		merger:   merger,
	}
}

// Register registers contact routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/resolve", h.Resolve)
	g.GET("/:id", h.GetContact)
	g.GET("/:id/duplicates", h.GetDuplicates)
	g.POST("/:id/merge", h.MergeDuplicates)
}

// DuplicatesResponse is the locator's view of one contact's identity.
type DuplicatesResponse struct {
	Canonical  *models.Contact  `json:"canonical"`
	Duplicates []models.Contact `json:"duplicates"`
}

type MergeResponse struct {
	Canonical     *models.Contact       `json:"canonical"`
	MergeOutcomes []models.MergeOutcome `json:"merge_outcomes"`
}

func tenantID(ctx context.Context) (string, error) {
	id := appctx.GetTenantID(ctx)
	if id == "" {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "%s header is required", middleware.HeaderTenantID)
	}
	return id, nil
}

// Resolve runs an observation through the intake pipeline.
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	obs, err := utils.BindRequest[resolver.Observation](c)
	if err != nil {
		return err
	}
	obs.TenantID = tenant

	outcome, err := h.pipeline.Run(ctx, obs)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if outcome.Action == models.ContactActionCreate {
		status = http.StatusCreated
	}
	return c.JSON(status, outcome)
}

func (h *Handler) GetContact(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	contact, err := h.contacts.Get(ctx, tenant, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, contact)
}

// GetDuplicates previews what a merge for this contact's identity would fold together.
func (h *Handler) GetDuplicates(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	candidates, err := h.locate(ctx, tenant, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DuplicatesResponse{
		Canonical:  candidates.Canonical,
		Duplicates: nonNil(candidates.Duplicates),
	})
}

func (h *Handler) MergeDuplicates(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, err := tenantID(ctx)
	if err != nil {
		return err
	}

	candidates, err := h.locate(ctx, tenant, c.Param("id"))
	if err != nil {
		return err
	}

	outcomes := []models.MergeOutcome{}
	if len(candidates.Duplicates) > 0 {
		merged, err := h.merger.Merge(ctx, candidates.Canonical, candidates.Duplicates)
		if err != nil {
			return httperror.WrapError(http.StatusInternalServerError, err)
		}
		outcomes = merged
	}
	return c.JSON(http.StatusOK, MergeResponse{
		Canonical:     candidates.Canonical,
		MergeOutcomes: outcomes,
	})
}

func (h *Handler) locate(ctx context.Context, tenant, id string) (*locator.Candidates, error) {
	contact, err := h.contacts.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	keys := identity.Derive(contact.Number, contact.IsGroup, contact.LIDValue())
	return h.locator.Locate(ctx, tenant, keys)
}

func nonNil(contacts []models.Contact) []models.Contact {
	if contacts == nil {
		return []models.Contact{}
	}
	return contacts
}
