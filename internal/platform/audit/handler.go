package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/auth"
)

// OwnerCheck returns nil when userID owns linkID, else an error already
// suitable for the HTTP layer (typically an *echo.HTTPError).
type OwnerCheck func(ctx context.Context, userID string, linkID uuid.UUID) error

// Handler exposes a link's audit trail to its owner. It is read-only.
type Handler struct {
	store Store
	owner OwnerCheck
}

func NewHandler(store Store, owner OwnerCheck) *Handler {
	return &Handler{store: store, owner: owner}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/links/:id/audit", h.ListByLink)
}

const maxListLimit = 500

func (h *Handler) ListByLink(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	linkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.owner(ctx, userID, linkID); err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 100
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, err := h.store.ListByLink(ctx, linkID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load audit trail")
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}
