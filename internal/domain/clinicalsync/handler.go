package clinicalsync

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/domain/tokens"
	"github.com/ehr/ehrlink/internal/platform/auth"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/links/:id/sync", h.SyncLink)
}

// SyncLink runs a sync of one link and returns its result. The body is
// optional.
func (h *Handler) SyncLink(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var opts Options
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&opts); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	res, err := h.engine.SyncForUser(c.Request().Context(), userID, id, opts)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, tokens.ErrReauthRequired):
		body := map[string]interface{}{"error": "reauth_required", "message": err.Error()}
		if res != nil {
			body["result"] = res
		}
		return c.JSON(http.StatusConflict, body)
	case errors.Is(err, ErrNotSyncable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return linkage.HTTPError(err)
}
