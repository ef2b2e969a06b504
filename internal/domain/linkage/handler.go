package linkage

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the link endpoints on api (app-user authenticated)
// and the OAuth callback on public, which the browser reaches by redirect
// without the app's bearer token.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	api.GET("/links", h.ListLinks)
	api.GET("/links/:id", h.GetLink)
	api.POST("/links/authorize", h.Authorize)
	api.POST("/links/:id/revoke", h.RevokeLink)
	api.DELETE("/links/:id", h.DeleteLink)

	public.GET("/links/callback", h.Callback)
}

func (h *Handler) ListLinks(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	links, err := h.svc.List(c.Request().Context(), userID)
	if err != nil {
		return HTTPError(err)
	}
	out := make([]Summary, 0, len(links))
	for _, l := range links {
		out = append(out, l.Summary())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"links": out})
}

func (h *Handler) GetLink(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	link, err := h.svc.Get(c.Request().Context(), userID, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, link.Summary())
}

func (h *Handler) Authorize(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	var org OrganizationRef
	if err := c.Bind(&org); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if org.ID == "" || org.FHIRBaseURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organization_id and fhir_base_url are required")
	}
	authz, err := h.svc.BeginLink(c.Request().Context(), userID, org)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, authz)
}

func (h *Handler) Callback(c echo.Context) error {
	state := c.QueryParam("state")
	if state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state is required")
	}
	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		if err := h.svc.AbortLink(c.Request().Context(), state, oauthErr); err != nil && !errors.Is(err, ErrTokenExchange) {
			return HTTPError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, "authorization failed: "+oauthErr)
	}
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	link, err := h.svc.CompleteLink(c.Request().Context(), state, code)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, link.Summary())
}

func (h *Handler) RevokeLink(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Revoke(c.Request().Context(), userID, id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteLink(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), userID, id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func requireUser(c echo.Context) (string, error) {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return userID, nil
}

// HTTPError maps link errors to HTTP errors.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "link not found")
	case errors.Is(err, ErrRevoked):
		return echo.NewHTTPError(http.StatusGone, "link revoked")
	case errors.Is(err, ErrAlreadyLinked):
		return echo.NewHTTPError(http.StatusConflict, "organization already linked")
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnsupportedServer):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrTokenExchange),
		errors.Is(err, fhirclient.ErrProtocolRequest),
		errors.Is(err, fhirclient.ErrNetwork):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
