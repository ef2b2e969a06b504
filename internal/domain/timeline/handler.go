package timeline

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/timeline", h.GetTimeline)
}

// GetTimeline serves GET /timeline?category=&link_id=&organization_id=&from=&to=&q=&_count=&_offset=.
// List parameters accept repeated keys or comma-separated values.
func (h *Handler) GetTimeline(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	pg := pagination.FromContext(c)
	f := Filter{
		UserID:          userID,
		OrganizationIDs: listParam(c, "organization_id"),
		Search:          c.QueryParam("q"),
		Limit:           pg.Limit,
		Offset:          pg.Offset,
	}
	if !f.ValidSearch() {
		return echo.NewHTTPError(http.StatusBadRequest, "q needs a word of at least two letters or digits")
	}
	for _, v := range listParam(c, "category") {
		cat := Category(strings.ToLower(v))
		if !cat.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown category: "+v)
		}
		f.Categories = append(f.Categories, cat)
	}
	for _, v := range listParam(c, "link_id") {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid link_id: "+v)
		}
		f.LinkIDs = append(f.LinkIDs, id)
	}
	var err error
	if f.From, err = dateParam(c, "from", false); err != nil {
		return err
	}
	if f.To, err = dateParam(c, "to", true); err != nil {
		return err
	}

	view, err := h.svc.View(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load timeline")
	}
	pagination.SetLinkHeader(c, pg.Links(c.Request().URL, view.Total))
	return c.JSON(http.StatusOK, view)
}

func listParam(c echo.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryParams()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// dateParam accepts RFC 3339 timestamps or calendar dates. A date used as an
// upper bound covers the whole day.
func dateParam(c echo.Context, name string, endOfDay bool) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
