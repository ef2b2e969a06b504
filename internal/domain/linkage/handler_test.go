package linkage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
)

func newLinkEcho(fx *serviceFixture, userID string) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID != "" {
				ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, userID)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	})
	NewHandler(fx.svc).RegisterRoutes(api, e.Group("/api/v1"))
	return e
}

func TestHandler_AuthorizeAndCallback(t *testing.T) {
	fx := newServiceFixture(t)
	e := newLinkEcho(fx, "u1")

	body := fmt.Sprintf(`{"organization_id":"org-1","organization_name":"General","fhir_base_url":%q}`, fx.ehr.base())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/links/authorize", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("authorize: status %d, body %s", rec.Code, rec.Body.String())
	}
	var authz Authorization
	if err := json.Unmarshal(rec.Body.Bytes(), &authz); err != nil {
		t.Fatal(err)
	}
	if authz.URL == "" || authz.State == "" {
		t.Fatalf("unexpected authorization %+v", authz)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/links/callback?state="+authz.State+"&code=good-code", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: status %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "refresh-1") || strings.Contains(rec.Body.String(), "access-1") {
		t.Error("callback response leaks token material")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/links", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var list struct {
		Links []Summary `json:"links"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Links) != 1 || list.Links[0].Status != StatusActive {
		t.Errorf("unexpected links %+v", list.Links)
	}
}

func TestHandler_AuthorizeValidation(t *testing.T) {
	fx := newServiceFixture(t)
	e := newLinkEcho(fx, "u1")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/links/authorize", strings.NewReader(`{"organization_id":"org-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_RequiresUser(t *testing.T) {
	fx := newServiceFixture(t)
	e := newLinkEcho(fx, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/links", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandler_CallbackErrors(t *testing.T) {
	fx := newServiceFixture(t)
	e := newLinkEcho(fx, "u1")

	cases := []struct {
		query string
		want  int
	}{
		{"", http.StatusBadRequest},
		{"state=abc", http.StatusBadRequest},
		{"state=unknown&code=x", http.StatusBadRequest},
		{"state=unknown&error=access_denied", http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/links/callback?"+tc.query, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%q: status = %d, want %d", tc.query, rec.Code, tc.want)
		}
	}
}

func TestHandler_RevokeAndDelete(t *testing.T) {
	fx := newServiceFixture(t)
	link := activate(t, fx, "u1")
	e := newLinkEcho(fx, "u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/links/"+link.ID.String()+"/revoke", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/links/"+link.ID.String(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/links/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/links/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", rec.Code)
	}
}

func TestHTTPError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrRevoked), http.StatusGone},
		{ErrAlreadyLinked, http.StatusConflict},
		{ErrInvalidState, http.StatusBadRequest},
		{ErrUnsupportedServer, http.StatusUnprocessableEntity},
		{&ExchangeError{Err: errors.New("x")}, http.StatusBadGateway},
		{&fhirclient.RequestError{Status: 500}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var he *echo.HTTPError
		if !errors.As(HTTPError(tc.err), &he) || he.Code != tc.want {
			t.Errorf("HTTPError(%v) = %v, want %d", tc.err, he, tc.want)
		}
	}
}
