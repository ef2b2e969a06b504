package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/timeline"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"custom", "?limit=10&offset=20", 10, 20},
		{"underscore params win", "?_count=5&_offset=15&limit=50&offset=1", 5, 15},
		{"clamped to max", "?_count=100000", MaxLimit, 0},
		{"negative offset", "?offset=-4", DefaultLimit, 0},
		{"garbage", "?_count=abc&_offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(t, tt.query)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(16) || p.HasNext(15) {
		t.Error("HasNext boundary wrong")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("HasPrevious wrong")
	}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d, want 0", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("PreviousOffset should step back one page")
	}
}

func TestParams_Links(t *testing.T) {
	u, _ := url.Parse("/api/v1/timeline?category=lab&limit=10&offset=10")
	p := Params{Limit: 10, Offset: 10}

	links := p.Links(u, 35)
	got := map[string]string{}
	for _, l := range links {
		got[l.Relation] = l.URL
	}
	if got["first"] != "/api/v1/timeline?_count=10&_offset=0&category=lab" {
		t.Errorf("first = %s", got["first"])
	}
	if got["next"] != "/api/v1/timeline?_count=10&_offset=20&category=lab" {
		t.Errorf("next = %s", got["next"])
	}
	if got["prev"] != "/api/v1/timeline?_count=10&_offset=0&category=lab" {
		t.Errorf("prev = %s", got["prev"])
	}

	last := Params{Limit: 10, Offset: 30}.Links(u, 35)
	for _, l := range last {
		if l.Relation == "next" {
			t.Error("last page should have no next link")
		}
	}
}

func TestSetLinkHeader(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetLinkHeader(c, []Link{{Relation: "first", URL: "/t?_offset=0"}, {Relation: "next", URL: "/t?_offset=10"}})
	h := rec.Header().Get("Link")
	if !strings.Contains(h, `</t?_offset=0>; rel="first"`) || !strings.Contains(h, `</t?_offset=10>; rel="next"`) {
		t.Errorf("Link header = %q", h)
	}

	rec2 := httptest.NewRecorder()
	SetLinkHeader(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec2), nil)
	if rec2.Header().Get("Link") != "" {
		t.Error("no links should leave the header unset")
	}
}
