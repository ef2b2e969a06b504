package linkage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

// fakeEHR serves discovery, token, revocation and metadata endpoints.
type fakeEHR struct {
	srv *httptest.Server

	mu         sync.Mutex
	challenge  string
	verifiers  []string
	revoked    []string
	noS256     bool
	tokenExtra map[string]interface{}
}

func newFakeEHR(t *testing.T) *fakeEHR {
	f := &fakeEHR{tokenExtra: map[string]interface{}{"patient": "pat-1"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/.well-known/smart-configuration", func(w http.ResponseWriter, r *http.Request) {
		methods := []string{"S256"}
		if f.noS256 {
			methods = []string{"plain"}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"authorization_endpoint":           f.srv.URL + "/auth/authorize",
			"token_endpoint":                   f.srv.URL + "/auth/token",
			"revocation_endpoint":              f.srv.URL + "/auth/revoke",
			"code_challenge_methods_supported": methods,
		})
	})
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("unexpected grant_type %q", r.Form.Get("grant_type"))
		}
		f.mu.Lock()
		f.verifiers = append(f.verifiers, r.Form.Get("code_verifier"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
			return
		}
		body := map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "patient/*.read offline_access",
		}
		for k, v := range f.tokenExtra {
			body[k] = v
		}
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/auth/revoke", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.revoked = append(f.revoked, r.Form.Get("token"))
		f.mu.Unlock()
	})
	mux.HandleFunc("/fhir/metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			t.Errorf("metadata called without the exchanged token")
		}
		w.Write([]byte(`{"resourceType":"CapabilityStatement","rest":[{"mode":"server","resource":[
			{"type":"Observation","interaction":[{"code":"search-type"}]},
			{"type":"AllergyIntolerance","interaction":[{"code":"search-type"}]}]}]}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEHR) base() string { return f.srv.URL + "/fhir" }

// fakeKeeper stores the access token itself as the "sealed" blob.
type fakeKeeper struct {
	repo  LinkRepository
	saved []*oauth2.Token
}

func (k *fakeKeeper) SaveExchanged(ctx context.Context, link *LinkRecord, tok *oauth2.Token) error {
	k.saved = append(k.saved, tok)
	exp := tok.Expiry
	return k.repo.UpdateToken(ctx, link.ID, vault.Sealed{CipherText: []byte(tok.RefreshToken), IV: []byte("iv"), AuthTag: []byte("tag")}, &exp, "patient/*.read", StatusActive)
}

func (k *fakeKeeper) RevocationToken(link *LinkRecord) (string, string, error) {
	return string(link.Token.CipherText), "refresh_token", nil
}

type countingDeleter struct {
	calls []uuid.UUID
	err   error
}

func (d *countingDeleter) DeleteByLink(_ context.Context, id uuid.UUID) (int, error) {
	d.calls = append(d.calls, id)
	return 7, d.err
}

type serviceFixture struct {
	svc     *Service
	repo    *InMemoryLinkRepo
	ehr     *fakeEHR
	audits  *audit.InMemoryStore
	deleter *countingDeleter
	vault   *vault.Vault
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{7}, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	ehr := newFakeEHR(t)
	repo := NewInMemoryLinkRepo()
	audits := audit.NewInMemoryStore()
	deleter := &countingDeleter{}
	svc := NewService(Deps{
		Repo:     repo,
		Sessions: NewInMemorySessionStore(10 * time.Minute),
		Vault:    v,
		FHIR:     fhirclient.NewFactory(fhirclient.WithHTTPClient(ehr.srv.Client())),
		Tokens:   &fakeKeeper{repo: repo},
		Entries:  deleter,
		Audit:    audit.NewLog(audits, zerolog.Nop()),
		Client: ClientConfig{
			ClientID:    "ehrlink-test",
			RedirectURL: "https://app.example.org/api/v1/links/callback",
			Scopes:      []string{"launch/patient", "openid", "fhirUser", "offline_access", "patient/*.read"},
		},
		Logger: zerolog.Nop(),
	})
	return &serviceFixture{svc: svc, repo: repo, ehr: ehr, audits: audits, deleter: deleter, vault: v}
}

func (fx *serviceFixture) org() OrganizationRef {
	return OrganizationRef{ID: "org-1", Name: "General Hospital", FHIRBaseURL: fx.ehr.base() + "/"}
}

func TestService_BeginLink(t *testing.T) {
	fx := newServiceFixture(t)
	authz, err := fx.svc.BeginLink(context.Background(), "u1", fx.org())
	if err != nil {
		t.Fatalf("BeginLink: %v", err)
	}

	u, err := url.Parse(authz.URL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	want := map[string]string{
		"response_type":         "code",
		"client_id":             "ehrlink-test",
		"redirect_uri":          "https://app.example.org/api/v1/links/callback",
		"state":                 authz.State,
		"aud":                   fx.ehr.base(),
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if len(q.Get("code_challenge")) != 43 {
		t.Errorf("unexpected code_challenge %q", q.Get("code_challenge"))
	}
	if u.Path != "/auth/authorize" {
		t.Errorf("unexpected authorize path %s", u.Path)
	}

	link, err := fx.repo.GetByID(context.Background(), authz.LinkID)
	if err != nil {
		t.Fatal(err)
	}
	if link.Status != StatusPending || link.Discovery.TokenEndpoint == "" || link.FHIRBaseURL != fx.ehr.base() {
		t.Errorf("unexpected pending link %+v", link)
	}
}

func TestService_BeginLinkRejectsServerWithoutS256(t *testing.T) {
	fx := newServiceFixture(t)
	fx.ehr.noS256 = true
	if _, err := fx.svc.BeginLink(context.Background(), "u1", fx.org()); !errors.Is(err, ErrUnsupportedServer) {
		t.Errorf("expected ErrUnsupportedServer, got %v", err)
	}
}

func TestService_CompleteLink(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	authz, _ := fx.svc.BeginLink(ctx, "u1", fx.org())

	link, err := fx.svc.CompleteLink(ctx, authz.State, "good-code")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	if link.Status != StatusActive {
		t.Errorf("status = %s", link.Status)
	}
	if link.PrimaryPatientID() != "pat-1" {
		t.Errorf("patient = %q", link.PrimaryPatientID())
	}
	if link.PatientIdentities[0].HashedID != fx.vault.HashIdentifier("org-1|pat-1") {
		t.Error("patient identity hash mismatch")
	}
	if !link.Capabilities.CanReadAllergies || !link.Capabilities.CanReadLabs || link.Capabilities.CanReadProcedures {
		t.Errorf("unexpected capabilities %+v", link.Capabilities)
	}
	if len(link.SupportedResources) != 2 {
		t.Errorf("supported = %v", link.SupportedResources)
	}

	// The verifier sent to the token endpoint must hash to the challenge.
	authURL, _ := url.Parse(authz.URL)
	challenge := authURL.Query().Get("code_challenge")
	if got := oauth2.S256ChallengeFromVerifier(fx.ehr.verifiers[0]); got != challenge {
		t.Errorf("verifier does not match challenge")
	}

	if n := len(fx.audits.ByAction(audit.ActionTokenExchange)); n != 1 {
		t.Errorf("expected 1 token_exchange audit, got %d", n)
	}
	if n := len(fx.audits.ByAction(audit.ActionLinkCreated)); n != 1 {
		t.Errorf("expected 1 link_created audit, got %d", n)
	}

	if _, err := fx.svc.CompleteLink(ctx, authz.State, "good-code"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("replayed state: expected ErrInvalidState, got %v", err)
	}
}

func TestService_CompleteLinkPatientFromIDToken(t *testing.T) {
	fx := newServiceFixture(t)
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "abc",
		"fhirUser": "https://ehr.example.org/fhir/Patient/p-77",
	}).SignedString([]byte("issuer-secret"))
	if err != nil {
		t.Fatal(err)
	}
	fx.ehr.tokenExtra = map[string]interface{}{"id_token": idToken}
	authz, _ := fx.svc.BeginLink(context.Background(), "u1", fx.org())
	link, err := fx.svc.CompleteLink(context.Background(), authz.State, "good-code")
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	if link.PrimaryPatientID() != "p-77" {
		t.Errorf("patient = %q", link.PrimaryPatientID())
	}
}

func TestService_CompleteLinkExchangeFailure(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	authz, _ := fx.svc.BeginLink(ctx, "u1", fx.org())

	_, err := fx.svc.CompleteLink(ctx, authz.State, "bad-code")
	if !errors.Is(err, ErrTokenExchange) {
		t.Fatalf("expected ErrTokenExchange, got %v", err)
	}
	var exErr *ExchangeError
	if !errors.As(err, &exErr) || exErr.Code != "invalid_grant" {
		t.Errorf("expected invalid_grant code, got %+v", exErr)
	}

	link, _ := fx.repo.GetByID(ctx, authz.LinkID)
	if link.Status != StatusError {
		t.Errorf("status = %s, want error", link.Status)
	}
	failed := fx.audits.ByAction(audit.ActionTokenExchange)
	if len(failed) != 1 || failed[0].Success {
		t.Errorf("expected one failed token_exchange audit, got %+v", failed)
	}

	// Re-linking an errored link reuses the same row.
	again, err := fx.svc.BeginLink(ctx, "u1", fx.org())
	if err != nil {
		t.Fatalf("BeginLink after failure: %v", err)
	}
	if again.LinkID != authz.LinkID {
		t.Error("expected the errored link to be reused")
	}
	if _, err := fx.svc.CompleteLink(ctx, again.State, "good-code"); err != nil {
		t.Fatalf("CompleteLink after failure: %v", err)
	}
	link, _ = fx.repo.GetByID(ctx, authz.LinkID)
	if link.Status != StatusActive {
		t.Errorf("status = %s, want active", link.Status)
	}
}

func TestService_AbortLink(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	authz, _ := fx.svc.BeginLink(ctx, "u1", fx.org())

	err := fx.svc.AbortLink(ctx, authz.State, "access_denied")
	if !errors.Is(err, ErrTokenExchange) {
		t.Fatalf("expected ErrTokenExchange, got %v", err)
	}
	link, _ := fx.repo.GetByID(ctx, authz.LinkID)
	if link.Status != StatusError {
		t.Errorf("status = %s", link.Status)
	}
}

func activate(t *testing.T, fx *serviceFixture, userID string) *LinkRecord {
	t.Helper()
	authz, err := fx.svc.BeginLink(context.Background(), userID, fx.org())
	if err != nil {
		t.Fatal(err)
	}
	link, err := fx.svc.CompleteLink(context.Background(), authz.State, "good-code")
	if err != nil {
		t.Fatal(err)
	}
	return link
}

func TestService_BeginLinkOnActiveLink(t *testing.T) {
	fx := newServiceFixture(t)
	activate(t, fx, "u1")
	if _, err := fx.svc.BeginLink(context.Background(), "u1", fx.org()); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestService_Revoke(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	link := activate(t, fx, "u1")

	if err := fx.svc.Revoke(ctx, "someone-else", link.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign user: expected ErrNotFound, got %v", err)
	}
	if err := fx.svc.Revoke(ctx, "u1", link.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	got, _ := fx.repo.GetByID(ctx, link.ID)
	if got.Status != StatusRevoked || got.HasToken() {
		t.Errorf("unexpected revoked link %+v", got)
	}
	if len(fx.ehr.revoked) != 1 || fx.ehr.revoked[0] != "refresh-1" {
		t.Errorf("remote revocation calls = %v", fx.ehr.revoked)
	}
	if n := len(fx.audits.ByAction(audit.ActionLinkRevoked)); n != 1 {
		t.Errorf("expected 1 link_revoked audit, got %d", n)
	}
	if err := fx.svc.Revoke(ctx, "u1", link.ID); err != nil {
		t.Errorf("second revoke should be a no-op: %v", err)
	}

	// A revoked link is replaced by a fresh one on re-link.
	authz, err := fx.svc.BeginLink(ctx, "u1", fx.org())
	if err != nil {
		t.Fatalf("BeginLink after revoke: %v", err)
	}
	if authz.LinkID == link.ID {
		t.Error("revoked link must not be reused")
	}
}

func TestService_Delete(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	link := activate(t, fx, "u1")

	if err := fx.svc.Delete(ctx, "u1", link.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fx.repo.GetByID(ctx, link.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected link to be gone, got %v", err)
	}
	if len(fx.deleter.calls) != 1 || fx.deleter.calls[0] != link.ID {
		t.Errorf("timeline deletions = %v", fx.deleter.calls)
	}
	entries := fx.audits.ByAction(audit.ActionLinkDeleted)
	if len(entries) != 1 || entries[0].Metadata["entries_removed"] != 7 {
		t.Errorf("unexpected link_deleted audit %+v", entries)
	}
}

func TestService_DeleteRollsBackOnTimelineFailure(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	link := activate(t, fx, "u1")
	fx.deleter.err = errors.New("db down")

	if err := fx.svc.Delete(ctx, "u1", link.ID); err == nil {
		t.Fatal("expected error")
	}
	if _, err := fx.repo.GetByID(ctx, link.ID); err != nil {
		t.Errorf("link should remain when entries could not be deleted: %v", err)
	}
}

func TestService_ListAndGet(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	link := activate(t, fx, "u1")

	links, err := fx.svc.List(ctx, "u1")
	if err != nil || len(links) != 1 {
		t.Fatalf("List = %v, %v", links, err)
	}
	if _, err := fx.svc.Get(ctx, "u2", link.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestPatientFromToken(t *testing.T) {
	tok := (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]interface{}{"patient": "p1"})
	if got := PatientFromToken(tok); got != "p1" {
		t.Errorf("got %q", got)
	}
	if got := PatientFromToken(&oauth2.Token{AccessToken: "a"}); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	bad := (&oauth2.Token{}).WithExtra(map[string]interface{}{"id_token": "not-a-jwt"})
	if got := PatientFromToken(bad); got != "" {
		t.Errorf("expected empty for malformed id_token, got %q", got)
	}
}

func TestClientConfig_AuthStyle(t *testing.T) {
	d := Discovery{AuthorizationEndpoint: "https://a", TokenEndpoint: "https://t"}
	if got := (ClientConfig{ClientID: "c"}).OAuth2(d).Endpoint.AuthStyle; got != oauth2.AuthStyleInParams {
		t.Errorf("public client style = %v", got)
	}
	if got := (ClientConfig{ClientID: "c", ClientSecret: "s"}).OAuth2(d).Endpoint.AuthStyle; got != oauth2.AuthStyleInHeader {
		t.Errorf("confidential client style = %v", got)
	}
}
