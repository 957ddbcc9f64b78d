package upward

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/datamgr"
	"github.com/protei/rild/pkg/slotmgr"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	hash, err := HashPassword("swordfish")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg := Config{
		JWTSecret:   "test-secret",
		Credentials: []Credential{{Username: "ops", PasswordHash: hash}},
	}
	return New(cfg, logger.Get(), slotmgr.New(logger.Get()), datamgr.New())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"ops","password":"wrong"}`))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginIssuesValidToken(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"ops","password":"swordfish"}`))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "token") {
		t.Fatalf("expected token in response body, got %s", w.Body.String())
	}
}

func TestRequireAuthRejectsMissingBearer(t *testing.T) {
	s := testServer(t)
	called := false
	h := s.requireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	w := httptest.NewRecorder()
	h(w, req)

	if called {
		t.Fatal("handler should not run without a bearer token")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuthAcceptsIssuedToken(t *testing.T) {
	s := testServer(t)
	token, err := s.issueToken("ops")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}

	called := false
	h := s.requireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h(w, req)

	if !called {
		t.Fatal("expected handler to run with a valid token")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]datamgr.Role{
		"none":     datamgr.RoleNone,
		"MMS":      datamgr.RoleMMS,
		"internet": datamgr.RoleInternet,
	}
	for in, want := range cases {
		got, err := parseRole(in)
		if err != nil {
			t.Fatalf("parseRole(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseRole(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseRole("bogus"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestHandleSlotsEmpty(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	w := httptest.NewRecorder()
	s.handleSlots(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "\"started\":false") {
		t.Fatalf("expected started:false before Run, got %s", w.Body.String())
	}
}
