package auth

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{
		Mode: "api_key",
		Keys: []config.APIKeyConfig{
			{Name: "reader", SHA256: HashKey("read-key")},
			{Name: "operator", SHA256: HashKey("write-key"), Permissions: []string{PermissionWrite}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer write-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "operator" || !subject.HasPermission(PermissionRead) {
		t.Fatalf("unexpected subject %+v", subject)
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); !stdErrors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	reader, err := svc.AuthenticateRequest(ctx, "bearer read-key")
	if err != nil {
		t.Fatalf("authenticate reader: %v", err)
	}
	if err := reader.Authorize(PermissionWrite); !stdErrors.Is(err, ErrPermissionDenied) {
		t.Fatalf("reader must not write, got %v", err)
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	for _, cfg := range []config.AuthConfig{
		{Mode: "api_key"},
		{Mode: "api_key", Keys: []config.APIKeyConfig{{SHA256: "zz"}}},
		{Mode: "oauth"},
	} {
		if _, err := NewService(cfg); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
			t.Fatalf("config %+v: expected configuration error, got %v", cfg, err)
		}
	}
	svc, err := NewService(config.AuthConfig{})
	if err != nil || svc.Enabled() {
		t.Fatalf("empty config must disable auth: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var caller string
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermissionWrite},
		"*":             {PermissionRead},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = SubjectFromContext(r.Context()).Name
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method, key string
		status      int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "read-key", http.StatusNoContent},
		{http.MethodPost, "read-key", http.StatusForbidden},
		{http.MethodPost, "write-key", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/tools", nil)
		if tc.key != "" {
			req.Header.Set("Authorization", "Bearer "+tc.key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s with %q: got %d want %d", tc.method, tc.key, rec.Code, tc.status)
		}
	}
	if caller != "operator" {
		t.Fatalf("subject not propagated, got %q", caller)
	}
}

func TestDenialBodyCarriesCode(t *testing.T) {
	svc := newTestService(t)
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermissionWrite},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer read-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), string(CodeForbidden)) {
		t.Fatalf("unexpected denial %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("denials should advertise the bearer scheme")
	}
}

func TestSubjectPermissionsAreNormalised(t *testing.T) {
	s := newSubject("ops", []string{"  SOLAGENT:WRITE ", ""})
	if !s.HasPermission(PermissionRead) || !s.HasPermission(PermissionWrite) || len(s.Permissions) != 1 {
		t.Fatalf("unexpected subject %+v", s)
	}
	err := (&Subject{Name: "nobody"}).Authorize(PermissionRead)
	if xerrors.CodeOf(err) != CodeForbidden || xerrors.MetadataOf(err, "permission") != PermissionRead {
		t.Fatalf("expected forbidden with permission metadata, got %v", err)
	}
}
