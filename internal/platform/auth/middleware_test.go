package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token *firebaseauth.Token
	err   error
	calls int
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, _ string) (*firebaseauth.Token, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRequireAuth_AttachesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "user-1",
		Claims: map[string]any{
			"email": "jane@example.com",
			"name":  "Jane",
			"role":  []any{"Admin", "staff", "admin"},
		},
	}}
	authn := NewAuthenticator(verifier)

	var got *Identity
	rr := serve(t, authn.RequireAuth(RoleAdmin), "Bearer token-abc", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		got = identity
		w.WriteHeader(http.StatusNoContent)
	})

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UID != "user-1" || got.Email != "jane@example.com" || got.Name != "Jane" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if len(got.Roles) != 2 || !got.HasRole(RoleStaff) || !got.HasRole(RoleAdmin) {
		t.Fatalf("expected deduplicated admin and staff roles, got %v", got.Roles)
	}
	if d := got.Domain(); d.UserID != "user-1" || !d.IsStaff() {
		t.Fatalf("unexpected domain identity: %+v", d)
	}
}

func TestRequireAuth_FallbackRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "user-2", Claims: map[string]any{}}}
	authn := NewAuthenticator(verifier)

	rr := serve(t, authn.RequireAuth(RoleUser), "Bearer t", func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if !identity.HasRole(RoleUser) {
			t.Fatalf("expected fallback user role, got %v", identity.Roles)
		}
		w.WriteHeader(http.StatusOK)
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireAuth_RoleClaimMap(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "user-3",
		Claims: map[string]any{"roles": map[string]any{"staff": true, "admin": false}},
	}}
	authn := NewAuthenticator(verifier, WithRoleClaim("roles"))

	rr := serve(t, authn.RequireAuth(RoleAdmin), "Bearer t", func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}
}

func TestRequireAuth_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		verifier *stubTokenVerifier
		code     string
	}{
		{name: "missing header", header: "", verifier: &stubTokenVerifier{}, code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", verifier: &stubTokenVerifier{}, code: "unauthenticated"},
		{name: "expired", header: "Bearer t", verifier: &stubTokenVerifier{err: ErrTokenExpired}, code: "token_expired"},
		{name: "invalid", header: "Bearer t", verifier: &stubTokenVerifier{err: errors.New("bad signature")}, code: "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(tc.verifier)
			rr := serve(t, authn.RequireAuth(), tc.header, func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not run")
			})
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("expected %q, got %q", tc.code, code)
			}
		})
	}
}

func TestRequireAuth_SkipsVerifierWithoutToken(t *testing.T) {
	verifier := &stubTokenVerifier{}
	authn := NewAuthenticator(verifier)
	serve(t, authn.RequireAuth(), "", func(http.ResponseWriter, *http.Request) {})
	if verifier.calls != 0 {
		t.Fatalf("expected verifier not to be called, got %d calls", verifier.calls)
	}
}
