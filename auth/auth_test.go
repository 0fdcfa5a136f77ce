package auth

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orbitsh/orbit-relay/store"
)

func newTestAuth(t *testing.T) (*Authenticator, *store.Store) {
	t.Helper()
	st, err := store.Open(store.DefaultConfig(":memory:"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a, err := New(DefaultConfig(), st)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return a, st
}

func TestNewRejectsBadConfig(t *testing.T) {
	st, _ := store.Open(store.DefaultConfig(":memory:"))
	defer st.Close()

	cfg := DefaultConfig()
	cfg.Mode = "oauth"
	if _, err := New(cfg, st); err == nil {
		t.Fatalf("unknown mode accepted")
	}
	cfg = DefaultConfig()
	cfg.WebJWTSecret = ""
	if _, err := New(cfg, st); err == nil {
		t.Fatalf("empty secret accepted")
	}
}

func TestWebSessionRoundTrip(t *testing.T) {
	a, st := newTestAuth(t)
	u, _ := st.CreateUser("alice", "Alice")

	ws, err := a.CreateUserSession(u)
	if err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}
	id, ok := a.VerifyWebSession(ws.Token)
	if !ok || id.UserID != u.ID || id.Name != "alice" {
		t.Fatalf("VerifyWebSession: %+v ok=%v", id, ok)
	}

	// Revoking the backing session invalidates an otherwise valid token.
	if err := st.RevokeSession(id.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, ok := a.VerifyWebSession(ws.Token); ok {
		t.Fatalf("token survived session revocation")
	}
	// The bare signature check still passes.
	if _, ok := a.VerifyWebToken(ws.Token); !ok {
		t.Fatalf("signature check should not consult the store")
	}
}

func TestVerifyWebTokenRejectsForeignTokens(t *testing.T) {
	a, _ := newTestAuth(t)

	cases := []struct {
		name   string
		claims jwt.RegisteredClaims
		secret string
	}{
		{"wrong issuer", jwt.RegisteredClaims{
			Issuer: "someone-else", Audience: jwt.ClaimStrings{"orbit-web"},
			Subject: "u1", ID: "s1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, "dev-web-secret-change-me"},
		{"wrong audience", jwt.RegisteredClaims{
			Issuer: "orbit-auth", Audience: jwt.ClaimStrings{"orbit-anchor-agent"},
			Subject: "u1", ID: "s1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, "dev-web-secret-change-me"},
		{"wrong secret", jwt.RegisteredClaims{
			Issuer: "orbit-auth", Audience: jwt.ClaimStrings{"orbit-web"},
			Subject: "u1", ID: "s1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, "other-secret"},
		{"expired", jwt.RegisteredClaims{
			Issuer: "orbit-auth", Audience: jwt.ClaimStrings{"orbit-web"},
			Subject: "u1", ID: "s1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}, "dev-web-secret-change-me"},
		{"missing subject", jwt.RegisteredClaims{
			Issuer: "orbit-auth", Audience: jwt.ClaimStrings{"orbit-web"},
			ID:        "s1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, "dev-web-secret-change-me"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc.claims).SignedString([]byte(tc.secret))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, ok := a.VerifyWebToken(token); ok {
				t.Fatalf("token accepted")
			}
		})
	}
}

func TestRefreshUserSessionRotation(t *testing.T) {
	a, st := newTestAuth(t)
	u, _ := st.CreateUser("alice", "")

	ws, err := a.CreateUserSession(u)
	if err != nil {
		t.Fatalf("CreateUserSession: %v", err)
	}
	refreshed, err := a.RefreshUserSession(ws.RefreshToken)
	if err != nil || refreshed == nil {
		t.Fatalf("RefreshUserSession: %v", err)
	}
	if _, ok := a.VerifyWebSession(refreshed.Token); !ok {
		t.Fatalf("refreshed token should verify")
	}
	if _, ok := a.VerifyWebSession(ws.Token); ok {
		t.Fatalf("original token should die on rotation")
	}
	if again, _ := a.RefreshUserSession(ws.RefreshToken); again != nil {
		t.Fatalf("spent refresh token rotated twice")
	}
	if bogus, _ := a.RefreshUserSession("nope"); bogus != nil {
		t.Fatalf("unknown refresh token accepted")
	}
}

func TestAnchorTokens(t *testing.T) {
	a, st := newTestAuth(t)
	u, _ := st.CreateUser("alice", "")

	tokens, err := a.CreateAnchorSession(u.ID)
	if err != nil || tokens.AccessToken == "" {
		t.Fatalf("CreateAnchorSession: %v", err)
	}
	if userID, ok := a.VerifyAnchorToken(tokens.AccessToken); !ok || userID != u.ID {
		t.Fatalf("opaque token rejected: %q ok=%v", userID, ok)
	}
	if _, ok := a.VerifyAnchorToken("garbage"); ok {
		t.Fatalf("garbage anchor token accepted")
	}

	rotated, err := a.RefreshAnchorSession(tokens.RefreshToken)
	if err != nil || rotated == nil {
		t.Fatalf("RefreshAnchorSession: %v", err)
	}
	if _, ok := a.VerifyAnchorToken(tokens.AccessToken); ok {
		t.Fatalf("old anchor access token survived rotation")
	}
	if _, ok := a.VerifyAnchorToken(rotated.AccessToken); !ok {
		t.Fatalf("rotated anchor access token rejected")
	}
}

func TestLegacyAnchorJWT(t *testing.T) {
	a, _ := newTestAuth(t)

	claims := jwt.RegisteredClaims{
		Issuer:    "orbit-anchor",
		Audience:  jwt.ClaimStrings{"orbit-anchor-agent"},
		Subject:   "u-legacy",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-anchor-secret-change-me"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, ok := a.VerifyAnchorToken(token)
	if !ok || userID != "u-legacy" {
		t.Fatalf("legacy anchor token rejected: %q ok=%v", userID, ok)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/client?token=query-token", nil)
	if got := TokenFromRequest(r); got != "query-token" {
		t.Fatalf("query token: got %q", got)
	}
	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Fatalf("header should win: got %q", got)
	}
	if got := ParseBearer("Basic abc"); got != "" {
		t.Fatalf("non-bearer scheme accepted: %q", got)
	}
	if got := ParseBearer("bearer   spaced  "); got != "spaced" {
		t.Fatalf("case and whitespace handling: %q", got)
	}
}

func TestUserCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := NewUserCode()
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("bad shape: %q", code)
		}
		for _, c := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(userCodeAlphabet, c) {
				t.Fatalf("character outside alphabet: %q", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Fatalf("suspiciously many collisions: %d unique of 50", len(seen))
	}
}
