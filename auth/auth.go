// Package auth issues and verifies the relay's credentials: HS256 web tokens
// bound to a server-side session, opaque anchor tokens, and the device pairing
// codes that mint them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orbitsh/orbit-relay/store"
)

// Token issuer and audience values. Anchor JWTs are a legacy scheme kept for
// agents provisioned before opaque sessions; new anchors pair via device code.
const (
	webIssuer    = "orbit-auth"
	webAudience  = "orbit-web"
	anchorIssuer = "orbit-anchor"
	anchorAud    = "orbit-anchor-agent"
)

// Auth modes.
const (
	ModeBasic   = "basic"
	ModePasskey = "passkey"
)

// Config holds the secrets and lifetimes for token issuance.
type Config struct {
	Mode            string        // ModeBasic or ModePasskey.
	WebJWTSecret    string        // HS256 key for web access tokens.
	AnchorJWTSecret string        // HS256 key for legacy anchor tokens.
	AccessTTL       time.Duration // Web access token lifetime.
}

// DefaultConfig returns development defaults. Production deployments override
// the secrets.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBasic,
		WebJWTSecret:    "dev-web-secret-change-me",
		AnchorJWTSecret: "dev-anchor-secret-change-me",
		AccessTTL:       time.Hour,
	}
}

// Authenticator validates credentials against the session store.
type Authenticator struct {
	cfg Config
	st  *store.Store

	now func() time.Time
}

// New returns an Authenticator over the given store.
func New(cfg Config, st *store.Store) (*Authenticator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBasic
	}
	if cfg.Mode != ModeBasic && cfg.Mode != ModePasskey {
		return nil, errors.New("unknown auth mode: " + cfg.Mode)
	}
	if cfg.WebJWTSecret == "" || cfg.AnchorJWTSecret == "" {
		return nil, errors.New("missing token secret")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	return &Authenticator{cfg: cfg, st: st, now: time.Now}, nil
}

// Mode returns the configured auth mode.
func (a *Authenticator) Mode() string { return a.cfg.Mode }

// WebIdentity is the verified identity behind a web token.
type WebIdentity struct {
	UserID    string
	SessionID string
	Name      string
}

type webClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// BuildAccessToken signs a web access token for the user's session.
func (a *Authenticator) BuildAccessToken(user store.User, sessionID string) (string, error) {
	now := a.now()
	claims := webClaims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    webIssuer,
			Audience:  jwt.ClaimStrings{webAudience},
			Subject:   user.ID,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.WebJWTSecret))
}

// VerifyWebToken checks the token signature and claims without consulting the
// session store.
func (a *Authenticator) VerifyWebToken(token string) (*WebIdentity, bool) {
	var claims webClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return []byte(a.cfg.WebJWTSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(webIssuer),
		jwt.WithAudience(webAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, false
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, false
	}
	return &WebIdentity{UserID: claims.Subject, SessionID: claims.ID, Name: claims.Name}, true
}

// VerifyWebSession verifies the token and requires its session to still be
// active and owned by the token's subject.
func (a *Authenticator) VerifyWebSession(token string) (*WebIdentity, bool) {
	id, ok := a.VerifyWebToken(token)
	if !ok {
		return nil, false
	}
	sess, err := a.st.GetActiveSession(id.SessionID)
	if err != nil || sess == nil || sess.UserID != id.UserID {
		return nil, false
	}
	return id, true
}

// AuthenticatedUser resolves the request's bearer or query token to a user,
// or nil.
func (a *Authenticator) AuthenticatedUser(r *http.Request) (*store.User, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil
	}
	id, ok := a.VerifyWebSession(token)
	if !ok {
		return nil, nil
	}
	return a.st.GetUserByID(id.UserID)
}

// CurrentSessionID returns the session id from the request token, if any.
// The session is not checked for liveness; logout wants the id regardless.
func (a *Authenticator) CurrentSessionID(r *http.Request) string {
	token := TokenFromRequest(r)
	if token == "" {
		return ""
	}
	id, ok := a.VerifyWebToken(token)
	if !ok {
		return ""
	}
	return id.SessionID
}

// VerifyAnchorToken accepts either an opaque anchor session token or a legacy
// anchor JWT, returning the anchor's user id.
func (a *Authenticator) VerifyAnchorToken(token string) (string, bool) {
	sess, err := a.st.GetAnchorSessionByAccessToken(token)
	if err == nil && sess != nil {
		return sess.UserID, true
	}
	return a.verifyAnchorJWT(token)
}

func (a *Authenticator) verifyAnchorJWT(token string) (string, bool) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return []byte(a.cfg.AnchorJWTSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(anchorIssuer),
		jwt.WithAudience(anchorAud),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// WebSession bundles the artifacts of a fresh login.
type WebSession struct {
	Token        string
	RefreshToken string
	User         store.User
}

// CreateUserSession opens a session for the user and signs its access token.
func (a *Authenticator) CreateUserSession(user store.User) (WebSession, error) {
	sess, refresh, err := a.st.CreateSession(user.ID)
	if err != nil {
		return WebSession{}, err
	}
	token, err := a.BuildAccessToken(user, sess.ID)
	if err != nil {
		return WebSession{}, err
	}
	return WebSession{Token: token, RefreshToken: refresh, User: user}, nil
}

// RefreshUserSession rotates a refresh token into a new session. Returns nil
// when the token is not usable.
func (a *Authenticator) RefreshUserSession(refreshToken string) (*WebSession, error) {
	sess, newRefresh, err := a.st.RotateSession(refreshToken)
	if err != nil || sess == nil {
		return nil, err
	}
	user, err := a.st.GetUserByID(sess.UserID)
	if err != nil || user == nil {
		return nil, err
	}
	token, err := a.BuildAccessToken(*user, sess.ID)
	if err != nil {
		return nil, err
	}
	return &WebSession{Token: token, RefreshToken: newRefresh, User: *user}, nil
}

// AnchorTokens bundles the opaque credentials handed to a host agent.
type AnchorTokens struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresIn int64 // Seconds until the access token expires.
}

// CreateAnchorSession mints opaque tokens for a freshly paired anchor.
func (a *Authenticator) CreateAnchorSession(userID string) (AnchorTokens, error) {
	sess, access, refresh, err := a.st.CreateAnchorSession(userID)
	if err != nil {
		return AnchorTokens{}, err
	}
	return AnchorTokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresIn: max(sess.AccessExpiresAt-a.now().Unix(), 0),
	}, nil
}

// RefreshAnchorSession rotates an anchor refresh token. Returns nil when the
// token is not usable.
func (a *Authenticator) RefreshAnchorSession(refreshToken string) (*AnchorTokens, error) {
	sess, access, refresh, err := a.st.RotateAnchorSession(refreshToken)
	if err != nil || sess == nil {
		return nil, err
	}
	return &AnchorTokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresIn: max(sess.AccessExpiresAt-a.now().Unix(), 0),
	}, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// TokenFromRequest prefers the Authorization header, then the token query
// parameter. Websocket handshakes from browsers can only use the latter.
func TokenFromRequest(r *http.Request) string {
	if token := ParseBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// userCodeAlphabet omits easily confused characters (0/O, 1/I).
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewUserCode returns a short pairing code of the form XXXX-XXXX.
func NewUserCode() string {
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			panic(err)
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:])
}

// NewDeviceCode returns a high-entropy device code.
func NewDeviceCode() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
