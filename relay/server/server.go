// Package server exposes the relay over HTTP: the two websocket endpoints,
// the auth and device pairing API, health, and the artifact listing.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitsh/orbit-relay/auth"
	"github.com/orbitsh/orbit-relay/realtime/ws"
	"github.com/orbitsh/orbit-relay/relay/hub"
	"github.com/orbitsh/orbit-relay/store"
)

// Config wires the server's collaborators.
type Config struct {
	Hub    *hub.Hub
	Store  *store.Store
	Auth   *auth.Authenticator
	Logger *zap.Logger

	DeviceCodeTTL         time.Duration
	DevicePollInterval    time.Duration
	DeviceVerificationURL string
	CORSOrigin            string // Access-Control-Allow-Origin; default "*".
	ReadLimit             int64  // Max inbound websocket frame size; 0 disables.
}

// DefaultConfig returns the server defaults; Hub, Store and Auth must be set.
func DefaultConfig() Config {
	return Config{
		DeviceCodeTTL:         10 * time.Minute,
		DevicePollInterval:    5 * time.Second,
		DeviceVerificationURL: "http://localhost:5173/device",
		CORSOrigin:            "*",
		ReadLimit:             1 << 20,
	}
}

// Server is the HTTP surface over the hub and store.
type Server struct {
	cfg Config
	log *zap.Logger
}

// New validates the config and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil || cfg.Store == nil || cfg.Auth == nil {
		return nil, errors.New("server: missing hub, store, or auth")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DeviceCodeTTL <= 0 {
		cfg.DeviceCodeTTL = 10 * time.Minute
	}
	if cfg.DevicePollInterval <= 0 {
		cfg.DevicePollInterval = 5 * time.Second
	}
	if cfg.DeviceVerificationURL == "" {
		cfg.DeviceVerificationURL = "http://localhost:5173/device"
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/client", s.handleWSClient)
	mux.HandleFunc("GET /ws/anchor", s.handleWSAnchor)
	mux.HandleFunc("GET /relay/artifacts", s.handleArtifacts)

	mux.HandleFunc("GET /auth/session", s.handleAuthSession)
	mux.HandleFunc("POST /auth/register/basic", s.handleRegisterBasic)
	mux.HandleFunc("POST /auth/login/basic", s.handleLoginBasic)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/device/code", s.handleDeviceCode)
	mux.HandleFunc("POST /auth/device/authorise", s.handleDeviceAuthorise)
	mux.HandleFunc("POST /auth/device/token", s.handleDeviceToken)
	mux.HandleFunc("POST /auth/device/refresh", s.handleDeviceRefresh)

	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients, anchors := s.cfg.Hub.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"authMode": s.cfg.Auth.Mode(),
		"clients":  clients,
		"anchors":  anchors,
	})
}

// handleWSClient authenticates a browser peer and pumps its frames into the
// hub. Non-upgrade GETs act as an auth preflight.
func (s *Server) handleWSClient(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	var userID string
	if token != "" {
		if id, ok := s.cfg.Auth.VerifyWebSession(token); ok {
			userID = id.UserID
		}
	}

	if !websocket.IsWebSocketUpgrade(r) {
		if userID == "" {
			http.Error(w, "Unauthorised", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
	if err != nil {
		return
	}
	if userID == "" {
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "Unauthorised")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	s.servePeer(conn, hub.RoleClient, userID, clientID)
}

// handleWSAnchor is the agent-side counterpart; it accepts opaque anchor
// tokens and legacy anchor JWTs.
func (s *Server) handleWSAnchor(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	var userID string
	if token != "" {
		if id, ok := s.cfg.Auth.VerifyAnchorToken(token); ok {
			userID = id
		}
	}

	if !websocket.IsWebSocketUpgrade(r) {
		if userID == "" {
			http.Error(w, "Unauthorised", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
	if err != nil {
		return
	}
	if userID == "" {
		_ = conn.CloseWithStatus(websocket.ClosePolicyViolation, "Unauthorised")
		return
	}

	s.servePeer(conn, hub.RoleAnchor, userID, "")
}

func (s *Server) servePeer(conn *ws.Conn, role hub.Role, userID, clientID string) {
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	s.cfg.Hub.Register(conn, role, userID, clientID)
	defer func() {
		s.cfg.Hub.Unregister(conn, role)
		_ = conn.Close()
	}()

	for {
		raw, err := conn.ReadText()
		if err != nil {
			return
		}
		s.cfg.Hub.HandleMessage(conn, role, raw)
	}
}

// handleArtifacts is the HTTP twin of the orbit.artifacts.list frame.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	user, err := s.cfg.Auth.AuthenticatedUser(r)
	if err != nil || user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Authentication required."})
		return
	}

	q := r.URL.Query()
	threadID := q.Get("threadId")
	limit := queryInt(q.Get("limit"), 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	beforeID := queryInt(q.Get("beforeId"), 0)

	records, err := s.cfg.Store.ListArtifacts(user.ID, threadID, int(limit), beforeID)
	if err != nil {
		s.log.Warn("list artifacts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to list artifacts."})
		return
	}

	payload := map[string]any{"artifacts": hub.SerializeArtifacts(records)}
	if threadID != "" {
		payload["threadId"] = threadID
	} else {
		payload["threadId"] = nil
	}
	if len(records) > 0 {
		payload["nextBeforeId"] = records[len(records)-1].ID
	} else {
		payload["nextBeforeId"] = nil
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.cfg.Auth.AuthenticatedUser(r)
	if err != nil {
		s.log.Warn("resolve session", zap.Error(err))
	}
	hasUsers, err := s.cfg.Store.HasAnyUsers()
	if err != nil {
		s.log.Warn("count users", zap.Error(err))
	}

	payload := map[string]any{
		"authenticated":  user != nil,
		"user":           nil,
		"hasPasskey":     false,
		"systemHasUsers": hasUsers,
	}
	if user != nil {
		payload["user"] = map[string]any{"id": user.ID, "name": user.Name}
		creds, err := s.cfg.Store.ListPasskeyCredentials(user.ID)
		if err != nil {
			s.log.Warn("list passkeys", zap.Error(err))
		}
		payload["hasPasskey"] = len(creds) > 0
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRegisterBasic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Mode() != auth.ModeBasic {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Basic auth mode is disabled."})
		return
	}
	body := readBody(r)
	name := strings.TrimSpace(stringField(body, "name"))
	displayName := strings.TrimSpace(stringField(body, "displayName"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Name is required."})
		return
	}

	user, err := s.cfg.Store.CreateUser(name, displayName)
	if errors.Is(err, store.ErrUserNameExists) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "User already exists."})
		return
	}
	if err != nil {
		s.log.Warn("create user", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Registration failed."})
		return
	}
	s.writeUserSession(w, user, true)
}

func (s *Server) handleLoginBasic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Mode() != auth.ModeBasic {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Basic auth mode is disabled."})
		return
	}
	body := readBody(r)
	username := strings.TrimSpace(stringField(body, "username"))
	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Username is required."})
		return
	}
	user, err := s.cfg.Store.GetUserByName(username)
	if err != nil || user == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid credentials."})
		return
	}
	s.writeUserSession(w, *user, true)
}

func (s *Server) writeUserSession(w http.ResponseWriter, user store.User, verified bool) {
	sess, err := s.cfg.Auth.CreateUserSession(user)
	if err != nil {
		s.log.Warn("create session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to create session."})
		return
	}
	payload := map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"user":         map[string]any{"id": user.ID, "name": user.Name},
	}
	if verified {
		payload["verified"] = true
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := strings.TrimSpace(stringField(readBody(r), "refreshToken"))
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "refreshToken is required."})
		return
	}
	sess, err := s.cfg.Auth.RefreshUserSession(refreshToken)
	if err != nil {
		s.log.Warn("refresh session", zap.Error(err))
	}
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid or expired refresh token."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"user":         map[string]any{"id": sess.User.ID, "name": sess.User.Name},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sessionID := s.cfg.Auth.CurrentSessionID(r); sessionID != "" {
		if err := s.cfg.Store.RevokeSession(sessionID); err != nil {
			s.log.Warn("revoke session", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.CleanupExpired(); err != nil {
		s.log.Warn("cleanup device codes", zap.Error(err))
	}

	ttlSeconds := int64(s.cfg.DeviceCodeTTL.Seconds())
	for attempt := 0; attempt < 8; attempt++ {
		userCode := auth.NewUserCode()
		deviceCode := auth.NewDeviceCode()
		_, err := s.cfg.Store.CreateDeviceCode(deviceCode, userCode, ttlSeconds)
		if errors.Is(err, store.ErrCodeCollision) {
			continue
		}
		if err != nil {
			break
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deviceCode":      deviceCode,
			"userCode":        userCode,
			"verificationUrl": s.cfg.DeviceVerificationURL,
			"expiresIn":       ttlSeconds,
			"interval":        int64(s.cfg.DevicePollInterval.Seconds()),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to create device code."})
}

func (s *Server) handleDeviceAuthorise(w http.ResponseWriter, r *http.Request) {
	user, err := s.cfg.Auth.AuthenticatedUser(r)
	if err != nil || user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Authentication required."})
		return
	}
	userCode := strings.ToUpper(strings.TrimSpace(stringField(readBody(r), "userCode")))
	if userCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userCode is required."})
		return
	}
	ok, err := s.cfg.Store.AuthoriseDeviceCode(userCode, user.ID)
	if err != nil {
		s.log.Warn("authorise device code", zap.Error(err))
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Code expired or not found."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	deviceCode := strings.TrimSpace(stringField(readBody(r), "deviceCode"))
	if deviceCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "deviceCode is required."})
		return
	}

	record, err := s.cfg.Store.ConsumeDeviceCode(deviceCode)
	if err != nil {
		s.log.Warn("consume device code", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to consume device code."})
		return
	}
	if record == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "expired"})
		return
	}
	if record.Status != store.DeviceCodeAuthorised || record.UserID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}

	tokens, err := s.cfg.Auth.CreateAnchorSession(record.UserID)
	if err != nil {
		s.log.Warn("create anchor session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to create anchor session."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "authorised",
		"userId":                record.UserID,
		"anchorAccessToken":     tokens.AccessToken,
		"anchorRefreshToken":    tokens.RefreshToken,
		"anchorAccessExpiresIn": tokens.AccessExpiresIn,
	})
}

func (s *Server) handleDeviceRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := strings.TrimSpace(stringField(readBody(r), "refreshToken"))
	if refreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "refreshToken is required."})
		return
	}
	tokens, err := s.cfg.Auth.RefreshAnchorSession(refreshToken)
	if err != nil {
		s.log.Warn("refresh anchor session", zap.Error(err))
	}
	if tokens == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid or expired refresh token."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anchorAccessToken":     tokens.AccessToken,
		"anchorRefreshToken":    tokens.RefreshToken,
		"anchorAccessExpiresIn": tokens.AccessExpiresIn,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody decodes a JSON object body, tolerating absent or invalid bodies.
func readBody(r *http.Request) map[string]any {
	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		return map[string]any{}
	}
	return body
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func queryInt(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
