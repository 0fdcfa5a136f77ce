package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitsh/orbit-relay/auth"
	"github.com/orbitsh/orbit-relay/realtime/ws"
	"github.com/orbitsh/orbit-relay/relay/hub"
	"github.com/orbitsh/orbit-relay/store"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	auth  *auth.Authenticator
	hub   *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(store.DefaultConfig(":memory:"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a, err := auth.New(auth.DefaultConfig(), st)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	hcfg := hub.DefaultConfig()
	hcfg.Store = st
	h, err := hub.New(hcfg)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Hub = h
	cfg.Store = st
	cfg.Auth = a
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, auth: a, hub: h}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func (e *testEnv) postJSON(t *testing.T, path string, body map[string]any, bearer string) (int, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) getJSON(t *testing.T, path, bearer string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

// registerUser creates a user through the HTTP API and returns its tokens.
func (e *testEnv) registerUser(t *testing.T, name string) (token, refreshToken, userID string) {
	t.Helper()
	status, body := e.postJSON(t, "/auth/register/basic", map[string]any{"name": name}, "")
	if status != http.StatusOK {
		t.Fatalf("register status = %d, body %v", status, body)
	}
	user, _ := body["user"].(map[string]any)
	id, _ := user["id"].(string)
	tok, _ := body["token"].(string)
	ref, _ := body["refreshToken"].(string)
	if tok == "" || ref == "" || id == "" {
		t.Fatalf("incomplete register response: %v", body)
	}
	return tok, ref, id
}

// dial opens a websocket against the given path and consumes the hello frame.
func dial(t *testing.T, rawURL string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, rawURL, ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial %s: %v", rawURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	raw, err := conn.ReadText()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var hello map[string]any
	if err := json.Unmarshal([]byte(raw), &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello["type"] != "orbit.hello" {
		t.Fatalf("first frame = %v, want orbit.hello", hello)
	}
	return conn
}

func readFrame(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	raw, err := conn.ReadText()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return out
}

func sendFrame(t *testing.T, conn *ws.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.SendJSON(frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	status, body := e.getJSON(t, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" || body["authMode"] != "basic" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["clients"] != float64(0) || body["anchors"] != float64(0) {
		t.Fatalf("expected zero peers: %v", body)
	}
}

func TestBasicAuthLifecycle(t *testing.T) {
	e := newTestEnv(t)
	token, refresh, userID := e.registerUser(t, "ada")

	status, body := e.getJSON(t, "/auth/session", token)
	if status != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("session check failed: %d %v", status, body)
	}
	user, _ := body["user"].(map[string]any)
	if user["id"] != userID || user["name"] != "ada" {
		t.Fatalf("unexpected session user: %v", user)
	}
	if body["systemHasUsers"] != true {
		t.Fatalf("systemHasUsers = %v", body["systemHasUsers"])
	}

	status, body = e.postJSON(t, "/auth/register/basic", map[string]any{"name": "ada"}, "")
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d, body %v", status, body)
	}

	status, body = e.postJSON(t, "/auth/login/basic", map[string]any{"username": "ada"}, "")
	if status != http.StatusOK || body["token"] == "" {
		t.Fatalf("login failed: %d %v", status, body)
	}
	status, _ = e.postJSON(t, "/auth/login/basic", map[string]any{"username": "nobody"}, "")
	if status != http.StatusBadRequest {
		t.Fatalf("unknown user login status = %d", status)
	}

	status, body = e.postJSON(t, "/auth/refresh", map[string]any{"refreshToken": refresh}, "")
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d, body %v", status, body)
	}
	newToken, _ := body["token"].(string)
	if newToken == "" {
		t.Fatal("refresh returned no token")
	}
	status, _ = e.postJSON(t, "/auth/refresh", map[string]any{"refreshToken": refresh}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("reused refresh token status = %d", status)
	}

	// Logout revokes the session behind the token.
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+newToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	status, body = e.getJSON(t, "/auth/session", newToken)
	if status != http.StatusOK || body["authenticated"] != false {
		t.Fatalf("session alive after logout: %v", body)
	}
}

func TestDevicePairingFlow(t *testing.T) {
	e := newTestEnv(t)
	token, _, userID := e.registerUser(t, "ada")

	status, body := e.postJSON(t, "/auth/device/code", nil, "")
	if status != http.StatusOK {
		t.Fatalf("device code status = %d, body %v", status, body)
	}
	deviceCode, _ := body["deviceCode"].(string)
	userCode, _ := body["userCode"].(string)
	if deviceCode == "" || userCode == "" {
		t.Fatalf("incomplete device code response: %v", body)
	}

	status, body = e.postJSON(t, "/auth/device/token", map[string]any{"deviceCode": deviceCode}, "")
	if status != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("poll before authorise = %d %v", status, body)
	}

	status, _ = e.postJSON(t, "/auth/device/authorise", map[string]any{"userCode": userCode}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous authorise status = %d", status)
	}
	status, body = e.postJSON(t, "/auth/device/authorise",
		map[string]any{"userCode": strings.ToLower(userCode)}, token)
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("authorise failed: %d %v", status, body)
	}

	status, body = e.postJSON(t, "/auth/device/token", map[string]any{"deviceCode": deviceCode}, "")
	if status != http.StatusOK || body["status"] != "authorised" {
		t.Fatalf("token exchange failed: %d %v", status, body)
	}
	if body["userId"] != userID {
		t.Fatalf("userId = %v, want %s", body["userId"], userID)
	}
	access, _ := body["anchorAccessToken"].(string)
	anchorRefresh, _ := body["anchorRefreshToken"].(string)
	if access == "" || anchorRefresh == "" {
		t.Fatalf("missing anchor tokens: %v", body)
	}

	// The code is single use.
	status, body = e.postJSON(t, "/auth/device/token", map[string]any{"deviceCode": deviceCode}, "")
	if status != http.StatusOK || body["status"] != "expired" {
		t.Fatalf("second exchange = %d %v", status, body)
	}

	status, body = e.postJSON(t, "/auth/device/refresh", map[string]any{"refreshToken": anchorRefresh}, "")
	if status != http.StatusOK {
		t.Fatalf("anchor refresh failed: %d %v", status, body)
	}
	rotated, _ := body["anchorAccessToken"].(string)
	if rotated == "" {
		t.Fatalf("anchor refresh returned no access token: %v", body)
	}
	status, _ = e.postJSON(t, "/auth/device/refresh", map[string]any{"refreshToken": anchorRefresh}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("reused anchor refresh status = %d", status)
	}

	// Rotation hands out a fresh access token and retires the old one.
	if id, ok := e.auth.VerifyAnchorToken(rotated); !ok || id != userID {
		t.Fatalf("rotated anchor access token invalid: %q %v", id, ok)
	}
	if _, ok := e.auth.VerifyAnchorToken(access); ok {
		t.Fatalf("pre-rotation access token survived refresh")
	}
}

func TestWebsocketPreflight(t *testing.T) {
	e := newTestEnv(t)
	token, _, _ := e.registerUser(t, "ada")

	resp, err := http.Get(e.srv.URL + "/ws/client")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous preflight status = %d", resp.StatusCode)
	}

	resp, err = http.Get(e.srv.URL + "/ws/client?token=" + token)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("authed preflight status = %d", resp.StatusCode)
	}

	resp, err = http.Get(e.srv.URL + "/ws/anchor")
	if err != nil {
		t.Fatalf("anchor preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anchor preflight status = %d", resp.StatusCode)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, e.wsURL("/ws/client?token=bogus"), ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.ReadText()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "Unauthorised" {
		t.Fatalf("close = %d %q", closeErr.Code, closeErr.Text)
	}
}

func TestEndToEndRelay(t *testing.T) {
	e := newTestEnv(t)
	token, _, userID := e.registerUser(t, "ada")
	anchorTokens, err := e.auth.CreateAnchorSession(userID)
	if err != nil {
		t.Fatalf("anchor session: %v", err)
	}

	client := dial(t, e.wsURL("/ws/client?token="+token+"&clientId=web-1"))
	anchor := dial(t, e.wsURL("/ws/anchor?token="+anchorTokens.AccessToken))
	sendFrame(t, anchor, map[string]any{
		"type":     "anchor.hello",
		"anchorId": "macbook",
		"hostname": "mb.local",
	})

	connected := readFrame(t, client)
	anchorObj, _ := connected["anchor"].(map[string]any)
	if connected["type"] != "orbit.anchor-connected" || anchorObj["id"] != "macbook" {
		t.Fatalf("expected anchor-connected, got %v", connected)
	}

	status, body := e.getJSON(t, "/health", "")
	if status != http.StatusOK || body["clients"] != float64(1) || body["anchors"] != float64(1) {
		t.Fatalf("health after connect: %v", body)
	}

	sendFrame(t, client, map[string]any{
		"id":     1,
		"method": "thread/start",
		"params": map[string]any{"threadId": "t-1"},
	})
	req := readFrame(t, anchor)
	if req["method"] != "thread/start" {
		t.Fatalf("anchor got %v", req)
	}
	sendFrame(t, anchor, map[string]any{
		"id":     1,
		"result": map[string]any{"ok": true, "threadId": "t-1"},
	})
	resp := readFrame(t, client)
	result, _ := resp["result"].(map[string]any)
	if result["ok"] != true {
		t.Fatalf("client got %v", resp)
	}

	// The response carried a threadId, so it was captured for replay and
	// the thread is now bound to the anchor.
	state, err := e.store.GetThreadState(userID, "t-1")
	if err != nil || state == nil {
		t.Fatalf("thread state: %v %v", state, err)
	}
	if state.BoundAnchorID != "macbook" {
		t.Fatalf("bound anchor = %q", state.BoundAnchorID)
	}
}

func TestArtifactsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	token, _, userID := e.registerUser(t, "ada")

	status, _ := e.getJSON(t, "/relay/artifacts", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous artifacts status = %d", status)
	}

	for i := 0; i < 3; i++ {
		_, err := e.store.UpsertArtifact(store.Artifact{
			UserID:       userID,
			ThreadID:     "t-1",
			ItemID:       fmt.Sprintf("item-%d", i),
			ArtifactType: "command",
			ItemType:     "commandExecution",
			Summary:      fmt.Sprintf("cmd %d", i),
			PayloadJSON:  "{}",
		})
		if err != nil {
			t.Fatalf("seed artifact: %v", err)
		}
	}

	status, body := e.getJSON(t, "/relay/artifacts?threadId=t-1&limit=2", token)
	if status != http.StatusOK {
		t.Fatalf("artifacts status = %d", status)
	}
	artifacts, _ := body["artifacts"].([]any)
	if len(artifacts) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(artifacts))
	}
	first, _ := artifacts[0].(map[string]any)
	if first["itemId"] != "item-2" {
		t.Fatalf("expected newest first, got %v", first)
	}
	next, ok := body["nextBeforeId"].(float64)
	if !ok {
		t.Fatalf("nextBeforeId = %v", body["nextBeforeId"])
	}

	status, body = e.getJSON(t, fmt.Sprintf("/relay/artifacts?threadId=t-1&limit=2&beforeId=%d", int64(next)), token)
	if status != http.StatusOK {
		t.Fatalf("paged artifacts status = %d", status)
	}
	artifacts, _ = body["artifacts"].([]any)
	if len(artifacts) != 1 {
		t.Fatalf("got %d artifacts on second page, want 1", len(artifacts))
	}
}
