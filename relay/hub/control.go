package hub

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orbitsh/orbit-relay/relay/protocol"
	"github.com/orbitsh/orbit-relay/store"
)

// HandleMessage processes one inbound frame from a registered peer. Frames
// from unknown peers are dropped.
func (h *Hub) HandleMessage(p Peer, role Role, raw string) {
	f := protocol.Parse(raw)

	h.mu.Lock()
	userID, known := h.userOf[p]
	h.mu.Unlock()
	if !known {
		return
	}

	if f.Type() == "ping" {
		h.sendJSON(p, map[string]any{"type": "pong"})
		return
	}
	if f.IsObject() && h.handleControl(p, role, userID, f) {
		return
	}
	if f.IsObject() && h.handleAnchorHello(p, role, userID, f) {
		return
	}
	h.route(p, role, userID, f)
}

// handleControl consumes hub-addressed frames. It reports false for frames
// that should continue to routing.
func (h *Hub) handleControl(p Peer, role Role, userID string, f protocol.Frame) bool {
	switch msgType := f.Type(); {
	case msgType == "orbit.subscribe":
		if !hasStringField(f.Object, "threadId") {
			return false
		}
		if threadID, ok := stringValue(f.Object["threadId"]); ok {
			h.handleSubscribe(p, role, userID, threadID)
		}
		return true

	case msgType == "orbit.unsubscribe":
		if !hasStringField(f.Object, "threadId") {
			return false
		}
		if threadID, ok := stringValue(f.Object["threadId"]); ok {
			h.mu.Lock()
			h.unsubscribeLocked(p, role, threadKey{userID, threadID}, threadID)
			h.mu.Unlock()
		}
		return true

	case msgType == "orbit.list-anchors" && role == RoleClient:
		h.handleListAnchors(p, userID)
		return true

	case msgType == "orbit.artifacts.list" && role == RoleClient:
		h.handleArtifactList(p, userID, f)
		return true

	case msgType == "orbit.multi-dispatch" && role == RoleClient:
		h.handleMultiDispatch(p, userID, f)
		return true

	case strings.HasPrefix(msgType, "orbit.push-"):
		// Push-channel management is handled upstream; swallow silently.
		return true
	}
	return false
}

func (h *Hub) handleSubscribe(p Peer, role Role, userID, threadID string) {
	key := threadKey{userID, threadID}

	h.mu.Lock()
	h.subscribeLocked(p, role, key, threadID)
	if role == RoleAnchor {
		if anchorID := h.anchorIDOf[p]; anchorID != "" {
			h.bindThreadAnchorLocked(userID, threadID, anchorID)
		}
	}
	var anchorTargets []Peer
	if role == RoleClient {
		for anchor := range h.anchorsByThread[key] {
			anchorTargets = append(anchorTargets, anchor)
		}
	}
	h.mu.Unlock()

	h.sendJSON(p, map[string]any{"type": "orbit.subscribed", "threadId": threadID})

	if role == RoleClient {
		h.replayThreadState(p, userID, threadID)
		notice := mustJSON(map[string]any{"type": "orbit.client-subscribed", "threadId": threadID})
		for _, anchor := range anchorTargets {
			_ = anchor.SendText(notice)
		}
	}
}

func (h *Hub) subscribeLocked(p Peer, role Role, key threadKey, threadID string) {
	source, threadMap := h.clientThreads, h.clientsByThread
	if role == RoleAnchor {
		source, threadMap = h.anchorThreads, h.anchorsByThread
	}
	if threads := source[p]; threads != nil {
		threads[threadID] = struct{}{}
	}
	if threadMap[key] == nil {
		threadMap[key] = make(map[Peer]struct{})
	}
	threadMap[key][p] = struct{}{}
}

func (h *Hub) unsubscribeLocked(p Peer, role Role, key threadKey, threadID string) {
	source, threadMap := h.clientThreads, h.clientsByThread
	if role == RoleAnchor {
		source, threadMap = h.anchorThreads, h.anchorsByThread
	}
	if threads := source[p]; threads != nil {
		delete(threads, threadID)
	}
	if set := threadMap[key]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(threadMap, key)
		}
	}
}

func (h *Hub) handleListAnchors(p Peer, userID string) {
	h.mu.Lock()
	anchors := make([]map[string]any, 0)
	for anchor, meta := range h.anchorMeta {
		if h.userOf[anchor] != userID {
			continue
		}
		anchors = append(anchors, map[string]any{
			"id":          meta.ID,
			"hostname":    meta.Hostname,
			"platform":    meta.Platform,
			"connectedAt": meta.ConnectedAt,
		})
	}
	h.mu.Unlock()

	sort.Slice(anchors, func(i, j int) bool {
		return anchors[i]["id"].(string) < anchors[j]["id"].(string)
	})
	h.sendJSON(p, map[string]any{"type": "orbit.anchors", "anchors": anchors})
}

func (h *Hub) handleArtifactList(p Peer, userID string, f protocol.Frame) {
	threadID, _ := stringValue(f.Object["threadId"])
	limit := intValue(f.Object["limit"], 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	beforeID := intValue(f.Object["beforeId"], 0)
	requestID := protocol.CoerceRequestKey(f.Object["requestId"])
	if requestID == "" {
		requestID = protocol.CoerceRequestKey(f.Object["id"])
	}

	records, err := h.db.ListArtifacts(userID, threadID, int(limit), beforeID)
	if err != nil {
		h.log.Warn("list artifacts", zap.Error(err))
		return
	}

	payload := map[string]any{
		"type":      "orbit.artifacts",
		"threadId":  nullableString(threadID),
		"artifacts": SerializeArtifacts(records),
	}
	if len(records) > 0 {
		payload["nextBeforeId"] = records[len(records)-1].ID
	} else {
		payload["nextBeforeId"] = nil
	}
	if requestID != "" {
		payload["requestId"] = requestID
	}
	h.sendJSON(p, payload)
}

// SerializeArtifacts renders store records in the wire shape shared by the
// orbit.artifacts frame and the HTTP artifact listing.
func SerializeArtifacts(records []store.Artifact) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		var payload any
		if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
			payload = rec.PayloadJSON
		}
		out = append(out, map[string]any{
			"id":           rec.ID,
			"threadId":     rec.ThreadID,
			"turnId":       nullableString(rec.TurnID),
			"anchorId":     nullableString(rec.AnchorID),
			"itemId":       rec.ItemID,
			"artifactType": rec.ArtifactType,
			"itemType":     rec.ItemType,
			"summary":      nullableString(rec.Summary),
			"payload":      payload,
			"createdAt":    rec.CreatedAt,
		})
	}
	return out
}

// replayThreadState sends the stored snapshot and recent history to a client
// that just subscribed.
func (h *Hub) replayThreadState(p Peer, userID, threadID string) {
	state, err := h.db.GetThreadState(userID, threadID)
	if err != nil {
		h.log.Warn("load thread state", zap.Error(err))
	}
	if state != nil && state.BoundAnchorID != "" {
		key := threadKey{userID, threadID}
		h.mu.Lock()
		if _, ok := h.threadAnchor[key]; !ok {
			h.threadAnchor[key] = state.BoundAnchorID
		}
		h.mu.Unlock()
	}

	messages, err := h.db.ListThreadMessages(userID, threadID, h.cfg.ReplayLimit)
	if err != nil {
		h.log.Warn("load thread messages", zap.Error(err))
	}

	payload := map[string]any{
		"type":     "orbit.relay-state",
		"threadId": threadID,
		"replayed": len(messages),
	}
	payload["boundAnchorId"] = nil
	payload["turn"] = nil
	if state != nil {
		payload["boundAnchorId"] = nullableString(state.BoundAnchorID)
		if state.TurnID != "" || state.TurnStatus != "" {
			payload["turn"] = map[string]any{
				"id":     nullableString(state.TurnID),
				"status": nullableString(state.TurnStatus),
			}
		}
	}
	h.sendJSON(p, payload)
	for _, m := range messages {
		_ = p.SendText(m.Raw)
	}
	h.obs.Replayed(len(messages))
}

// handleAnchorHello records anchor identity and metadata, evicting a previous
// socket that announced the same anchor id.
func (h *Hub) handleAnchorHello(p Peer, role Role, userID string, f protocol.Frame) bool {
	if role != RoleAnchor || f.Type() != "anchor.hello" {
		return false
	}

	anchorID, ok := stringValue(f.Object["anchorId"])
	if !ok {
		anchorID, ok = stringValue(f.Object["deviceId"])
	}
	if !ok {
		// An anchor without an id stays connected but unaddressable.
		anchorID = newHexID()
	}

	meta := AnchorMeta{
		ID:          anchorID,
		Hostname:    stringOr(f.Object["hostname"], "unknown"),
		Platform:    stringOr(f.Object["platform"], "unknown"),
		ConnectedAt: stringOr(f.Object["ts"], time.Now().UTC().Format(time.RFC3339)),
	}

	var replaced Peer
	var sends []outbound
	key := anchorKey{userID, anchorID}

	h.mu.Lock()
	if existing, ok := h.anchorByID[key]; ok && existing != p {
		sends = append(sends, h.removeLocked(existing, RoleAnchor)...)
		replaced = existing
	}
	h.anchorMeta[p] = meta
	h.anchorByID[key] = p
	h.anchorIDOf[p] = anchorID
	clients := make([]Peer, 0, len(h.clientsByUser[userID]))
	for client := range h.clientsByUser[userID] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	flush(sends)
	if replaced != nil {
		_ = replaced.CloseWithStatus(1000, "Replaced by newer connection")
		h.obs.Replaced(RoleAnchor)
	}

	connected := mustJSON(map[string]any{
		"type": "orbit.anchor-connected",
		"anchor": map[string]any{
			"id":          meta.ID,
			"hostname":    meta.Hostname,
			"platform":    meta.Platform,
			"connectedAt": meta.ConnectedAt,
		},
	})
	for _, client := range clients {
		_ = client.SendText(connected)
	}
	return true
}

// stringValue returns a trimmed non-empty string value.
func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// hasStringField reports whether the key holds a string at all, blank or not.
func hasStringField(m map[string]any, key string) bool {
	_, ok := m[key].(string)
	return ok
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intValue(v any, fallback int64) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return fallback
	}
	i, err := n.Int64()
	if err != nil {
		return fallback
	}
	return i
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
