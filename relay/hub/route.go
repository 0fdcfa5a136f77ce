package hub

import (
	"go.uber.org/zap"

	"github.com/orbitsh/orbit-relay/observability"
	"github.com/orbitsh/orbit-relay/relay/artifact"
	"github.com/orbitsh/orbit-relay/relay/protocol"
	"github.com/orbitsh/orbit-relay/store"
)

// FailureCode classifies why a client frame could not reach an anchor. The
// code travels to the client in the error frame's data object.
type FailureCode string

const (
	FailureAnchorNotFound       FailureCode = "anchor_not_found"
	FailureAnchorOffline        FailureCode = "anchor_offline"
	FailureAnchorRequired       FailureCode = "anchor_required"
	FailureThreadAnchorMismatch FailureCode = "thread_anchor_mismatch"
)

type routeFailure struct {
	code    FailureCode
	message string
}

// route is the fallback for frames that are not control messages: RPC
// requests, responses, and notifications in either direction.
func (h *Hub) route(p Peer, role Role, userID string, f protocol.Frame) {
	if role == RoleClient {
		h.routeFromClient(p, userID, f)
		return
	}
	h.routeFromAnchor(p, userID, f)
}

func (h *Hub) routeFromClient(p Peer, userID string, f protocol.Frame) {
	threadID := f.ThreadID()
	anchorID := f.AnchorID()
	requestKey := f.RequestKey()
	hasMethod := f.HasMethod()

	// A response frame pays off a pending anchor-originated request.
	if requestKey != "" && !hasMethod {
		h.mu.Lock()
		target, ok := h.pendingAnchor[pendingKey{p, requestKey}]
		if ok {
			delete(h.pendingAnchor, pendingKey{p, requestKey})
		}
		h.mu.Unlock()
		if ok {
			_ = target.SendText(f.Raw)
			h.obs.Routed(observability.RouteResponse)
			return
		}
	}

	h.mu.Lock()
	target, failure := h.resolveClientTargetLocked(userID, threadID, anchorID)
	if target != nil && threadID != "" {
		if resolvedAnchorID := h.anchorIDOf[target]; resolvedAnchorID != "" {
			h.bindThreadAnchorLocked(userID, threadID, resolvedAnchorID)
		}
	}
	if target != nil && requestKey != "" && hasMethod {
		h.pendingClient[pendingKey{target, requestKey}] = p
	}
	h.mu.Unlock()

	if target != nil {
		_ = target.SendText(f.Raw)
		h.obs.Routed(observability.RouteClientToAnchor)
		return
	}
	if failure != nil {
		h.obs.RouteFailure(string(failure.code))
		h.log.Debug("client frame not routable",
			zap.String("user", userID),
			zap.String("code", string(failure.code)))
		h.sendRPCError(p, f, *failure)
	}
}

func (h *Hub) routeFromAnchor(p Peer, userID string, f protocol.Frame) {
	threadID := f.ThreadID()
	requestKey := f.RequestKey()
	hasMethod := f.HasMethod()

	if requestKey != "" && !hasMethod {
		var completion *outbound
		var dispatchConsumed bool
		var responseTarget Peer
		var capturedAnchorID string

		h.mu.Lock()
		anchorSourceID := h.anchorIDOf[p]
		if threadID != "" && anchorSourceID != "" {
			h.bindThreadAnchorLocked(userID, threadID, anchorSourceID)
		}

		if route, ok := h.dispatchRoutes[pendingKey{p, requestKey}]; ok {
			delete(h.dispatchRoutes, pendingKey{p, requestKey})
			dispatchConsumed = true
			if agg, ok := h.dispatches[route.key]; ok {
				delete(agg.pending, route.anchorID)
				response := map[string]any{"ok": true}
				if f.IsObject() {
					response["response"] = f.Object
				} else {
					response["response"] = map[string]any{"raw": f.Raw}
				}
				agg.results[route.anchorID] = response
				if len(agg.pending) == 0 {
					if peer, payload, ok := h.finalizeDispatchLocked(route.key); ok {
						completion = &outbound{peer, payload}
					}
				}
			}
		} else if target, ok := h.pendingClient[pendingKey{p, requestKey}]; ok {
			delete(h.pendingClient, pendingKey{p, requestKey})
			responseTarget = target
			capturedAnchorID = anchorSourceID
		}
		h.mu.Unlock()

		if completion != nil {
			h.obs.Dispatch(observability.DispatchCompleted)
			_ = completion.peer.SendText(completion.data)
			return
		}
		if dispatchConsumed {
			// The slot is filled; the requester sees nothing until the
			// aggregate completes or times out.
			return
		}
		if responseTarget != nil {
			if threadID != "" {
				h.capture(userID, threadID, capturedAnchorID, f)
			}
			_ = responseTarget.SendText(f.Raw)
			h.obs.Routed(observability.RouteResponse)
			return
		}
		// No correlation found; fall through and broadcast like a
		// notification.
	}

	h.mu.Lock()
	anchorSourceID := h.anchorIDOf[p]
	if threadID != "" && anchorSourceID != "" {
		h.bindThreadAnchorLocked(userID, threadID, anchorSourceID)
	}

	var targets []Peer
	if threadID != "" {
		for client := range h.clientsByThread[threadKey{userID, threadID}] {
			targets = append(targets, client)
		}
	}
	if len(targets) == 0 {
		for client := range h.clientsByUser[userID] {
			targets = append(targets, client)
		}
	}

	if requestKey != "" && hasMethod {
		for _, target := range targets {
			h.pendingAnchor[pendingKey{target, requestKey}] = p
		}
	}
	h.mu.Unlock()

	if threadID != "" {
		h.capture(userID, threadID, anchorSourceID, f)
	}
	for _, target := range targets {
		_ = target.SendText(f.Raw)
	}
	h.obs.Routed(observability.RouteAnchorToClient)
}

// resolveClientTargetLocked picks the anchor a client frame should reach, in
// priority order: explicit anchor id, the thread's sticky binding, a single
// subscribed anchor, then the user's only anchor.
func (h *Hub) resolveClientTargetLocked(userID, threadID, anchorID string) (Peer, *routeFailure) {
	if anchorID != "" {
		target, ok := h.anchorByID[anchorKey{userID, anchorID}]
		if !ok {
			return nil, &routeFailure{FailureAnchorNotFound, "Selected device is unavailable."}
		}
		if threadID != "" {
			bound := h.boundAnchorLocked(userID, threadID)
			if bound != "" && bound != anchorID {
				return nil, &routeFailure{FailureThreadAnchorMismatch, "Thread is attached to another device."}
			}
		}
		return target, nil
	}

	if threadID != "" {
		if bound := h.boundAnchorLocked(userID, threadID); bound != "" {
			target, ok := h.anchorByID[anchorKey{userID, bound}]
			if !ok {
				return nil, &routeFailure{FailureAnchorOffline, "Device for this thread is offline."}
			}
			return target, nil
		}

		subscribed := h.anchorsByThread[threadKey{userID, threadID}]
		if len(subscribed) == 1 {
			for anchor := range subscribed {
				return anchor, nil
			}
		}
		if len(subscribed) > 1 {
			return nil, &routeFailure{FailureThreadAnchorMismatch, "Thread is attached to multiple devices."}
		}
	}

	anchors := h.anchorsByUser[userID]
	if len(anchors) == 1 {
		for anchor := range anchors {
			return anchor, nil
		}
	}
	if len(anchors) == 0 {
		return nil, &routeFailure{FailureAnchorOffline, "No devices are connected."}
	}
	return nil, &routeFailure{FailureAnchorRequired, "Select a device before starting a request."}
}

// boundAnchorLocked reads the thread binding, falling back to storage and
// rebuilding the memo on a hit.
func (h *Hub) boundAnchorLocked(userID, threadID string) string {
	key := threadKey{userID, threadID}
	if bound := h.threadAnchor[key]; bound != "" {
		return bound
	}
	state, err := h.db.GetThreadState(userID, threadID)
	if err != nil {
		h.log.Warn("load thread state", zap.Error(err))
		return ""
	}
	if state == nil || state.BoundAnchorID == "" {
		return ""
	}
	h.threadAnchor[key] = state.BoundAnchorID
	return state.BoundAnchorID
}

// capture appends an anchor frame to the thread log and folds its turn and
// artifact content into durable state.
func (h *Hub) capture(userID, threadID, anchorID string, f protocol.Frame) {
	if _, err := h.db.AppendThreadMessage(userID, threadID, f.Raw); err != nil {
		h.log.Warn("append thread message", zap.Error(err))
	}
	if anchorID != "" {
		if err := h.db.SetThreadAnchor(userID, threadID, anchorID); err != nil {
			h.log.Warn("persist thread anchor", zap.Error(err))
		}
	}
	h.obs.Captured()

	if !f.IsObject() {
		return
	}

	turnID, turnStatus := artifact.TurnState(f)
	if turnID != "" || turnStatus != "" {
		existing, err := h.db.GetThreadState(userID, threadID)
		if err != nil {
			h.log.Warn("load thread state", zap.Error(err))
		}
		if existing != nil {
			if turnID == "" {
				turnID = existing.TurnID
			}
			if turnStatus == "" {
				turnStatus = existing.TurnStatus
			}
		}
		if err := h.db.SetThreadTurn(userID, threadID, turnID, turnStatus); err != nil {
			h.log.Warn("persist thread turn", zap.Error(err))
		}
	}

	rec, ok := artifact.Extract(f)
	if !ok {
		return
	}
	if rec.TurnID == "" {
		if state, err := h.db.GetThreadState(userID, threadID); err == nil && state != nil {
			rec.TurnID = state.TurnID
		}
	}
	_, err := h.db.UpsertArtifact(store.Artifact{
		UserID:       userID,
		ThreadID:     threadID,
		TurnID:       rec.TurnID,
		AnchorID:     anchorID,
		ItemID:       rec.ItemID,
		ArtifactType: rec.ArtifactType,
		ItemType:     rec.ItemType,
		Summary:      rec.Summary,
		PayloadJSON:  rec.PayloadJSON,
	})
	if err != nil {
		h.log.Warn("upsert artifact", zap.Error(err))
	}
}

// sendRPCError answers an unroutable request with the relay error shape. A
// frame without an id gets no reply.
func (h *Hub) sendRPCError(p Peer, f protocol.Frame, failure routeFailure) {
	id, ok := f.MessageID()
	if !ok {
		return
	}
	h.sendJSON(p, map[string]any{
		"id": id,
		"error": map[string]any{
			"code":    -32001,
			"message": failure.message,
			"data":    map[string]any{"code": string(failure.code)},
		},
	})
}
