package hub

import (
	"time"

	"github.com/orbitsh/orbit-relay/observability"
	"github.com/orbitsh/orbit-relay/relay/protocol"
)

// dispatchKey identifies one in-flight multi-dispatch aggregate.
type dispatchKey struct {
	requester Peer
	requestID string
}

// dispatchRoute binds an inner request id on an anchor socket back to its
// aggregate.
type dispatchRoute struct {
	key      dispatchKey
	anchorID string
}

// dispatch aggregates the fan-out to several anchors. All fields are guarded
// by the hub mutex; the timer callback re-enters through expireDispatch.
type dispatch struct {
	requester Peer
	requestID string
	order     []string
	results   map[string]map[string]any
	pending   map[string]struct{}
	timer     *time.Timer
}

func (d *dispatch) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// handleMultiDispatch fans one request template out to the selected anchors
// and installs the aggregate awaiting their replies.
func (h *Hub) handleMultiDispatch(p Peer, userID string, f protocol.Frame) {
	requestID := protocol.CoerceRequestKey(f.Object["requestId"])
	if requestID == "" {
		requestID = protocol.CoerceRequestKey(f.Object["id"])
	}
	if requestID == "" {
		requestID = newHexID()
	}

	template := dispatchTemplate(f.Object)
	if template == nil {
		h.obs.Dispatch(observability.DispatchInvalid)
		h.sendJSON(p, map[string]any{
			"type":      "orbit.multi-dispatch.result",
			"requestId": requestID,
			"results":   []any{},
			"error": map[string]any{
				"code":    "invalid_request",
				"message": "Provide a request payload with a method.",
			},
		})
		return
	}

	requested := dispatchAnchorIDs(f.Object)
	key := dispatchKey{p, requestID}
	var sends []outbound
	var completion *outbound

	h.mu.Lock()
	if len(requested) == 0 {
		for anchor := range h.anchorByID {
			if anchor.userID == userID {
				requested = append(requested, anchor.anchorID)
			}
		}
	}

	agg := &dispatch{
		requester: p,
		requestID: requestID,
		order:     requested,
		results:   make(map[string]map[string]any),
		pending:   make(map[string]struct{}),
	}

	for _, anchorID := range requested {
		target, ok := h.anchorByID[anchorKey{userID, anchorID}]
		if !ok {
			agg.results[anchorID] = map[string]any{
				"ok": false,
				"error": map[string]any{
					"code":    "anchor_not_found",
					"message": "Selected device is unavailable.",
				},
			}
			continue
		}

		outboundMsg := make(map[string]any, len(template)+1)
		for k, v := range template {
			outboundMsg[k] = v
		}
		innerID := protocol.CoerceRequestKey(outboundMsg["id"])
		if innerID == "" {
			innerID = requestID
		}
		subID := innerID + ":" + anchorID + ":" + newHexID()[:8]
		outboundMsg["id"] = subID

		sends = append(sends, outbound{target, mustJSON(outboundMsg)})
		agg.pending[anchorID] = struct{}{}
		h.dispatchRoutes[pendingKey{target, subID}] = dispatchRoute{key: key, anchorID: anchorID}
	}

	if len(agg.pending) > 0 {
		h.dispatches[key] = agg
		agg.timer = time.AfterFunc(h.cfg.MultiDispatchTimeout, func() { h.expireDispatch(key) })
	} else {
		peer, payload := h.buildDispatchResultLocked(agg)
		completion = &outbound{peer, payload}
	}
	h.mu.Unlock()

	if completion != nil {
		h.obs.Dispatch(observability.DispatchCompleted)
		_ = completion.peer.SendText(completion.data)
		return
	}
	flush(sends)
}

// expireDispatch is the timer path: every still-pending anchor is marked
// timed out and the aggregate completes.
func (h *Hub) expireDispatch(key dispatchKey) {
	var completion *outbound

	h.mu.Lock()
	agg, ok := h.dispatches[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	for anchorID := range agg.pending {
		agg.results[anchorID] = map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    "timeout",
				"message": "No response before timeout.",
			},
		}
		delete(agg.pending, anchorID)
	}
	if peer, payload, ok := h.finalizeDispatchLocked(key); ok {
		completion = &outbound{peer, payload}
	}
	h.mu.Unlock()

	if completion != nil {
		h.obs.Dispatch(observability.DispatchTimeout)
		_ = completion.peer.SendText(completion.data)
	}
}

// finalizeDispatchLocked removes the aggregate and its response routes and
// builds the result frame. Both the timer and the natural completion path
// funnel through here; the existence check makes them race-safe.
func (h *Hub) finalizeDispatchLocked(key dispatchKey) (Peer, string, bool) {
	agg, ok := h.dispatches[key]
	if !ok {
		return nil, "", false
	}
	delete(h.dispatches, key)
	agg.stopTimerLocked()

	for routeKey, route := range h.dispatchRoutes {
		if route.key == key {
			delete(h.dispatchRoutes, routeKey)
		}
	}

	peer, payload := h.buildDispatchResultLocked(agg)
	return peer, payload, true
}

func (h *Hub) buildDispatchResultLocked(agg *dispatch) (Peer, string) {
	results := make([]map[string]any, 0, len(agg.order))
	for _, anchorID := range agg.order {
		entry := agg.results[anchorID]
		if entry == nil {
			entry = map[string]any{
				"ok": false,
				"error": map[string]any{
					"code":    "no_result",
					"message": "No result was collected for this anchor.",
				},
			}
		}
		row := map[string]any{"anchorId": anchorID}
		for k, v := range entry {
			row[k] = v
		}
		results = append(results, row)
	}

	payload := mustJSON(map[string]any{
		"type":        "orbit.multi-dispatch.result",
		"requestId":   agg.requestID,
		"results":     results,
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	})
	return agg.requester, payload
}

// dispatchTemplate pulls the request to fan out: an explicit request/payload
// object, or the envelope's own method/params.
func dispatchTemplate(msg map[string]any) map[string]any {
	for _, key := range []string{"request", "payload"} {
		if candidate := protocol.AsObject(msg[key]); candidate != nil {
			if _, ok := candidate["method"].(string); ok {
				out := make(map[string]any, len(candidate))
				for k, v := range candidate {
					out[k] = v
				}
				return out
			}
		}
	}

	method, ok := msg["method"].(string)
	if !ok {
		return nil
	}
	template := map[string]any{"method": method}
	if params := protocol.AsObject(msg["params"]); params != nil {
		template["params"] = params
	}
	if id, ok := msg["dispatchRequestId"]; ok {
		template["id"] = id
	}
	return template
}

// dispatchAnchorIDs reads the target list, deduplicated in request order.
func dispatchAnchorIDs(msg map[string]any) []string {
	source, ok := msg["anchorIds"].([]any)
	if !ok {
		source, ok = msg["anchors"].([]any)
		if !ok {
			return nil
		}
	}

	var result []string
	seen := make(map[string]struct{})
	for _, item := range source {
		anchorID, ok := stringValue(item)
		if !ok {
			continue
		}
		if _, dup := seen[anchorID]; dup {
			continue
		}
		seen[anchorID] = struct{}{}
		result = append(result, anchorID)
	}
	return result
}
