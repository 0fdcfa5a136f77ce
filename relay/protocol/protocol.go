// Package protocol classifies relay frames and extracts routing metadata.
//
// Inbound frames are UTF-8 text. A frame that fails to decode as a JSON
// object is still routable, it just carries no correlation metadata.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Frame is the parsed view of one inbound text frame. Object is nil when the
// frame was malformed or not a JSON object.
type Frame struct {
	Raw    string
	Object map[string]any
}

// Parse decodes a raw text frame. Numeric values are kept as json.Number so
// request ids survive round-trips without float mangling.
func Parse(raw string) Frame {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Frame{Raw: raw}
	}
	obj, _ := v.(map[string]any)
	return Frame{Raw: raw, Object: obj}
}

// IsObject reports whether the frame decoded to a JSON object.
func (f Frame) IsObject() bool { return f.Object != nil }

// Type returns the control-frame type, or "" for non-control frames.
func (f Frame) Type() string {
	if f.Object == nil {
		return ""
	}
	t, _ := f.Object["type"].(string)
	return t
}

// Method returns the RPC method name, or "" when absent.
func (f Frame) Method() string {
	if f.Object == nil {
		return ""
	}
	m, _ := f.Object["method"].(string)
	return m
}

// HasMethod reports whether the frame is an RPC request.
func (f Frame) HasMethod() bool { return f.Method() != "" }

// MessageID returns the raw "id" value when it is a non-blank string or an
// integer. The original value is preserved so error replies echo it exactly.
func (f Frame) MessageID() (any, bool) {
	if f.Object == nil {
		return nil, false
	}
	switch v := f.Object["id"].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v, true
		}
	case json.Number:
		if isIntegral(v) {
			return v, true
		}
	}
	return nil, false
}

// RequestKey returns the correlation key for the frame's id: the decimal
// string form for integers, the string itself otherwise. Empty when the frame
// has no usable id.
func (f Frame) RequestKey() string {
	id, ok := f.MessageID()
	if !ok {
		return ""
	}
	switch v := id.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// ThreadID extracts the thread id, searching params/result in priority order
// and falling back to params.item.
func (f Frame) ThreadID() string {
	if f.Object == nil {
		return ""
	}
	if id := extractScopedID(f.Object, "thread"); id != "" {
		return id
	}
	params := AsObject(f.Object["params"])
	if params == nil {
		return ""
	}
	if item := AsObject(params["item"]); item != nil {
		for _, key := range []string{"threadId", "thread_id"} {
			if id := NormalizeID(item[key]); id != "" {
				return id
			}
		}
	}
	return ""
}

// AnchorID extracts the anchor id from params/result.
func (f Frame) AnchorID() string {
	if f.Object == nil {
		return ""
	}
	return extractScopedID(f.Object, "anchor")
}

// extractScopedID probes params.<key>Id, params.<key>_id, the result
// equivalents, then params.<key>.id and result.<key>.id.
func extractScopedID(obj map[string]any, singular string) string {
	params := AsObject(obj["params"])
	result := AsObject(obj["result"])

	candidates := make([]any, 0, 6)
	for _, scope := range []map[string]any{params, result} {
		if scope == nil {
			continue
		}
		candidates = append(candidates, scope[singular+"Id"], scope[singular+"_id"])
	}
	for _, scope := range []map[string]any{params, result} {
		if nested := AsObject(scope[singular]); nested != nil {
			candidates = append(candidates, nested["id"])
		}
	}

	for _, c := range candidates {
		if id := NormalizeID(c); id != "" {
			return id
		}
	}
	return ""
}

// AsObject returns the value as a JSON object, or nil.
func AsObject(v any) map[string]any {
	obj, _ := v.(map[string]any)
	return obj
}

// NormalizeID coerces an id candidate to its canonical string form: trimmed
// non-empty strings pass through, integers are stringified, everything else
// (booleans, floats, objects) is rejected.
func NormalizeID(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		if isIntegral(val) {
			return val.String()
		}
	}
	return ""
}

// CoerceRequestKey normalizes an explicit request id field (trimmed string or
// integer) to its key form.
func CoerceRequestKey(v any) string {
	return NormalizeID(v)
}

func isIntegral(n json.Number) bool {
	s := n.String()
	return !strings.ContainsAny(s, ".eE")
}
