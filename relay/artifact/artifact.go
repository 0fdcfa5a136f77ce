// Package artifact derives durable thread state from frames flowing through
// the hub: turn progress notifications and completed items worth indexing.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitsh/orbit-relay/relay/protocol"
)

// artifactTypes maps an item type to the artifact class it is indexed under.
// Item types outside this map are not captured.
var artifactTypes = map[string]string{
	"commandExecution":    "command",
	"fileChange":          "file",
	"imageView":           "image",
	"mcpToolCall":         "tool",
	"webSearch":           "tool",
	"collabAgentToolCall": "tool",
}

// Record is an extracted artifact, ready for the store.
type Record struct {
	TurnID       string
	ItemID       string
	ArtifactType string
	ItemType     string
	Summary      string
	PayloadJSON  string
}

// TurnState reads turn progress from a turn/started or turn/completed frame.
// Flat params keys back up the nested turn object. Both results may be empty.
func TurnState(f protocol.Frame) (turnID, turnStatus string) {
	method := f.Method()
	if method != "turn/started" && method != "turn/completed" {
		return "", ""
	}
	params := protocol.AsObject(f.Object["params"])
	if params == nil {
		return "", ""
	}
	if turn := protocol.AsObject(params["turn"]); turn != nil {
		turnID = stringField(turn, "id")
		turnStatus = stringField(turn, "status")
	}
	if turnID == "" {
		turnID = stringField(params, "turnId")
	}
	if turnStatus == "" {
		turnStatus = stringField(params, "status")
	}
	return turnID, turnStatus
}

// Extract pulls an indexable artifact from an item/completed frame. The
// returned TurnID is empty when the frame does not carry one; callers fall
// back to the thread's last known turn.
func Extract(f protocol.Frame) (*Record, bool) {
	if f.Method() != "item/completed" {
		return nil, false
	}
	params := protocol.AsObject(f.Object["params"])
	if params == nil {
		return nil, false
	}
	item := protocol.AsObject(params["item"])
	if item == nil {
		return nil, false
	}
	itemType, _ := item["type"].(string)
	artifactType := artifactTypes[itemType]
	if artifactType == "" {
		return nil, false
	}

	itemID := stringField(item, "id")
	if itemID == "" {
		// Items without an id still get indexed, under a fresh id.
		u := uuid.New()
		itemID = hex.EncodeToString(u[:])
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, false
	}

	return &Record{
		TurnID:       turnID(params, item),
		ItemID:       itemID,
		ArtifactType: artifactType,
		ItemType:     itemType,
		Summary:      summarize(itemType, item),
		PayloadJSON:  string(payload),
	}, true
}

func turnID(params, item map[string]any) string {
	for _, m := range []map[string]any{params, item} {
		for _, key := range []string{"turnId", "turn_id"} {
			if v := stringField(m, key); v != "" {
				return v
			}
		}
	}
	return ""
}

func summarize(itemType string, item map[string]any) string {
	switch itemType {
	case "commandExecution":
		command := stringField(item, "command")
		if exit, ok := intField(item, "exitCode"); ok && command != "" {
			return command + " (exit=" + exit + ")"
		}
		return command
	case "fileChange":
		changes, _ := item["changes"].([]any)
		var paths []string
		for _, entry := range changes {
			if obj := protocol.AsObject(entry); obj != nil {
				if path, ok := obj["path"].(string); ok && path != "" {
					paths = append(paths, path)
				}
			}
		}
		if len(paths) > 5 {
			paths = paths[:5]
		}
		return strings.Join(paths, ", ")
	case "imageView":
		for _, key := range []string{"path", "imagePath", "image_url", "imageUrl", "url"} {
			if v := stringField(item, key); v != "" {
				return v
			}
		}
		return "image artifact"
	case "mcpToolCall":
		if v := stringField(item, "tool"); v != "" {
			return v
		}
		return "mcp tool call"
	case "webSearch":
		if v := stringField(item, "query"); v != "" {
			return v
		}
		return "web search"
	case "collabAgentToolCall":
		if v := stringField(item, "tool"); v != "" {
			return v
		}
		return "collaboration tool"
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// intField reads an integer-valued field, returning it as its decimal string.
func intField(m map[string]any, key string) (string, bool) {
	n, ok := m[key].(json.Number)
	if !ok {
		return "", false
	}
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return "", false
	}
	return s, true
}
