package artifact

import (
	"strings"
	"testing"

	"github.com/orbitsh/orbit-relay/relay/protocol"
)

func TestTurnState(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		wantID     string
		wantStatus string
	}{
		{"nested turn", `{"method":"turn/started","params":{"turn":{"id":"t1","status":"started"}}}`, "t1", "started"},
		{"flat fallback", `{"method":"turn/completed","params":{"turnId":"t2","status":"completed"}}`, "t2", "completed"},
		{"nested wins", `{"method":"turn/started","params":{"turn":{"id":"n"},"turnId":"f","status":"started"}}`, "n", "started"},
		{"blank nested falls through", `{"method":"turn/started","params":{"turn":{"id":"  "},"turnId":"f"}}`, "f", ""},
		{"other method ignored", `{"method":"item/completed","params":{"turn":{"id":"t","status":"s"}}}`, "", ""},
		{"missing params", `{"method":"turn/started"}`, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, status := TurnState(protocol.Parse(tc.raw))
			if id != tc.wantID || status != tc.wantStatus {
				t.Fatalf("TurnState: got (%q,%q) want (%q,%q)", id, status, tc.wantID, tc.wantStatus)
			}
		})
	}
}

func TestExtractFilters(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"wrong method", `{"method":"item/started","params":{"item":{"type":"commandExecution","id":"i1"}}}`},
		{"no params", `{"method":"item/completed"}`},
		{"no item", `{"method":"item/completed","params":{}}`},
		{"unindexed type", `{"method":"item/completed","params":{"item":{"type":"agentMessage","id":"i1"}}}`},
		{"missing type", `{"method":"item/completed","params":{"item":{"id":"i1"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec, ok := Extract(protocol.Parse(tc.raw)); ok {
				t.Fatalf("unexpected artifact: %+v", rec)
			}
		})
	}
}

func TestExtractCommandExecution(t *testing.T) {
	raw := `{"method":"item/completed","params":{"turnId":"turn-9","item":{"type":"commandExecution","id":" item-1 ","command":"ls -la","exitCode":0}}}`
	rec, ok := Extract(protocol.Parse(raw))
	if !ok {
		t.Fatalf("expected artifact")
	}
	if rec.ItemID != "item-1" || rec.ArtifactType != "command" || rec.ItemType != "commandExecution" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.TurnID != "turn-9" {
		t.Fatalf("turn id: got %q", rec.TurnID)
	}
	if rec.Summary != "ls -la (exit=0)" {
		t.Fatalf("summary: got %q", rec.Summary)
	}
	if !strings.Contains(rec.PayloadJSON, `"command":"ls -la"`) {
		t.Fatalf("payload should carry the item: %s", rec.PayloadJSON)
	}
}

func TestExtractCommandWithoutExitCode(t *testing.T) {
	raw := `{"method":"item/completed","params":{"item":{"type":"commandExecution","id":"i","command":"make","exitCode":1.5}}}`
	rec, _ := Extract(protocol.Parse(raw))
	if rec.Summary != "make" {
		t.Fatalf("non-integer exit code should be ignored: %q", rec.Summary)
	}
}

func TestExtractFileChange(t *testing.T) {
	raw := `{"method":"item/completed","params":{"item":{"type":"fileChange","id":"i","changes":[` +
		`{"path":"a.go"},{"path":"b.go"},{"nope":1},{"path":"c.go"},{"path":"d.go"},{"path":"e.go"},{"path":"f.go"}]}}}`
	rec, _ := Extract(protocol.Parse(raw))
	if rec.ArtifactType != "file" {
		t.Fatalf("artifact type: %q", rec.ArtifactType)
	}
	if rec.Summary != "a.go, b.go, c.go, d.go, e.go" {
		t.Fatalf("summary should cap at five paths: %q", rec.Summary)
	}
}

func TestExtractImageView(t *testing.T) {
	rec, _ := Extract(protocol.Parse(`{"method":"item/completed","params":{"item":{"type":"imageView","id":"i","imageUrl":"https://x/img.png"}}}`))
	if rec.Summary != "https://x/img.png" {
		t.Fatalf("summary: %q", rec.Summary)
	}
	rec, _ = Extract(protocol.Parse(`{"method":"item/completed","params":{"item":{"type":"imageView","id":"i"}}}`))
	if rec.Summary != "image artifact" {
		t.Fatalf("fallback summary: %q", rec.Summary)
	}
}

func TestExtractToolTypes(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		wantSummary string
	}{
		{"mcp named", `{"method":"item/completed","params":{"item":{"type":"mcpToolCall","id":"i","tool":"search_docs"}}}`, "search_docs"},
		{"mcp default", `{"method":"item/completed","params":{"item":{"type":"mcpToolCall","id":"i"}}}`, "mcp tool call"},
		{"web search", `{"method":"item/completed","params":{"item":{"type":"webSearch","id":"i","query":"golang sqlite"}}}`, "golang sqlite"},
		{"web search default", `{"method":"item/completed","params":{"item":{"type":"webSearch","id":"i"}}}`, "web search"},
		{"collab tool", `{"method":"item/completed","params":{"item":{"type":"collabAgentToolCall","id":"i","tool":"review"}}}`, "review"},
		{"collab default", `{"method":"item/completed","params":{"item":{"type":"collabAgentToolCall","id":"i"}}}`, "collaboration tool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, ok := Extract(protocol.Parse(tc.raw))
			if !ok || rec.ArtifactType != "tool" {
				t.Fatalf("expected tool artifact, got %+v", rec)
			}
			if rec.Summary != tc.wantSummary {
				t.Fatalf("summary: got %q want %q", rec.Summary, tc.wantSummary)
			}
		})
	}
}

func TestExtractGeneratesItemID(t *testing.T) {
	raw := `{"method":"item/completed","params":{"item":{"type":"webSearch"}}}`
	a, _ := Extract(protocol.Parse(raw))
	b, _ := Extract(protocol.Parse(raw))
	if len(a.ItemID) != 32 {
		t.Fatalf("generated id should be 32 hex chars: %q", a.ItemID)
	}
	if a.ItemID == b.ItemID {
		t.Fatalf("generated ids should be unique")
	}
}

func TestExtractTurnIDFromItem(t *testing.T) {
	raw := `{"method":"item/completed","params":{"item":{"type":"webSearch","id":"i","turn_id":"turn-3"}}}`
	rec, _ := Extract(protocol.Parse(raw))
	if rec.TurnID != "turn-3" {
		t.Fatalf("turn id from item: got %q", rec.TurnID)
	}
	raw = `{"method":"item/completed","params":{"item":{"type":"webSearch","id":"i"}}}`
	rec, _ = Extract(protocol.Parse(raw))
	if rec.TurnID != "" {
		t.Fatalf("absent turn id should stay empty, got %q", rec.TurnID)
	}
}
