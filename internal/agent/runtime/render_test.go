package runtime

import (
	"strings"
	"testing"
)

func render(ev Event, verbose bool) string {
	var sb strings.Builder
	Render(&sb, ev, verbose)
	return sb.String()
}

func TestRender_Markers(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		verbose bool
		want    string
	}{
		{"text verbatim", Event{Kind: KindText, Text: "hello"}, false, "hello"},
		{"tool use", Event{Kind: KindToolUse, ToolName: "Bash"}, false, "\n[tool: Bash]\n"},
		{"tool result", Event{Kind: KindToolResult, Text: "out"}, false, "[result]\n"},
		{"tool result verbose", Event{Kind: KindToolResult, Text: "out"}, true, "[result] out…\n"},
		{"cost and duration", Event{Kind: KindResult, HasCost: true, CostUSD: 0.01, HasDuration: true, DurationMS: 1200}, false,
			"\n[cost: $0.0100]\n[duration: 1.2s]\n"},
		{"error", Event{Kind: KindError, Message: "boom"}, false, "\n[ERROR: boom]\n"},
		{"init", Event{Kind: KindInit, SessionID: "s1", Model: "m"}, false, "[session: s1]\n[model: m]\n"},
		{"session only", Event{Kind: KindSession, SessionID: "s2"}, false, "[session: s2]\n"},
		{"unknown silent", Event{Kind: KindUnknown}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := render(tt.ev, tt.verbose); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_VerboseResultTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := render(Event{Kind: KindToolResult, Text: long}, true)
	want := "[result] " + strings.Repeat("x", 200) + "…\n"
	if got != want {
		t.Errorf("truncated preview = %d bytes, want 200-char preview", len(got))
	}
}

func TestRenderHeartbeat(t *testing.T) {
	var sb strings.Builder
	RenderHeartbeat(&sb, 30)
	if got := sb.String(); got != "[heartbeat 30s] " {
		t.Errorf("heartbeat = %q", got)
	}
}

func TestRenderTimeout(t *testing.T) {
	var sb strings.Builder
	RenderTimeout(&sb, 600)
	want := "\n[TIMEOUT] No activity for 600s - agent may be stuck\n"
	if got := sb.String(); got != want {
		t.Errorf("timeout = %q, want %q", got, want)
	}
}
