package runtime

import (
	"fmt"
	"io"
)

// maxResultPreview bounds the verbose tool-result preview.
const maxResultPreview = 200

// Render writes the human-readable form of one event. The markers are
// relied on byte-for-byte by the TUI frontend and the golden tests.
func Render(w io.Writer, ev Event, verbose bool) {
	switch ev.Kind {
	case KindText:
		io.WriteString(w, ev.Text)

	case KindToolUse:
		fmt.Fprintf(w, "\n[tool: %s]\n", ev.ToolName)

	case KindToolResult:
		if verbose && ev.Text != "" {
			preview := ev.Text
			if len(preview) > maxResultPreview {
				preview = preview[:maxResultPreview]
			}
			fmt.Fprintf(w, "[result] %s…\n", preview)
		} else {
			io.WriteString(w, "[result]\n")
		}

	case KindResult:
		if ev.HasCost {
			fmt.Fprintf(w, "\n[cost: $%.4f]\n", ev.CostUSD)
		}
		if ev.HasDuration {
			fmt.Fprintf(w, "[duration: %.1fs]\n", ev.DurationMS/1000)
		}

	case KindError:
		fmt.Fprintf(w, "\n[ERROR: %s]\n", ev.Message)

	case KindInit, KindSession:
		if ev.SessionID != "" {
			fmt.Fprintf(w, "[session: %s]\n", ev.SessionID)
		}
		if ev.Model != "" {
			fmt.Fprintf(w, "[model: %s]\n", ev.Model)
		}
	}
}

// RenderHeartbeat writes the heartbeat tick marker (no trailing newline).
func RenderHeartbeat(w io.Writer, elapsedSeconds int) {
	fmt.Fprintf(w, "[heartbeat %ds] ", elapsedSeconds)
}

// RenderTimeout writes the activity-timeout notice.
func RenderTimeout(w io.Writer, elapsedSeconds int) {
	fmt.Fprintf(w, "\n[TIMEOUT] No activity for %ds - agent may be stuck\n", elapsedSeconds)
}
