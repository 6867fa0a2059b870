package agent

import "testing"

func TestRegistry_Builtins(t *testing.T) {
	for _, name := range []string{"claude", "codex", "gemini", "aider", "opencode"} {
		if !Exists(name) {
			t.Errorf("builtin agent %q not registered", name)
		}
	}
}

func TestRegistry_Get(t *testing.T) {
	spec, err := Get("claude")
	if err != nil {
		t.Fatalf("Get(claude): %v", err)
	}
	if spec.Command != "claude" {
		t.Errorf("command = %q, want claude", spec.Command)
	}
	if spec.Output.Format != FormatStreamJSON {
		t.Errorf("format = %q, want stream-json", spec.Output.Format)
	}
	if !spec.SupportsResume() {
		t.Error("claude should support resume")
	}

	if _, err := Get("nonexistent"); err == nil {
		t.Error("Get(nonexistent) should fail")
	}
}

func TestRegistry_List(t *testing.T) {
	names := List()
	if len(names) < 5 {
		t.Fatalf("List() = %v, want at least the 5 builtins", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("List() not sorted: %v", names)
		}
	}
}

func TestRegistry_SessionFieldConventions(t *testing.T) {
	// The two naming conventions across CLIs must both be representable.
	opencode, err := Get("opencode")
	if err != nil {
		t.Fatal(err)
	}
	if opencode.Output.SessionIDField != "sessionID" || opencode.Output.SessionIDFieldAlt != "session_id" {
		t.Errorf("opencode session fields = %q/%q", opencode.Output.SessionIDField, opencode.Output.SessionIDFieldAlt)
	}
	if !opencode.ModelRequiredForStreaming {
		t.Error("opencode requires a model for streaming")
	}
}
