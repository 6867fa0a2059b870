// Package agent describes the external coding-assistant CLIs Bloom can
// drive. Each CLI is a Spec value: a declarative record of its argv shape,
// prompt-passing convention, stream format, resume flag, and environment.
// New CLIs are added as data, not code.
package agent

// Mode selects how a CLI is invoked.
type Mode string

const (
	// ModeInteractive runs the CLI attached to the caller's terminal.
	ModeInteractive Mode = "interactive"
	// ModeStreaming runs the CLI headless, parsing its event stream.
	ModeStreaming Mode = "streaming"
)

// OutputFormat describes what the CLI writes on stdout in streaming mode.
type OutputFormat string

const (
	// FormatStreamJSON is newline-delimited JSON events.
	FormatStreamJSON OutputFormat = "stream-json"
	// FormatJSON is a single JSON document on exit.
	FormatJSON OutputFormat = "json"
	// FormatPlain is unstructured text.
	FormatPlain OutputFormat = "plain"
)

// PromptStyle describes how the rendered prompt is attached to argv.
type PromptStyle struct {
	// Positional appends the prompt as the final positional argument.
	Positional bool
	// Flag, when non-empty, passes the prompt as "<flag> <prompt>".
	Flag string
}

// ModeSpec describes one invocation mode of a CLI.
type ModeSpec struct {
	// Subcommand precedes BaseArgs when non-empty (e.g. codex "exec").
	Subcommand string
	// BaseArgs are always passed in this mode.
	BaseArgs []string
	// PromptStyle selects positional vs flag prompt delivery.
	PromptStyle PromptStyle
	// PrependSystemPrompt folds the system prompt into the user prompt for
	// CLIs without a dedicated system-prompt flag.
	PrependSystemPrompt bool
}

// Flags holds per-concern argv prefixes. A nil slice means the CLI has no
// flag for that concern.
type Flags struct {
	// Model passes a model override (e.g. ["--model"]).
	Model []string
	// Resume continues a previous session (e.g. ["--resume"]).
	Resume []string
	// ApprovalBypass skips permission prompts in streaming mode.
	ApprovalBypass []string
	// SystemPrompt passes the system prompt when the mode does not prepend.
	SystemPrompt []string
}

// EnvSpec describes the child environment.
type EnvSpec struct {
	// Inject is overlaid on the inherited parent environment.
	Inject map[string]string
	// Required names variables external probes check before dispatching to
	// this CLI. The runtime itself does not enforce them.
	Required []string
}

// OutputSpec describes how session identity is carried in the stream.
type OutputSpec struct {
	Format OutputFormat
	// SessionIDField is the event field carrying the session id.
	SessionIDField string
	// SessionIDFieldAlt is a secondary field name some CLI versions use.
	SessionIDFieldAlt string
}

// Spec is the full declarative description of one external CLI.
type Spec struct {
	// Name is the agent identifier used in task files and config.
	Name string
	// Command is the executable looked up on PATH.
	Command string
	// VersionArgs prints the CLI version (used by probes).
	VersionArgs []string

	Interactive ModeSpec
	Streaming   ModeSpec
	Flags       Flags
	Env         EnvSpec
	Output      OutputSpec

	// ModelsCommand lists available models, when the CLI supports it.
	ModelsCommand []string
	// ModelRequiredForStreaming fails a streaming run started without a model.
	ModelRequiredForStreaming bool
	// Docs is a one-line installation hint surfaced on spawn failure.
	Docs string
}

// ModeSpecFor returns the ModeSpec for the given mode.
func (s Spec) ModeSpecFor(mode Mode) ModeSpec {
	if mode == ModeInteractive {
		return s.Interactive
	}
	return s.Streaming
}

// SupportsResume reports whether the CLI has a resume flag.
func (s Spec) SupportsResume() bool {
	return len(s.Flags.Resume) > 0
}
