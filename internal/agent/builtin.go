package agent

func init() {
	Register(claudeSpec())
	Register(codexSpec())
	Register(geminiSpec())
	Register(aiderSpec())
	Register(opencodeSpec())
}

// claudeSpec describes the Claude Code CLI.
func claudeSpec() Spec {
	return Spec{
		Name:        "claude",
		Command:     "claude",
		VersionArgs: []string{"--version"},
		Interactive: ModeSpec{
			PromptStyle: PromptStyle{Positional: true},
		},
		Streaming: ModeSpec{
			BaseArgs:    []string{"-p", "--output-format", "stream-json", "--verbose"},
			PromptStyle: PromptStyle{Positional: true},
		},
		Flags: Flags{
			Model:          []string{"--model"},
			Resume:         []string{"--resume"},
			ApprovalBypass: []string{"--dangerously-skip-permissions"},
			SystemPrompt:   []string{"--append-system-prompt"},
		},
		Env: EnvSpec{
			Inject:   map[string]string{"CLAUDE_CODE_ENTRYPOINT": "bloom"},
			Required: []string{"ANTHROPIC_API_KEY"},
		},
		Output: OutputSpec{
			Format:         FormatStreamJSON,
			SessionIDField: "session_id",
		},
		Docs: "npm install -g @anthropic-ai/claude-code",
	}
}

// codexSpec describes the OpenAI Codex CLI. Codex has no system-prompt
// flag, so the system prompt is folded into the user prompt.
func codexSpec() Spec {
	return Spec{
		Name:        "codex",
		Command:     "codex",
		VersionArgs: []string{"--version"},
		Interactive: ModeSpec{
			PromptStyle:         PromptStyle{Positional: true},
			PrependSystemPrompt: true,
		},
		Streaming: ModeSpec{
			Subcommand:          "exec",
			BaseArgs:            []string{"--json"},
			PromptStyle:         PromptStyle{Positional: true},
			PrependSystemPrompt: true,
		},
		Flags: Flags{
			Model:          []string{"--model"},
			Resume:         []string{"resume"},
			ApprovalBypass: []string{"--dangerously-bypass-approvals-and-sandbox"},
		},
		Env: EnvSpec{
			Required: []string{"OPENAI_API_KEY"},
		},
		Output: OutputSpec{
			Format:            FormatStreamJSON,
			SessionIDField:    "session_id",
			SessionIDFieldAlt: "thread_id",
		},
		Docs: "npm install -g @openai/codex",
	}
}

// geminiSpec describes the Gemini CLI.
func geminiSpec() Spec {
	return Spec{
		Name:        "gemini",
		Command:     "gemini",
		VersionArgs: []string{"--version"},
		Interactive: ModeSpec{
			PromptStyle:         PromptStyle{Flag: "-i"},
			PrependSystemPrompt: true,
		},
		Streaming: ModeSpec{
			BaseArgs:            []string{"--output-format", "json"},
			PromptStyle:         PromptStyle{Flag: "-p"},
			PrependSystemPrompt: true,
		},
		Flags: Flags{
			Model:          []string{"-m"},
			ApprovalBypass: []string{"--yolo"},
		},
		Env: EnvSpec{
			Required: []string{"GEMINI_API_KEY"},
		},
		Output: OutputSpec{
			Format:         FormatJSON,
			SessionIDField: "sessionId",
		},
		ModelsCommand: []string{"--list-models"},
		Docs:          "npm install -g @google/gemini-cli",
	}
}

// aiderSpec describes aider. Plain output, no session resume.
func aiderSpec() Spec {
	return Spec{
		Name:        "aider",
		Command:     "aider",
		VersionArgs: []string{"--version"},
		Interactive: ModeSpec{
			PrependSystemPrompt: true,
		},
		Streaming: ModeSpec{
			BaseArgs:            []string{"--yes-always", "--no-pretty"},
			PromptStyle:         PromptStyle{Flag: "--message"},
			PrependSystemPrompt: true,
		},
		Flags: Flags{
			Model: []string{"--model"},
		},
		Env: EnvSpec{
			Inject: map[string]string{"AIDER_CHECK_UPDATE": "false"},
		},
		Output: OutputSpec{
			Format: FormatPlain,
		},
		Docs: "python -m pip install aider-install && aider-install",
	}
}

// opencodeSpec describes the opencode CLI. Note the camelCase session field
// with a snake_case fallback across versions.
func opencodeSpec() Spec {
	return Spec{
		Name:        "opencode",
		Command:     "opencode",
		VersionArgs: []string{"--version"},
		Interactive: ModeSpec{
			PromptStyle:         PromptStyle{Positional: true},
			PrependSystemPrompt: true,
		},
		Streaming: ModeSpec{
			Subcommand:          "run",
			BaseArgs:            []string{"--print-logs", "--format", "json"},
			PromptStyle:         PromptStyle{Positional: true},
			PrependSystemPrompt: true,
		},
		Flags: Flags{
			Model:  []string{"--model"},
			Resume: []string{"--session"},
		},
		Output: OutputSpec{
			Format:            FormatJSON,
			SessionIDField:    "sessionID",
			SessionIDFieldAlt: "session_id",
		},
		ModelsCommand:             []string{"models"},
		ModelRequiredForStreaming: true,
		Docs:                      "curl -fsSL https://opencode.ai/install | bash",
	}
}
