package agent

import (
	"errors"
	"fmt"
)

// ErrMissingModel is returned when a streaming run is requested for a CLI
// that requires an explicit model and none was given.
var ErrMissingModel = errors.New("model required for streaming mode")

// PromptInput is the prompt material for one invocation.
type PromptInput struct {
	SystemPrompt string
	UserPrompt   string
	SessionID    string
	Model        string
}

// BuildArgs assembles the argv (excluding the command itself) for one
// invocation of the CLI described by spec.
//
// Assembly order: subcommand, base args, approval bypass (streaming only),
// model flag, resume flag, system-prompt flag, then the prompt itself per
// the mode's PromptStyle.
func BuildArgs(spec Spec, mode Mode, in PromptInput) ([]string, error) {
	ms := spec.ModeSpecFor(mode)

	var args []string
	if ms.Subcommand != "" {
		args = append(args, ms.Subcommand)
	}
	args = append(args, ms.BaseArgs...)

	if mode == ModeStreaming && len(spec.Flags.ApprovalBypass) > 0 {
		args = append(args, spec.Flags.ApprovalBypass...)
	}

	if in.Model != "" && len(spec.Flags.Model) > 0 {
		args = append(args, spec.Flags.Model...)
		args = append(args, in.Model)
	} else if in.Model == "" && mode == ModeStreaming && spec.ModelRequiredForStreaming {
		return nil, fmt.Errorf("%w: agent %s", ErrMissingModel, spec.Name)
	}

	if in.SessionID != "" && spec.SupportsResume() {
		args = append(args, spec.Flags.Resume...)
		args = append(args, in.SessionID)
	}

	fullPrompt := in.UserPrompt
	if ms.PrependSystemPrompt {
		if in.SystemPrompt != "" {
			fullPrompt = in.SystemPrompt + "\n\n" + in.UserPrompt
		}
	} else if in.SystemPrompt != "" && len(spec.Flags.SystemPrompt) > 0 {
		args = append(args, spec.Flags.SystemPrompt...)
		args = append(args, in.SystemPrompt)
	}

	switch {
	case ms.PromptStyle.Flag != "":
		args = append(args, ms.PromptStyle.Flag, fullPrompt)
	case ms.PromptStyle.Positional:
		args = append(args, fullPrompt)
	}

	return args, nil
}
