// Package prompt turns a task into the (workingDirectory, systemPrompt,
// userPrompt) triple an agent run needs. Templates load from the bloom
// dir when present, falling back to the embedded defaults.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/steveyackey/bloom/internal/repo"
	"github.com/steveyackey/bloom/internal/task"
)

//go:embed system.md
var embeddedSystemMD string

//go:embed task.md
var embeddedTaskMD string

// TemplatesDir is the override directory under the bloom dir.
const TemplatesDir = "prompts"

// Assembly is the rendered prompt material for one run.
type Assembly struct {
	WorkingDirectory string
	SystemPrompt     string
	UserPrompt       string
}

// Assembler renders prompts and resolves working directories through the
// repo manager.
type Assembler struct {
	repos    repo.Manager
	system   string
	taskTmpl *template.Template
}

// templateData is what task.md renders against.
type templateData struct {
	Title              string
	Instructions       string
	AcceptanceCriteria []string
	PendingSteps       []*task.Step
	AINotes            []string
	Notes              []string
}

// New loads templates from <bloomDir>/prompts when present, otherwise the
// embedded defaults.
func New(bloomDir string, repos repo.Manager) (*Assembler, error) {
	system := embeddedSystemMD
	taskMD := embeddedTaskMD

	if bloomDir != "" {
		if data, err := os.ReadFile(filepath.Join(bloomDir, TemplatesDir, "system.md")); err == nil {
			system = string(data)
		}
		if data, err := os.ReadFile(filepath.Join(bloomDir, TemplatesDir, "task.md")); err == nil {
			taskMD = string(data)
		}
	}

	tmpl, err := template.New("task").Parse(taskMD)
	if err != nil {
		return nil, fmt.Errorf("parse task template: %w", err)
	}
	return &Assembler{repos: repos, system: system, taskTmpl: tmpl}, nil
}

// Assemble resolves the working directory (provisioning the worktree when
// the task is repo-bound) and renders both prompts.
func (a *Assembler) Assemble(t *task.Task) (Assembly, error) {
	workDir, err := a.resolveWorkDir(t)
	if err != nil {
		return Assembly{}, err
	}

	data := templateData{
		Title:              t.Title,
		Instructions:       t.Instructions,
		AcceptanceCriteria: t.AcceptanceCriteria,
		AINotes:            t.AINotes,
		Notes:              t.Notes,
	}
	if data.Title == "" {
		data.Title = t.ID
	}
	for _, s := range t.Steps {
		if s.Status != task.StepDone {
			data.PendingSteps = append(data.PendingSteps, s)
		}
	}

	var sb strings.Builder
	if err := a.taskTmpl.Execute(&sb, data); err != nil {
		return Assembly{}, fmt.Errorf("render task prompt for %s: %w", t.ID, err)
	}

	return Assembly{
		WorkingDirectory: workDir,
		SystemPrompt:     a.system,
		UserPrompt:       sb.String(),
	}, nil
}

func (a *Assembler) resolveWorkDir(t *task.Task) (string, error) {
	if t.Repo == "" || t.Branch == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return cwd, nil
	}
	if err := a.repos.EnsureWorktree(t.Repo, t.Branch, t.BaseBranch); err != nil {
		return "", fmt.Errorf("ensure worktree for %s: %w", t.ID, err)
	}
	return a.repos.GetWorktreePath(t.Repo, t.Branch)
}
