package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyackey/bloom/internal/repo"
	"github.com/steveyackey/bloom/internal/task"
)

func TestAssemble_RendersTaskFields(t *testing.T) {
	a, err := New("", repo.NewFake(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}

	asm, err := a.Assemble(&task.Task{
		ID:                 "t1",
		Title:              "Add retry logic",
		Instructions:       "Wrap the fetch call in a retry loop.",
		AcceptanceCriteria: []string{"retries three times", "tests pass"},
		AINotes:            []string{"module uses backoff already"},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	for _, want := range []string{
		"Add retry logic",
		"Wrap the fetch call in a retry loop.",
		"- retries three times",
		"- tests pass",
		"module uses backoff already",
	} {
		if !strings.Contains(asm.UserPrompt, want) {
			t.Errorf("user prompt missing %q:\n%s", want, asm.UserPrompt)
		}
	}
	if asm.SystemPrompt == "" {
		t.Error("system prompt empty")
	}
	cwd, _ := os.Getwd()
	if asm.WorkingDirectory != cwd {
		t.Errorf("workdir = %q, want cwd for repo-less task", asm.WorkingDirectory)
	}
}

func TestAssemble_TitleFallsBackToID(t *testing.T) {
	a, err := New("", repo.NewFake(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	asm, err := a.Assemble(&task.Task{ID: "t9", Instructions: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(asm.UserPrompt, "t9") {
		t.Errorf("prompt missing id fallback title:\n%s", asm.UserPrompt)
	}
}

func TestAssemble_PendingStepsOnly(t *testing.T) {
	a, err := New("", repo.NewFake(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	asm, err := a.Assemble(&task.Task{
		ID: "t1", Title: "stepped",
		Steps: []*task.Step{
			{ID: "t1.1", Instruction: "already finished", Status: task.StepDone},
			{ID: "t1.2", Instruction: "still open", Status: task.StepTodo},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(asm.UserPrompt, "already finished") {
		t.Errorf("done step leaked into prompt:\n%s", asm.UserPrompt)
	}
	if !strings.Contains(asm.UserPrompt, "still open") {
		t.Errorf("pending step missing from prompt:\n%s", asm.UserPrompt)
	}
}

func TestAssemble_ProvisionsWorktree(t *testing.T) {
	fake := repo.NewFake(t.TempDir(), "svc")
	a, err := New("", fake)
	if err != nil {
		t.Fatal(err)
	}

	asm, err := a.Assemble(&task.Task{
		ID: "t1", Title: "x", Repo: "svc", Branch: "feat/y", BaseBranch: "main",
	})
	if err != nil {
		t.Fatal(err)
	}
	wantDir, _ := fake.GetWorktreePath("svc", "feat/y")
	if asm.WorkingDirectory != wantDir {
		t.Errorf("workdir = %q, want %q", asm.WorkingDirectory, wantDir)
	}
	if fake.EnsureCount("svc", "feat/y") != 1 {
		t.Error("worktree not provisioned")
	}
}

func TestNew_TemplateOverride(t *testing.T) {
	dir := t.TempDir()
	tmplDir := filepath.Join(dir, TemplatesDir)
	if err := os.MkdirAll(tmplDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmplDir, "task.md"), []byte("CUSTOM {{.Title}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(dir, repo.NewFake(dir))
	if err != nil {
		t.Fatal(err)
	}
	asm, err := a.Assemble(&task.Task{ID: "t1", Title: "override me"})
	if err != nil {
		t.Fatal(err)
	}
	if asm.UserPrompt != "CUSTOM override me" {
		t.Errorf("prompt = %q, want override template", asm.UserPrompt)
	}
}
