// Package task owns the durable task graph: the YAML task file, its
// validation invariants, the status state machine, and the ready-set
// computation the scheduler runs on. All mutation goes through Store,
// the single writer for the file.
package task

import (
	"fmt"
	"strings"
)

// Status enumerates the task lifecycle states.
type Status string

const (
	StatusTodo             Status = "todo"
	StatusReadyForAgent    Status = "ready_for_agent"
	StatusAssigned         Status = "assigned"
	StatusInProgress       Status = "in_progress"
	StatusDonePendingMerge Status = "done_pending_merge"
	StatusDone             Status = "done"
	StatusBlocked          Status = "blocked"
)

// ValidStatus reports whether s is a recognized task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusReadyForAgent, StatusAssigned, StatusInProgress,
		StatusDonePendingMerge, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status for scheduling purposes.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDonePendingMerge
}

// StepStatus enumerates the per-step states.
type StepStatus string

const (
	StepTodo       StepStatus = "todo"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
)

// ValidStepStatus reports whether s is a recognized step status.
func ValidStepStatus(s StepStatus) bool {
	return s == StepTodo || s == StepInProgress || s == StepDone
}

// Step is an ordered unit of work inside a task. Step ids follow
// "<taskId>.<n>" with n starting at 1.
type Step struct {
	ID                 string     `yaml:"id"`
	Instruction        string     `yaml:"instruction"`
	AcceptanceCriteria []string   `yaml:"acceptanceCriteria,omitempty"`
	Status             StepStatus `yaml:"status"`
}

// Task is a node in the task graph. Subtasks form a tree; DependsOn forms
// a DAG over the flattened id space.
type Task struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title,omitempty"`
	Instructions       string   `yaml:"instructions,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptanceCriteria,omitempty"`
	AINotes            []string `yaml:"aiNotes,omitempty"`
	Status             Status   `yaml:"status"`
	AgentName          string   `yaml:"agentName,omitempty"`
	Repo               string   `yaml:"repo,omitempty"`
	Branch             string   `yaml:"branch,omitempty"`
	BaseBranch         string   `yaml:"baseBranch,omitempty"`
	MergeInto          string   `yaml:"mergeInto,omitempty"`
	Phase              *int     `yaml:"phase,omitempty"`
	Checkpoint         bool     `yaml:"checkpoint,omitempty"`
	DependsOn          []string `yaml:"dependsOn,omitempty"`
	Subtasks           []*Task  `yaml:"subtasks,omitempty"`
	Steps              []*Step  `yaml:"steps,omitempty"`
	SessionID          string   `yaml:"sessionId,omitempty"`
	Notes              []string `yaml:"notes,omitempty"`
}

// File is the top-level task document.
type File struct {
	Tasks []*Task `yaml:"tasks"`
}

// HasSteps reports whether the task carries a step list.
func (t *Task) HasSteps() bool {
	return len(t.Steps) > 0
}

// StepsDone reports whether every step is done. Vacuously true without steps.
func (t *Task) StepsDone() bool {
	for _, s := range t.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}

// SubtasksDone reports whether every direct subtask is done.
func (t *Task) SubtasksDone() bool {
	for _, st := range t.Subtasks {
		if st.Status != StatusDone {
			return false
		}
	}
	return true
}

// Step returns the step with the given id, or nil.
func (t *Task) Step(stepID string) *Step {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// PhaseOrdinal returns the task phase, with missing phases sorting last.
func (t *Task) PhaseOrdinal() int {
	if t.Phase == nil {
		return int(^uint(0) >> 1) // max int
	}
	return *t.Phase
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.AINotes = append([]string(nil), t.AINotes...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Notes = append([]string(nil), t.Notes...)
	if t.Phase != nil {
		p := *t.Phase
		c.Phase = &p
	}
	if t.Steps != nil {
		c.Steps = make([]*Step, len(t.Steps))
		for i, s := range t.Steps {
			sc := *s
			sc.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
			c.Steps[i] = &sc
		}
	}
	if t.Subtasks != nil {
		c.Subtasks = make([]*Task, len(t.Subtasks))
		for i, st := range t.Subtasks {
			c.Subtasks[i] = st.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the file.
func (f *File) Clone() *File {
	c := &File{}
	if f.Tasks != nil {
		c.Tasks = make([]*Task, len(f.Tasks))
		for i, t := range f.Tasks {
			c.Tasks[i] = t.Clone()
		}
	}
	return c
}

// Flatten returns every task in the file in document order, parents before
// their subtasks.
func (f *File) Flatten() []*Task {
	var out []*Task
	var walk func(ts []*Task)
	walk = func(ts []*Task) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.Subtasks)
		}
	}
	walk(f.Tasks)
	return out
}

// stepIDValid checks the "<taskId>.<n>" step id convention.
func stepIDValid(taskID, stepID string) bool {
	prefix := taskID + "."
	if !strings.HasPrefix(stepID, prefix) {
		return false
	}
	n := stepID[len(prefix):]
	if n == "" {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// transitions is the allowed status transition table.
var transitions = map[Status][]Status{
	StatusTodo:             {StatusReadyForAgent, StatusBlocked},
	StatusReadyForAgent:    {StatusAssigned, StatusInProgress, StatusBlocked, StatusTodo},
	StatusAssigned:         {StatusInProgress, StatusReadyForAgent, StatusBlocked},
	StatusInProgress:       {StatusDonePendingMerge, StatusDone, StatusBlocked, StatusReadyForAgent},
	StatusDonePendingMerge: {StatusDone, StatusInProgress},
	StatusBlocked:          {StatusReadyForAgent, StatusTodo},
	StatusDone:             {StatusInProgress},
}

// CanTransition reports whether from → to is an allowed status transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.ID, t.Status)
}
