package task

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the loader and the store. Callers branch with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrParse indicates the task file could not be decoded at all.
	ErrParse = errors.New("task file parse error")

	// ErrValidation indicates the decoded file violates a graph invariant.
	ErrValidation = errors.New("task file validation error")

	// ErrInvalidTransition indicates a rejected status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownTask indicates a task id that does not exist in the file.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownStep indicates a step id that does not exist on the task.
	ErrUnknownStep = errors.New("unknown step")
)

// Validate checks every invariant the task graph must satisfy: globally
// unique ids (subtasks included), resolvable and acyclic dependencies,
// well-formed step ids, and status preconditions.
func Validate(f *File) error {
	all := f.Flatten()

	index := make(map[string]*Task, len(all))
	for _, t := range all {
		if t.ID == "" {
			return fmt.Errorf("%w: task with empty id (title %q)", ErrValidation, t.Title)
		}
		if _, dup := index[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrValidation, t.ID)
		}
		index[t.ID] = t
	}

	for _, t := range all {
		if !ValidStatus(t.Status) {
			return fmt.Errorf("%w: task %s has unknown status %q", ErrValidation, t.ID, t.Status)
		}
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on unknown task %q", ErrValidation, t.ID, dep)
			}
		}
		for i, s := range t.Steps {
			if !stepIDValid(t.ID, s.ID) {
				return fmt.Errorf("%w: task %s step %d has malformed id %q", ErrValidation, t.ID, i, s.ID)
			}
			if !ValidStepStatus(s.Status) {
				return fmt.Errorf("%w: step %s has unknown status %q", ErrValidation, s.ID, s.Status)
			}
		}
	}

	if err := checkAcyclic(all, index); err != nil {
		return err
	}

	for _, t := range all {
		if err := checkStatusPreconditions(t, index); err != nil {
			return err
		}
	}

	return nil
}

// checkAcyclic runs a coloring DFS over dependsOn edges.
func checkAcyclic(all []*Task, index map[string]*Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(all))

	var visit func(t *Task) error
	visit = func(t *Task) error {
		color[t.ID] = gray
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: dependency cycle through %q and %q", ErrValidation, t.ID, dep)
			case white:
				if err := visit(index[dep]); err != nil {
					return err
				}
			}
		}
		color[t.ID] = black
		return nil
	}

	for _, t := range all {
		if color[t.ID] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkStatusPreconditions enforces the per-status invariants on load.
func checkStatusPreconditions(t *Task, index map[string]*Task) error {
	switch t.Status {
	case StatusDone:
		if !t.SubtasksDone() {
			return fmt.Errorf("%w: task %s is done but has unfinished subtasks", ErrValidation, t.ID)
		}
		if !t.StepsDone() {
			return fmt.Errorf("%w: task %s is done but has unfinished steps", ErrValidation, t.ID)
		}
	case StatusReadyForAgent:
		for _, dep := range t.DependsOn {
			if !index[dep].Status.Terminal() {
				return fmt.Errorf("%w: task %s is ready_for_agent but dependency %s is %s",
					ErrValidation, t.ID, dep, index[dep].Status)
			}
		}
	case StatusInProgress:
		if t.SessionID == "" {
			return fmt.Errorf("%w: task %s is in_progress without a session id", ErrValidation, t.ID)
		}
	}
	return nil
}
