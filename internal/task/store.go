package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store is the single writer for a task file. All mutation serializes
// through its mutex; readers get deep-copied snapshots. Every successful
// mutation is persisted before it returns.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *File
	index  map[string]*Task
	logger *zap.Logger
	notify chan struct{}
}

// Load reads, decodes, and validates the task file at path.
func Load(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		file:   &f,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
	s.reindex()
	logger.Info("task file loaded",
		zap.String("path", path),
		zap.Int("tasks", len(s.index)))
	return s, nil
}

func (s *Store) reindex() {
	s.index = make(map[string]*Task)
	for _, t := range s.file.Flatten() {
		s.index[t.ID] = t
	}
}

// Changed returns a channel that receives a token after any successful
// mutation. The channel has a one-slot buffer; coalesced wakeups are fine
// for the scheduler's purposes.
func (s *Store) Changed() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Path returns the task file path.
func (s *Store) Path() string {
	return s.path
}

// save serializes atomically: temp file in the same directory, then rename.
// Callers hold the lock.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.file)
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".bloom-tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename task file: %w", err)
	}
	return nil
}

// Save persists the current model.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Snapshot returns a deep copy of the whole file.
func (s *Store) Snapshot() *File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Clone()
}

// Get returns a deep copy of the task with the given id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t.Clone(), nil
}

// SetStatus validates and applies a status transition, then persists.
func (s *Store) SetStatus(id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if t.Status == to {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}
	if to == StatusReadyForAgent {
		if err := s.readyPreconditions(t); err != nil {
			return err
		}
	}
	if to == StatusDone {
		if !t.SubtasksDone() {
			return fmt.Errorf("%w: %s has unfinished subtasks", ErrInvalidTransition, id)
		}
		if !t.StepsDone() {
			return fmt.Errorf("%w: %s has unfinished steps", ErrInvalidTransition, id)
		}
	}

	from := t.Status
	t.Status = to
	if err := s.save(); err != nil {
		t.Status = from
		return err
	}
	s.logger.Debug("task status changed",
		zap.String("task", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	s.signal()
	return nil
}

// readyPreconditions checks dependency and checkpoint gating for a task
// about to become ready_for_agent. Callers hold the lock.
func (s *Store) readyPreconditions(t *Task) error {
	for _, dep := range t.DependsOn {
		if !s.index[dep].Status.Terminal() {
			return fmt.Errorf("%w: %s: dependency %s is %s",
				ErrInvalidTransition, t.ID, dep, s.index[dep].Status)
		}
	}
	if t.Checkpoint {
		for _, other := range s.index {
			if other.ID == t.ID || other.Repo != t.Repo {
				continue
			}
			if other.PhaseOrdinal() < t.PhaseOrdinal() && other.Status != StatusDone {
				return fmt.Errorf("%w: checkpoint %s gated by earlier-phase task %s (%s)",
					ErrInvalidTransition, t.ID, other.ID, other.Status)
			}
		}
	}
	return nil
}

// Assign sets the agent for a task. A todo task whose dependencies are
// satisfied moves to ready_for_agent; a task already past ready keeps its
// status.
func (s *Store) Assign(id, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.AgentName = agentName
	if t.Status == StatusTodo {
		if err := s.readyPreconditions(t); err == nil {
			t.Status = StatusReadyForAgent
		}
	}
	if err := s.save(); err != nil {
		return err
	}
	s.signal()
	return nil
}

// AppendNote appends a timestamped note to the task.
func (s *Store) AppendNote(id, text string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Notes = append(t.Notes, fmt.Sprintf("%s (%s)", text, ts.Format(time.RFC3339)))
	if err := s.save(); err != nil {
		t.Notes = t.Notes[:len(t.Notes)-1]
		return err
	}
	s.signal()
	return nil
}

// SetSessionID records the agent session id on the task.
func (s *Store) SetSessionID(id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.SessionID == sessionID {
		return nil
	}
	prev := t.SessionID
	t.SessionID = sessionID
	if err := s.save(); err != nil {
		t.SessionID = prev
		return err
	}
	return nil
}

// SetStep updates a single step's status. Completing the last step does not
// close the task; the caller decides when to transition the task itself.
func (s *Store) SetStep(taskID, stepID string, status StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	step := t.Step(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s on task %s", ErrUnknownStep, stepID, taskID)
	}
	if !ValidStepStatus(status) {
		return fmt.Errorf("%w: unknown step status %q", ErrInvalidTransition, status)
	}
	prev := step.Status
	step.Status = status
	if err := s.save(); err != nil {
		step.Status = prev
		return err
	}
	s.signal()
	return nil
}

// ResetStuck moves every in_progress or blocked task back to
// ready_for_agent and clears its session id. Returns the number of tasks
// reset. Idempotent.
func (s *Store) ResetStuck() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset []*Task
	for _, t := range s.file.Flatten() {
		if t.Status == StatusInProgress || t.Status == StatusBlocked {
			reset = append(reset, t)
		}
	}
	if len(reset) == 0 {
		return 0, nil
	}
	for _, t := range reset {
		t.Status = StatusReadyForAgent
		t.SessionID = ""
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	s.logger.Info("reset stuck tasks", zap.Int("count", len(reset)))
	s.signal()
	return len(reset), nil
}

// ReadySet returns deep copies of every dispatchable task: status
// ready_for_agent, all dependencies terminal, checkpoint gate satisfied,
// and matching the agent filter when one is given. Ordered by phase
// ascending (missing phase last), then agent name, then id.
func (s *Store) ReadySet(agentFilter string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.file.Flatten() {
		if t.Status != StatusReadyForAgent {
			continue
		}
		if agentFilter != "" && t.AgentName != agentFilter {
			continue
		}
		if s.readyPreconditions(t) != nil {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].PhaseOrdinal(), out[j].PhaseOrdinal()
		if pi != pj {
			return pi < pj
		}
		if out[i].AgentName != out[j].AgentName {
			return out[i].AgentName < out[j].AgentName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CollectAgents returns the sorted set of distinct agent names present
// anywhere in the tree.
func (s *Store) CollectAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, t := range s.file.Flatten() {
		if t.AgentName != "" {
			seen[t.AgentName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
