package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/steveyackey/bloom/internal/agent"
	"github.com/steveyackey/bloom/internal/agent/runtime"
	"github.com/steveyackey/bloom/internal/clock"
	"github.com/steveyackey/bloom/internal/config"
	"github.com/steveyackey/bloom/internal/events"
	"github.com/steveyackey/bloom/internal/humanq"
	"github.com/steveyackey/bloom/internal/prompt"
	"github.com/steveyackey/bloom/internal/repo"
	"github.com/steveyackey/bloom/internal/sessions"
	"github.com/steveyackey/bloom/internal/task"
)

// fakeRunner scripts run outcomes without spawning processes.
type fakeRunner struct {
	mu         sync.Mutex
	runs       []runtime.Options
	active     map[string]chan struct{} // agentName -> interjection release
	activeOpts map[string]runtime.Options
	sessionIDs map[string]string
	activeN    int
	maxActiveN int

	// script returns the result for the nth run (1-based). A zero Hold
	// returns immediately.
	script func(n int, opts runtime.Options) runtime.Result
	hold   time.Duration
}

func newFakeRunner(script func(n int, opts runtime.Options) runtime.Result) *fakeRunner {
	return &fakeRunner{
		script:     script,
		active:     make(map[string]chan struct{}),
		activeOpts: make(map[string]runtime.Options),
		sessionIDs: make(map[string]string),
	}
}

func (f *fakeRunner) Run(ctx context.Context, spec agent.Spec, mode agent.Mode, opts runtime.Options) runtime.Result {
	f.mu.Lock()
	f.runs = append(f.runs, opts)
	n := len(f.runs)
	f.activeN++
	if f.activeN > f.maxActiveN {
		f.maxActiveN = f.activeN
	}
	release := make(chan struct{})
	f.active[opts.AgentName] = release
	f.activeOpts[opts.AgentName] = opts
	hold := f.hold
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.activeN--
		delete(f.active, opts.AgentName)
		delete(f.activeOpts, opts.AgentName)
		f.mu.Unlock()
	}()

	res := f.script(n, opts)
	if res.SessionID != "" {
		f.mu.Lock()
		f.sessionIDs[opts.AgentName] = res.SessionID
		f.mu.Unlock()
		if opts.OnEvent != nil {
			opts.OnEvent(runtime.Event{Kind: runtime.KindInit, SessionID: res.SessionID})
		}
	}

	if hold > 0 {
		select {
		case <-release:
			return runtime.Result{Error: "exit code -1", SessionID: res.SessionID}
		case <-ctx.Done():
			return runtime.Result{Error: "exit code -1", SessionID: res.SessionID}
		case <-time.After(hold):
		}
	}
	return res
}

func (f *fakeRunner) Interject(agentName string) (runtime.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	release, ok := f.active[agentName]
	if !ok {
		return runtime.Info{}, runtime.ErrSessionDisappeared
	}
	opts := f.activeOpts[agentName]
	close(release)
	delete(f.active, agentName)
	delete(f.activeOpts, agentName)
	return runtime.Info{
		AgentName:        agentName,
		TaskID:           opts.TaskID,
		WorkingDirectory: opts.WorkingDirectory,
		SessionID:        f.sessionIDs[agentName],
	}, nil
}

func (f *fakeRunner) ActiveSession(agentName string) (runtime.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.activeOpts[agentName]
	if !ok {
		return runtime.Info{}, false
	}
	return runtime.Info{AgentName: agentName, TaskID: opts.TaskID}, true
}

func (f *fakeRunner) runsForTask(taskID string) []runtime.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.Options
	for _, o := range f.runs {
		if o.TaskID == taskID {
			out = append(out, o)
		}
	}
	return out
}

type harness struct {
	store  *task.Store
	orc    *Orchestrator
	runner *fakeRunner
	queue  *humanq.Queue
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func startOrchestrator(t *testing.T, f *task.File, runner *fakeRunner, tweak func(*config.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	data, err := yaml.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "bloom.tasks.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := task.Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	clk := clock.New()
	queue, err := humanq.New(dir, clk, nil)
	if err != nil {
		t.Fatal(err)
	}
	sessionStore, err := sessions.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	prompts, err := prompt.New("", repo.NewFake(dir, "svc", "lib"))
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.PollIntervalMs = 20
	cfg.HardKillGraceMs = 100
	if tweak != nil {
		tweak(cfg)
	}

	bus := events.NewBus(nil)
	orc := New(Options{
		Specs: func(name string) (agent.Spec, error) {
			if name == "ghost-agent" {
				return agent.Spec{}, fmt.Errorf("unknown agent: %s", name)
			}
			return agent.Spec{Name: name, Command: name, Flags: agent.Flags{Resume: []string{"--resume"}}}, nil
		},
		Store:    store,
		Runner:   runner,
		Queue:    queue,
		Bus:      bus,
		Prompts:  prompts,
		Sessions: sessionStore,
		Config:   cfg,
		Clock:    clk,
		Logger:   zap.NewNop(),
		Stdout:   &strings.Builder{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		orc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	return &harness{store: store, orc: orc, runner: runner, queue: queue, bus: bus, cancel: cancel, done: done}
}

// waitFor polls until cond passes or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) waitForStatus(t *testing.T, taskID string, want task.Status) {
	t.Helper()
	waitFor(t, taskID+" -> "+string(want), func() bool {
		got, err := h.store.Get(taskID)
		return err == nil && got.Status == want
	})
}

func TestHappyPath_SingleTask(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true, Output: "ok", SessionID: "s1"}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test"},
	}}, runner, nil)

	h.waitForStatus(t, "t1", task.StatusDone)

	got, _ := h.store.Get("t1")
	if got.SessionID != "s1" {
		t.Errorf("sessionID = %q, want s1", got.SessionID)
	}
	if runs := runner.runsForTask("t1"); len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}
}

func TestHappyPath_MergeIntoYieldsPendingMerge(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test",
			Repo: "svc", Branch: "feat", MergeInto: "main"},
	}}, runner, nil)

	h.waitForStatus(t, "t1", task.StatusDonePendingMerge)
}

func TestDependencyGate(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "a", Status: task.StatusReadyForAgent, AgentName: "test"},
		{ID: "b", Status: task.StatusTodo, AgentName: "test", DependsOn: []string{"a"}},
	}}, runner, nil)

	// b must not run before a is done.
	h.waitForStatus(t, "a", task.StatusDone)
	h.waitForStatus(t, "b", task.StatusDone)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runner.runs))
	}
	if runner.runs[0].TaskID != "a" || runner.runs[1].TaskID != "b" {
		t.Errorf("run order = %s, %s; want a then b", runner.runs[0].TaskID, runner.runs[1].TaskID)
	}
}

func TestRetryThenBlocked(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Error: "timed out"}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test"},
	}}, runner, func(cfg *config.Config) {
		cfg.MaxAttempts = 2
	})

	h.waitForStatus(t, "t1", task.StatusBlocked)

	if runs := runner.runsForTask("t1"); len(runs) != 2 {
		t.Errorf("attempts = %d, want 2", len(runs))
	}
	got, _ := h.store.Get("t1")
	if len(got.Notes) == 0 || !strings.HasPrefix(got.Notes[len(got.Notes)-1], "timed out") {
		t.Errorf("notes = %v, want one beginning with %q", got.Notes, "timed out")
	}
}

func TestSlotIsolation_SharedTripleSerializes(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	runner.hold = 100 * time.Millisecond

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test", Repo: "svc", Branch: "main"},
		{ID: "t2", Status: task.StatusReadyForAgent, AgentName: "test", Repo: "svc", Branch: "main"},
	}}, runner, nil)

	h.waitForStatus(t, "t1", task.StatusDone)
	h.waitForStatus(t, "t2", task.StatusDone)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxActiveN != 1 {
		t.Errorf("max concurrent runs = %d, want 1 for a shared slot", runner.maxActiveN)
	}
}

func TestSlotIsolation_DistinctTriplesParallel(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	runner.hold = 200 * time.Millisecond

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "a1", Repo: "svc", Branch: "main"},
		{ID: "t2", Status: task.StatusReadyForAgent, AgentName: "a2", Repo: "lib", Branch: "main"},
	}}, runner, func(cfg *config.Config) {
		cfg.MaxParallelAgents = 2
	})

	h.waitForStatus(t, "t1", task.StatusDone)
	h.waitForStatus(t, "t2", task.StatusDone)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxActiveN != 2 {
		t.Errorf("max concurrent runs = %d, want 2 across distinct slots", runner.maxActiveN)
	}
}

func TestGlobalCeiling(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	runner.hold = 100 * time.Millisecond

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "a1", Repo: "svc", Branch: "b1"},
		{ID: "t2", Status: task.StatusReadyForAgent, AgentName: "a2", Repo: "svc", Branch: "b2"},
		{ID: "t3", Status: task.StatusReadyForAgent, AgentName: "a3", Repo: "svc", Branch: "b3"},
	}}, runner, func(cfg *config.Config) {
		cfg.MaxParallelAgents = 1
	})

	for _, id := range []string{"t1", "t2", "t3"} {
		h.waitForStatus(t, id, task.StatusDone)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxActiveN != 1 {
		t.Errorf("max concurrent runs = %d, want ceiling 1", runner.maxActiveN)
	}
}

func TestStepsIterate(t *testing.T) {
	started := make(chan *harness, 1)
	runner := newFakeRunner(nil)
	runner.script = func(n int, opts runtime.Options) runtime.Result {
		h := <-started
		started <- h
		// Each run completes the next step, as a real agent would.
		switch len(runner.runsForTask("t1")) {
		case 1:
			h.store.SetStep("t1", "t1.1", task.StepDone)
		default:
			h.store.SetStep("t1", "t1.2", task.StepDone)
		}
		return runtime.Result{Success: true}
	}

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test", Steps: []*task.Step{
			{ID: "t1.1", Instruction: "one", Status: task.StepTodo},
			{ID: "t1.2", Instruction: "two", Status: task.StepTodo},
		}},
	}}, runner, nil)
	started <- h

	h.waitForStatus(t, "t1", task.StatusDone)

	if runs := runner.runsForTask("t1"); len(runs) != 2 {
		t.Errorf("runs = %d, want 2 (one per step)", len(runs))
	}
}

func TestUnknownAgentBlocksTask(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "ghost-agent"},
	}}, runner, nil)

	h.waitForStatus(t, "t1", task.StatusBlocked)
	got, _ := h.store.Get("t1")
	if len(got.Notes) == 0 || !strings.Contains(got.Notes[0], "unknown agent") {
		t.Errorf("notes = %v, want unknown-agent note", got.Notes)
	}
}

func TestDefaultAgentFallback(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent},
	}}, runner, func(cfg *config.Config) {
		cfg.DefaultAgent = "test"
	})

	h.waitForStatus(t, "t1", task.StatusDone)
	runs := runner.runsForTask("t1")
	if len(runs) != 1 || runs[0].AgentName != "test" {
		t.Errorf("runs = %+v, want default agent", runs)
	}
}

func TestInterjection_FullCycle(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true, SessionID: "s1"}
	})
	runner.hold = 10 * time.Second // first run parks until interjected

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "claude", Repo: "svc", Branch: "main"},
	}}, runner, nil)

	waitFor(t, "run active", func() bool {
		_, ok := runner.ActiveSession("claude")
		return ok
	})

	id, err := h.orc.Interject("claude", "course correction")
	if err != nil {
		t.Fatalf("Interject: %v", err)
	}

	record, err := h.queue.GetInterjection(id)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != humanq.InterjectionPending || record.TaskID != "t1" || record.SessionID != "s1" {
		t.Errorf("record = %+v", record)
	}
	if _, ok := runner.ActiveSession("claude"); ok {
		t.Error("session still active after interject")
	}

	// The displaced run fails; the task re-enters the pool with its
	// session id preserved and is redispatched once the retry backoff
	// passes or the interjection is resumed. The follow-up must carry the
	// session.
	waitFor(t, "task requeued", func() bool {
		got, _ := h.store.Get("t1")
		return got.Status == task.StatusReadyForAgent || got.Status == task.StatusInProgress || got.Status == task.StatusDone
	})

	runner.mu.Lock()
	runner.hold = 0
	runner.mu.Unlock()
	if err := h.queue.MarkInterjectionResumed(id); err != nil {
		t.Fatal(err)
	}

	h.waitForStatus(t, "t1", task.StatusDone)

	runs := runner.runsForTask("t1")
	if len(runs) < 2 {
		t.Fatalf("runs = %d, want a follow-up after resume", len(runs))
	}
	if runs[len(runs)-1].SessionID != "s1" {
		t.Errorf("follow-up sessionID = %q, want s1 resume", runs[len(runs)-1].SessionID)
	}
}

func TestInterjection_RequestFromAnotherProcess(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Success: true, SessionID: "s7"}
	})
	runner.hold = 10 * time.Second

	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "claude"},
	}}, runner, nil)

	waitFor(t, "run active", func() bool {
		_, ok := runner.ActiveSession("claude")
		return ok
	})

	// Simulates `bloom interject claude` from a second process: a bare
	// request record that the orchestrator fulfills.
	id, err := h.queue.CreateInterjection("claude", "", humanq.InterjectOptions{Reason: "takeover"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "request fulfilled", func() bool {
		record, err := h.queue.GetInterjection(id)
		return err == nil && record.SessionID == "s7" && record.TaskID == "t1"
	})
	if _, ok := runner.ActiveSession("claude"); ok {
		t.Error("session survived remote interjection request")
	}
}

func TestResetStuckRequeues(t *testing.T) {
	runner := newFakeRunner(func(n int, opts runtime.Options) runtime.Result {
		return runtime.Result{Error: "exit code 1"}
	})
	h := startOrchestrator(t, &task.File{Tasks: []*task.Task{
		{ID: "t1", Status: task.StatusReadyForAgent, AgentName: "test"},
	}}, runner, func(cfg *config.Config) {
		cfg.MaxAttempts = 1
	})

	h.waitForStatus(t, "t1", task.StatusBlocked)

	n, err := h.orc.ResetStuck()
	if err != nil || n != 1 {
		t.Fatalf("ResetStuck = (%d, %v)", n, err)
	}
	// The reset also clears the attempt counter, so it blocks again only
	// after a fresh attempt.
	waitFor(t, "re-run after reset", func() bool {
		return len(runner.runsForTask("t1")) >= 2
	})
}
