// Package orchestrator is the control loop that matches ready tasks to
// worker slots, drives each task through one agent run, translates run
// results into task-state transitions, and surfaces lifecycle events on
// the bus.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/steveyackey/bloom/internal/agent"
	"github.com/steveyackey/bloom/internal/agent/runtime"
	"github.com/steveyackey/bloom/internal/clock"
	"github.com/steveyackey/bloom/internal/config"
	"github.com/steveyackey/bloom/internal/events"
	"github.com/steveyackey/bloom/internal/humanq"
	"github.com/steveyackey/bloom/internal/prompt"
	"github.com/steveyackey/bloom/internal/sessions"
	"github.com/steveyackey/bloom/internal/task"
)

// Runner is the slice of the agent runtime the orchestrator depends on.
type Runner interface {
	Run(ctx context.Context, spec agent.Spec, mode agent.Mode, opts runtime.Options) runtime.Result
	Interject(agentName string) (runtime.Info, error)
	ActiveSession(agentName string) (runtime.Info, bool)
}

// PromptAssembler resolves a task into its prompt material.
type PromptAssembler interface {
	Assemble(t *task.Task) (prompt.Assembly, error)
}

// SpecResolver maps an agent name to its spec. Defaults to the registry.
type SpecResolver func(name string) (agent.Spec, error)

// slotKey identifies one worker slot. At most one task runs per slot.
type slotKey struct {
	agentName string
	repo      string
	branch    string
}

// Options wires an Orchestrator.
type Options struct {
	Store    *task.Store
	Runner   Runner
	Queue    *humanq.Queue
	Bus      *events.Bus
	Prompts  PromptAssembler
	Sessions *sessions.Store
	Config   *config.Config
	Clock    clock.Clock
	Logger   *zap.Logger
	Specs    SpecResolver

	// Stdout receives the rendered agent streams (default os.Stdout).
	Stdout io.Writer
}

// Orchestrator schedules ready tasks onto (agent, repo, branch) slots.
type Orchestrator struct {
	store    *task.Store
	runner   Runner
	queue    *humanq.Queue
	bus      *events.Bus
	prompts  PromptAssembler
	sessions *sessions.Store
	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	specs    SpecResolver
	stdout   io.Writer

	mu        sync.Mutex
	slots     map[slotKey]string
	running   int
	attempts  map[string]int
	notBefore map[string]time.Time
	backoffs  map[string]*backoff.ExponentialBackOff

	wake chan struct{}
	wg   sync.WaitGroup
}

// New returns an Orchestrator ready to Run.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	specs := opts.Specs
	if specs == nil {
		specs = agent.Get
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Orchestrator{
		store:     opts.Store,
		runner:    opts.Runner,
		queue:     opts.Queue,
		bus:       opts.Bus,
		prompts:   opts.Prompts,
		sessions:  opts.Sessions,
		cfg:       opts.Config,
		clock:     opts.Clock,
		logger:    logger,
		specs:     specs,
		stdout:    stdout,
		slots:     make(map[slotKey]string),
		attempts:  make(map[string]int),
		notBefore: make(map[string]time.Time),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		wake:      make(chan struct{}, 1),
	}
}

// Run drives the scheduling loop until ctx is cancelled, then waits for
// in-flight workers to wind down.
func (o *Orchestrator) Run(ctx context.Context) error {
	unwatch := o.queue.Watch(o.onQueueEvent)
	defer unwatch()

	o.logger.Info("orchestrator started",
		zap.Int("max_parallel_agents", o.cfg.MaxParallelAgents),
		zap.Int("max_attempts", o.cfg.MaxAttempts))

	for {
		o.schedule(ctx)

		select {
		case <-ctx.Done():
			o.wg.Wait()
			o.logger.Info("orchestrator stopped")
			return nil
		case <-o.store.Changed():
		case <-o.wake:
		case <-o.clock.After(o.cfg.PollInterval()):
		}
	}
}

// poke wakes the scheduling loop without blocking.
func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// schedule claims every dispatchable ready task whose slot is free, up to
// the global ceiling.
func (o *Orchestrator) schedule(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := o.clock.Now()

	// Promote dependency-gated tasks whose upstreams have completed. Tasks
	// without dependencies stay in todo until an operator or generator
	// marks them ready.
	for _, t := range o.store.Snapshot().Flatten() {
		if t.Status != task.StatusTodo || len(t.DependsOn) == 0 {
			continue
		}
		if err := o.store.SetStatus(t.ID, task.StatusReadyForAgent); err == nil {
			o.publishState(t.ID, task.StatusTodo, task.StatusReadyForAgent)
		}
	}

	for _, t := range o.store.ReadySet("") {
		agentName := t.AgentName
		if agentName == "" {
			agentName = o.cfg.DefaultAgent
		}
		if agentName == "" {
			continue
		}

		o.mu.Lock()
		if nb, ok := o.notBefore[t.ID]; ok && now.Before(nb) {
			o.mu.Unlock()
			continue
		}
		key := slotKey{agentName, t.Repo, t.Branch}
		if _, busy := o.slots[key]; busy || o.running >= o.cfg.MaxParallelAgents {
			o.mu.Unlock()
			continue
		}
		o.slots[key] = t.ID
		o.running++
		o.mu.Unlock()

		// Claim the task. Losing the race (another actor moved it) just
		// releases the slot.
		if err := o.store.SetStatus(t.ID, task.StatusInProgress); err != nil {
			o.release(key)
			continue
		}
		o.publishState(t.ID, task.StatusReadyForAgent, task.StatusInProgress)
		o.bus.Publish(events.Event{
			Type:      events.TaskAssigned,
			Time:      now,
			TaskID:    t.ID,
			AgentName: agentName,
		})

		claimed := t
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.release(key)
			o.runTask(ctx, claimed, agentName)
		}()
	}
}

func (o *Orchestrator) release(key slotKey) {
	o.mu.Lock()
	delete(o.slots, key)
	o.running--
	o.mu.Unlock()
	o.poke()
}

// runTask drives one task through a single streaming agent run.
func (o *Orchestrator) runTask(ctx context.Context, t *task.Task, agentName string) {
	spec, err := o.specs(agentName)
	if err != nil {
		o.blockTask(t.ID, err.Error())
		return
	}

	asm, err := o.prompts.Assemble(t)
	if err != nil {
		o.blockTask(t.ID, "prompt assembly failed: "+err.Error())
		return
	}

	sessionID := t.SessionID
	if !spec.SupportsResume() {
		sessionID = ""
	}

	agentCfg := o.cfg.Agent(agentName)
	if spec.ModelRequiredForStreaming && agentCfg.Model == "" {
		o.blockTask(t.ID, fmt.Sprintf("agent %s requires a model for streaming runs; set agent.%s.model", agentName, agentName))
		return
	}
	var persistOnce sync.Once

	opts := runtime.Options{
		SystemPrompt:      asm.SystemPrompt,
		UserPrompt:        asm.UserPrompt,
		WorkingDirectory:  asm.WorkingDirectory,
		AgentName:         agentName,
		TaskID:            t.ID,
		SessionID:         sessionID,
		Model:             agentCfg.Model,
		ExtraEnv:          agentCfg.Env,
		Stdout:            &busWriter{bus: o.bus, clock: o.clock, agentName: agentName, base: o.stdout},
		HeartbeatInterval: agentCfg.HeartbeatInterval(),
		ActivityTimeout:   agentCfg.ActivityTimeout(),
		OnEvent: func(ev runtime.Event) {
			if ev.SessionID == "" {
				return
			}
			// Persist the session id as soon as it is first seen so an
			// interjection or crash can still resume. Best-effort.
			persistOnce.Do(func() {
				if err := o.store.SetSessionID(t.ID, ev.SessionID); err != nil {
					o.logger.Debug("persist session id", zap.Error(err))
				}
				if o.sessions != nil {
					if err := o.sessions.Set(agentName, ev.SessionID, o.clock.Now()); err != nil {
						o.logger.Debug("persist agent session", zap.Error(err))
					}
				}
			})
		},
		OnProcessStart: func(pid int, command []string) {
			o.bus.Publish(events.Event{
				Type:      events.AgentProcessStarted,
				Time:      o.clock.Now(),
				AgentName: agentName,
				PID:       pid,
				Command:   commandLine(command),
			})
		},
		OnProcessEnd: func(pid, exitCode int) {
			o.bus.Publish(events.Event{
				Type:      events.AgentProcessEnded,
				Time:      o.clock.Now(),
				AgentName: agentName,
				PID:       pid,
				ExitCode:  exitCode,
			})
		},
	}

	res := o.runner.Run(ctx, spec, agent.ModeStreaming, opts)
	o.handleResult(ctx, t.ID, res)
}

// handleResult commits the post-run state transition.
func (o *Orchestrator) handleResult(ctx context.Context, taskID string, res runtime.Result) {
	cur, err := o.store.Get(taskID)
	if err != nil {
		o.logger.Warn("task vanished during run", zap.String("task", taskID))
		return
	}
	if cur.Status != task.StatusInProgress {
		// Reset out from under us (resetStuck or an operator); abort cleanly.
		o.logger.Debug("task state changed externally, dropping result",
			zap.String("task", taskID),
			zap.String("status", string(cur.Status)))
		return
	}

	// Shutdown (ctx cancelled): put the task back without consuming an
	// attempt. An interjected run does not cancel ctx and takes the retry
	// path below.
	if ctx.Err() != nil {
		o.transition(taskID, task.StatusInProgress, task.StatusReadyForAgent)
		return
	}

	if res.Success {
		o.clearAttempts(taskID)
		if cur.HasSteps() && !cur.StepsDone() {
			// Steps remain: back to the pool, the next cycle iterates.
			o.transition(taskID, task.StatusInProgress, task.StatusReadyForAgent)
			return
		}
		target := task.StatusDone
		if cur.MergeInto != "" {
			target = task.StatusDonePendingMerge
		}
		if !o.transition(taskID, task.StatusInProgress, target) {
			// Subtasks still open; the task cannot close yet.
			o.transition(taskID, task.StatusInProgress, task.StatusReadyForAgent)
		}
		return
	}

	// Spawn failures are not retryable: the binary will still be missing
	// next attempt. Block immediately with the install hint.
	if strings.HasPrefix(res.Error, "spawn ") {
		if err := o.store.AppendNote(taskID, res.Error, o.clock.Now()); err != nil {
			o.logger.Warn("append spawn note", zap.Error(err))
		}
		o.transition(taskID, task.StatusInProgress, task.StatusBlocked)
		return
	}

	// Failure path: retry below the ceiling, block at it.
	o.mu.Lock()
	o.attempts[taskID]++
	n := o.attempts[taskID]
	o.mu.Unlock()

	if n < o.cfg.MaxAttempts {
		delay := o.nextBackoff(taskID)
		o.mu.Lock()
		o.notBefore[taskID] = o.clock.Now().Add(delay)
		o.mu.Unlock()
		o.logger.Warn("task attempt failed, will retry",
			zap.String("task", taskID),
			zap.Int("attempt", n),
			zap.Duration("backoff", delay),
			zap.String("error", res.Error))
		o.transition(taskID, task.StatusInProgress, task.StatusReadyForAgent)
		return
	}

	o.clearAttempts(taskID)
	if err := o.store.AppendNote(taskID, res.Error, o.clock.Now()); err != nil {
		o.logger.Warn("append failure note", zap.Error(err))
	}
	o.transition(taskID, task.StatusInProgress, task.StatusBlocked)
	o.logger.Error("task blocked after repeated failures",
		zap.String("task", taskID),
		zap.Int("attempts", n),
		zap.String("error", res.Error))
}

// blockTask blocks a just-claimed task with an explanatory note.
func (o *Orchestrator) blockTask(taskID, reason string) {
	if err := o.store.AppendNote(taskID, reason, o.clock.Now()); err != nil {
		o.logger.Warn("append block note", zap.Error(err))
	}
	o.transition(taskID, task.StatusInProgress, task.StatusBlocked)
}

// transition applies a status change and publishes it. Returns false when
// the store rejected it.
func (o *Orchestrator) transition(taskID string, from, to task.Status) bool {
	if err := o.store.SetStatus(taskID, to); err != nil {
		o.logger.Debug("transition rejected",
			zap.String("task", taskID),
			zap.String("to", string(to)),
			zap.Error(err))
		return false
	}
	o.publishState(taskID, from, to)
	return true
}

func (o *Orchestrator) publishState(taskID string, from, to task.Status) {
	o.bus.Publish(events.Event{
		Type:   events.TaskStateChanged,
		Time:   o.clock.Now(),
		TaskID: taskID,
		From:   string(from),
		To:     string(to),
	})
}

func (o *Orchestrator) clearAttempts(taskID string) {
	o.mu.Lock()
	delete(o.attempts, taskID)
	delete(o.notBefore, taskID)
	delete(o.backoffs, taskID)
	o.mu.Unlock()
}

// nextBackoff returns the retry delay for the task's next attempt.
func (o *Orchestrator) nextBackoff(taskID string) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.backoffs[taskID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		b.Reset()
		o.backoffs[taskID] = b
	}
	return b.NextBackOff()
}

// Interject pre-empts the named agent's running session, records the
// interjection, and returns its id. The displaced task fails its run and
// re-enters the pool through the normal retry path.
func (o *Orchestrator) Interject(agentName, reason string) (string, error) {
	info, err := o.runner.Interject(agentName)
	if err != nil {
		return "", err
	}
	id, err := o.queue.CreateInterjection(agentName, info.WorkingDirectory, humanq.InterjectOptions{
		TaskID:    info.TaskID,
		SessionID: info.SessionID,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}
	o.bus.Publish(events.Event{
		Type:      events.InterjectionCreated,
		Time:      o.clock.Now(),
		AgentName: agentName,
		RecordID:  id,
	})
	return id, nil
}

// ResetStuck forces every in_progress or blocked task back into the pool.
func (o *Orchestrator) ResetStuck() (int, error) {
	n, err := o.store.ResetStuck()
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.attempts = make(map[string]int)
	o.notBefore = make(map[string]time.Time)
	o.backoffs = make(map[string]*backoff.ExponentialBackOff)
	o.mu.Unlock()
	o.poke()
	return n, nil
}

// onQueueEvent mirrors queue activity onto the bus and wakes the
// scheduler when an interjection resume makes a task dispatchable again.
func (o *Orchestrator) onQueueEvent(ev humanq.Event) {
	switch ev.Type {
	case humanq.QuestionAddedEvent:
		o.bus.Publish(events.Event{Type: events.QuestionCreated, Time: o.clock.Now(), RecordID: ev.ID})
	case humanq.QuestionAnsweredEvent:
		o.bus.Publish(events.Event{Type: events.QuestionAnswered, Time: o.clock.Now(), RecordID: ev.ID})
	case humanq.InterjectionAddedEvent:
		o.bus.Publish(events.Event{Type: events.InterjectionCreated, Time: o.clock.Now(), RecordID: ev.ID})
		// A record without a working directory is a request from another
		// process; carry out the pre-emption here, where the session lives.
		if ev.Interjection != nil && ev.Interjection.WorkingDirectory == "" {
			info, err := o.runner.Interject(ev.Interjection.AgentName)
			if err != nil {
				o.logger.Info("interjection request had no live session",
					zap.String("agent", ev.Interjection.AgentName))
				if err := o.queue.DismissInterjection(ev.ID); err != nil {
					o.logger.Warn("dismiss stale interjection", zap.Error(err))
				}
				return
			}
			if err := o.queue.FulfillInterjection(ev.ID, info.TaskID, info.SessionID, info.WorkingDirectory); err != nil {
				o.logger.Warn("fulfill interjection", zap.Error(err))
			}
		}
	case humanq.InterjectionUpdatedEvent:
		if ev.Interjection == nil || ev.Interjection.Status != humanq.InterjectionResumed {
			return
		}
		o.bus.Publish(events.Event{
			Type:      events.InterjectionResumed,
			Time:      o.clock.Now(),
			AgentName: ev.Interjection.AgentName,
			RecordID:  ev.ID,
		})
		// The follow-up run should not sit out a retry delay.
		if ev.Interjection.TaskID != "" {
			o.mu.Lock()
			delete(o.notBefore, ev.Interjection.TaskID)
			o.mu.Unlock()
		}
		o.poke()
	}
}

// busWriter tees rendered agent output onto the event bus.
type busWriter struct {
	bus       *events.Bus
	clock     clock.Clock
	agentName string
	base      io.Writer
}

func (w *busWriter) Write(p []byte) (int, error) {
	n, err := w.base.Write(p)
	w.bus.Publish(events.Event{
		Type:      events.AgentOutput,
		Time:      w.clock.Now(),
		AgentName: w.agentName,
		Chunk:     string(p),
	})
	return n, err
}

func commandLine(command []string) string {
	return strings.Join(command, " ")
}
