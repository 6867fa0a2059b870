// Package runtime spawns external coding-assistant CLIs per their agent
// specs, translates their proprietary output streams into uniform events,
// enforces activity timeouts, and tracks live sessions for interjection
// and resume.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/steveyackey/bloom/internal/agent"
	"github.com/steveyackey/bloom/internal/clock"
)

// Defaults for the heartbeat machinery and cancellation escalation.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultActivityTimeout   = 10 * time.Minute
	DefaultHardKillGrace     = 5 * time.Second
)

// ErrSessionDisappeared is returned by Interject when no live session
// exists for the agent.
var ErrSessionDisappeared = errors.New("no active session for agent")

// maxLineBytes bounds a single stream line (tool results can be large).
const maxLineBytes = 4 << 20

// Options parameterizes one run.
type Options struct {
	SystemPrompt     string
	UserPrompt       string
	WorkingDirectory string
	AgentName        string
	TaskID           string
	SessionID        string
	Model            string

	// ExtraEnv is overlaid on the spec's injected environment.
	ExtraEnv map[string]string

	// Stdout receives the rendered event stream (default os.Stdout).
	Stdout io.Writer
	// Stderr receives the child's stderr passthrough (default os.Stderr).
	Stderr io.Writer
	// Verbose enables tool-result previews in the rendered stream.
	Verbose bool

	// HeartbeatInterval and ActivityTimeout override the defaults when > 0.
	HeartbeatInterval time.Duration
	ActivityTimeout   time.Duration

	OnEvent     func(Event)
	OnHeartbeat func(elapsed time.Duration)
	OnTimeout   func()

	OnProcessStart func(pid int, command []string)
	OnProcessEnd   func(pid int, exitCode int)
}

// Result is the outcome of one run. The runtime never fails across its
// boundary; every failure mode lands in Error.
type Result struct {
	Success   bool
	Output    string
	SessionID string
	Error     string
}

// Runtime spawns and supervises agent CLI processes. It exclusively owns
// the child process handles and the session index entries.
type Runtime struct {
	index         *Index
	clock         clock.Clock
	logger        *zap.Logger
	hardKillGrace time.Duration
}

// New returns a Runtime using the given session index and clock.
func New(index *Index, clk clock.Clock, logger *zap.Logger, hardKillGrace time.Duration) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hardKillGrace <= 0 {
		hardKillGrace = DefaultHardKillGrace
	}
	return &Runtime{
		index:         index,
		clock:         clk,
		logger:        logger,
		hardKillGrace: hardKillGrace,
	}
}

// Index exposes the session index for collaborators that need lookups.
func (r *Runtime) Index() *Index {
	return r.index
}

// ActiveSession returns a snapshot of the live session for the agent.
func (r *Runtime) ActiveSession(agentName string) (Info, bool) {
	s := r.index.Get(agentName)
	if s == nil {
		return Info{}, false
	}
	return s.Snapshot(), true
}

// Interject pre-empts the agent's running session: sends graceful
// termination, removes the index entry, and returns the session descriptor
// so the caller can launch a human takeover pane. The run's close path
// still executes and reports its (failed) result to the dispatcher.
func (r *Runtime) Interject(agentName string) (Info, error) {
	s := r.index.Get(agentName)
	if s == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionDisappeared, agentName)
	}
	info := s.Snapshot()
	r.index.Remove(agentName, s)
	r.terminate(s)
	r.logger.Info("session interjected",
		zap.String("agent", agentName),
		zap.String("task", info.TaskID),
		zap.String("session", info.SessionID))
	return info, nil
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace window.
// The whole process group is signalled so CLI children (shells, helpers)
// cannot hold the output pipes open past the kill.
func (r *Runtime) terminate(s *Session) {
	proc := s.process()
	if proc == nil {
		return
	}
	signalProcess(proc, syscall.SIGTERM)
	go func() {
		<-r.clock.After(r.hardKillGrace)
		signalProcess(proc, syscall.SIGKILL)
	}()
}

func signalProcess(proc *os.Process, sig syscall.Signal) {
	if err := syscall.Kill(-proc.Pid, sig); err != nil {
		_ = proc.Signal(sig)
	}
}

// Run spawns the CLI described by spec and drives it to completion. In
// streaming mode stdout is parsed line-by-line as JSON events; in
// interactive mode the child inherits the terminal.
func (r *Runtime) Run(ctx context.Context, spec agent.Spec, mode agent.Mode, opts Options) Result {
	args, err := agent.BuildArgs(spec, mode, agent.PromptInput{
		SystemPrompt: opts.SystemPrompt,
		UserPrompt:   opts.UserPrompt,
		SessionID:    opts.SessionID,
		Model:        opts.Model,
	})
	if err != nil {
		return Result{Error: err.Error()}
	}

	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(spec.Env.Inject, opts.ExtraEnv)

	sess := &Session{
		AgentName:        opts.AgentName,
		TaskID:           opts.TaskID,
		WorkingDirectory: opts.WorkingDirectory,
		StartTime:        r.clock.Now(),
	}
	sess.Touch(sess.StartTime)
	if opts.SessionID != "" {
		sess.SetSessionID(opts.SessionID)
	}

	if mode == agent.ModeInteractive {
		return r.runInteractive(ctx, cmd, spec, sess)
	}
	return r.runStreaming(ctx, cmd, spec, sess, opts)
}

// runInteractive hands the terminal to the child and waits.
func (r *Runtime) runInteractive(ctx context.Context, cmd *exec.Cmd, spec agent.Spec, sess *Session) Result {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return spawnFailure(spec, err)
	}
	sess.setProcess(cmd.Process)
	if sess.AgentName != "" {
		r.index.Put(sess)
		defer r.index.Remove(sess.AgentName, sess)
	}

	stop := r.cancelOnDone(ctx, sess)
	defer stop()

	err := cmd.Wait()
	if err != nil {
		return Result{SessionID: sess.SessionID(), Error: waitError(err)}
	}
	return Result{Success: true, SessionID: sess.SessionID()}
}

// runStreaming pipes the child's stdio and parses the event stream.
func (r *Runtime) runStreaming(ctx context.Context, cmd *exec.Cmd, spec agent.Spec, sess *Session, opts Options) Result {
	stdoutW := opts.Stdout
	if stdoutW == nil {
		stdoutW = os.Stdout
	}
	// The heartbeat goroutine and the decode loop both write here.
	stdoutW = &lockedWriter{w: stdoutW}
	stderrW := opts.Stderr
	if stderrW == nil {
		stderrW = os.Stderr
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("pipe stdout: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("pipe stderr: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return spawnFailure(spec, err)
	}
	sess.setProcess(cmd.Process)
	if sess.AgentName != "" {
		r.index.Put(sess)
	}
	if opts.OnProcessStart != nil {
		opts.OnProcessStart(cmd.Process.Pid, append([]string{spec.Command}, cmd.Args[1:]...))
	}
	r.logger.Debug("agent process started",
		zap.String("agent", sess.AgentName),
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))

	var (
		timedOut       atomic.Bool
		firstSessionID string
		sessionIDOnce  sync.Once
		output         strings.Builder
		errorAcc       []string
	)

	stop := r.cancelOnDone(ctx, sess)
	defer stop()

	// Heartbeat timer: fires every interval, escalating to termination
	// once the activity gap reaches the timeout.
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	activityTimeout := opts.ActivityTimeout
	if activityTimeout <= 0 {
		activityTimeout = DefaultActivityTimeout
	}
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := r.clock.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C():
				elapsed := r.clock.Now().Sub(sess.LastActivity())
				if elapsed >= activityTimeout {
					timedOut.Store(true)
					if opts.OnTimeout != nil {
						opts.OnTimeout()
					}
					RenderTimeout(stdoutW, int(elapsed/time.Second))
					r.terminate(sess)
					return
				}
				if elapsed >= heartbeatInterval {
					if opts.OnHeartbeat != nil {
						opts.OnHeartbeat(elapsed)
					}
					RenderHeartbeat(stdoutW, int(elapsed/time.Second))
				}
			}
		}
	}()

	// Stderr passthrough. Counts as activity, never accumulated.
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			sess.Touch(r.clock.Now())
			fmt.Fprintln(stderrW, scanner.Text())
		}
	}()

	// Stdout decode loop. The scanner hands back any trailing unterminated
	// line at EOF, which covers the drain-on-close requirement.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		sess.Touch(r.clock.Now())
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		events, sessionID, ok := DecodeLine(spec.Output, line)
		if !ok {
			// Raw output from CLIs without structured streams.
			fmt.Fprintln(stdoutW, string(line))
			output.WriteString(string(line))
			output.WriteString("\n")
			continue
		}
		if sessionID != "" {
			sess.SetSessionID(sessionID)
			sessionIDOnce.Do(func() { firstSessionID = sessionID })
		}
		for _, ev := range events {
			Render(stdoutW, ev, opts.Verbose)
			if ev.Kind == KindText {
				output.WriteString(ev.Text)
			}
			if ev.Kind == KindError {
				errorAcc = append(errorAcc, ev.Message)
			}
			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
		}
	}

	stderrWG.Wait()
	waitErr := cmd.Wait()
	close(heartbeatDone)
	r.index.Remove(sess.AgentName, sess)

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	if opts.OnProcessEnd != nil {
		opts.OnProcessEnd(cmd.Process.Pid, exitCode)
	}

	res := Result{
		Output:    output.String(),
		SessionID: firstSessionID,
	}
	switch {
	case timedOut.Load():
		res.Error = "timed out"
	case len(errorAcc) > 0:
		res.Error = strings.Join(errorAcc, "; ")
	case exitCode != 0:
		res.Error = fmt.Sprintf("exit code %d", exitCode)
	default:
		res.Success = true
	}

	r.logger.Debug("agent process ended",
		zap.String("agent", sess.AgentName),
		zap.Int("exit_code", exitCode),
		zap.Bool("success", res.Success),
		zap.String("session", res.SessionID))
	return res
}

// cancelOnDone terminates the session when ctx is cancelled. The returned
// stop func detaches the watcher once the run has finished.
func (r *Runtime) cancelOnDone(ctx context.Context, sess *Session) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(sess)
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// buildEnv overlays the spec's injected variables and the per-agent config
// environment on the inherited parent environment.
func buildEnv(inject, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range inject {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// spawnFailure formats a child-start failure, appending the spec's install
// hint so the operator can act on it.
func spawnFailure(spec agent.Spec, err error) Result {
	msg := fmt.Sprintf("spawn %s: %v", spec.Command, err)
	if spec.Docs != "" {
		msg += fmt.Sprintf(" (install: %s)", spec.Docs)
	}
	return Result{Error: msg}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func waitError(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	return err.Error()
}
