package runtime

import (
	"os"
	"sync"
	"time"
)

// Session tracks one in-flight CLI run. The runtime owns the process
// handle; collaborators only ever see Info snapshots.
type Session struct {
	AgentName        string
	TaskID           string
	WorkingDirectory string
	StartTime        time.Time

	mu           sync.Mutex
	lastActivity time.Time
	sessionID    string
	proc         *os.Process
}

// Info is an immutable snapshot of a session, safe to hand to callers.
type Info struct {
	AgentName        string
	TaskID           string
	WorkingDirectory string
	StartTime        time.Time
	LastActivity     time.Time
	SessionID        string
	PID              int
}

// Touch records stream activity at t.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent stream activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetSessionID records the session id reported by the CLI. Last write wins.
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SessionID returns the most recently reported session id.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) setProcess(p *os.Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

func (s *Session) process() *os.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Snapshot returns an Info copy of the session.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.proc != nil {
		pid = s.proc.Pid
	}
	return Info{
		AgentName:        s.AgentName,
		TaskID:           s.TaskID,
		WorkingDirectory: s.WorkingDirectory,
		StartTime:        s.StartTime,
		LastActivity:     s.lastActivity,
		SessionID:        s.sessionID,
		PID:              pid,
	}
}

// Index maps agent names to their running sessions. Entries are inserted
// on spawn and removed on process exit or interjection.
type Index struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewIndex returns an empty session index.
func NewIndex() *Index {
	return &Index{sessions: make(map[string]*Session)}
}

// Put registers a session under its agent name, replacing any stale entry.
func (ix *Index) Put(s *Session) {
	ix.mu.Lock()
	ix.sessions[s.AgentName] = s
	ix.mu.Unlock()
}

// Remove drops the entry for name if it refers to s (or unconditionally
// when s is nil).
func (ix *Index) Remove(name string, s *Session) {
	ix.mu.Lock()
	if cur, ok := ix.sessions[name]; ok && (s == nil || cur == s) {
		delete(ix.sessions, name)
	}
	ix.mu.Unlock()
}

// Get returns the live session for name, or nil.
func (ix *Index) Get(name string) *Session {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.sessions[name]
}

// Names returns the agent names with live sessions.
func (ix *Index) Names() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	names := make([]string, 0, len(ix.sessions))
	for n := range ix.sessions {
		names = append(names, n)
	}
	return names
}
