// Package humanq implements the filesystem-backed agent-to-human
// interaction queues: questions an agent wants answered and interjections
// where a human takes over a running session. One JSON file per record,
// atomic writes, fsnotify-driven fan-out with a polling fallback.
package humanq

import (
	"fmt"
	"math/rand"
	"time"
)

// Question statuses.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
)

// Interjection statuses.
const (
	InterjectionPending   = "pending"
	InterjectionResumed   = "resumed"
	InterjectionDismissed = "dismissed"
)

// Question is one agent-to-human question, persisted as <id>.json under
// the .questions directory.
type Question struct {
	ID         string     `json:"id"`
	AgentName  string     `json:"agentName"`
	TaskID     string     `json:"taskId,omitempty"`
	Question   string     `json:"question"`
	Options    []string   `json:"options,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Interjection records a human pre-empting an agent session, persisted as
// <id>.json under the .interjections directory.
type Interjection struct {
	ID               string     `json:"id"`
	AgentName        string     `json:"agentName"`
	TaskID           string     `json:"taskId,omitempty"`
	SessionID        string     `json:"sessionId,omitempty"`
	WorkingDirectory string     `json:"workingDirectory"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	Status           string     `json:"status"`
	ResumedAt        *time.Time `json:"resumedAt,omitempty"`
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newID builds a chronologically sortable record id: <prefix>-<ms>-<rand6>.
func newID(prefix string, now time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), suffix)
}
