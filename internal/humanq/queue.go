package humanq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyackey/bloom/internal/clock"
)

// Directory names under the bloom dir.
const (
	QuestionsDir     = ".questions"
	InterjectionsDir = ".interjections"
)

// Queue owns the two record directories. All writes are atomic
// (temp file + rename); reads tolerate half-written files.
type Queue struct {
	questionsDir     string
	interjectionsDir string
	clock            clock.Clock
	logger           *zap.Logger

	watch watchState
}

// New creates the queue directories under bloomDir if needed.
func New(bloomDir string, clk clock.Clock, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		questionsDir:     filepath.Join(bloomDir, QuestionsDir),
		interjectionsDir: filepath.Join(bloomDir, InterjectionsDir),
		clock:            clk,
		logger:           logger,
	}
	for _, dir := range []string{q.questionsDir, q.interjectionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	q.watch.init(q)
	return q, nil
}

// AskOptions carries the optional fields of a new question.
type AskOptions struct {
	TaskID  string
	Choices []string
}

// AskQuestion persists a new pending question and returns its id.
func (q *Queue) AskQuestion(agentName, text string, opts AskOptions) (string, error) {
	now := q.clock.Now()
	record := Question{
		ID:        newID("q", now),
		AgentName: agentName,
		TaskID:    opts.TaskID,
		Question:  text,
		Options:   opts.Choices,
		CreatedAt: now,
		Status:    QuestionPending,
	}
	if err := q.writeRecord(q.questionsDir, record.ID, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// GetQuestion reads one question by id.
func (q *Queue) GetQuestion(id string) (*Question, error) {
	var record Question
	if err := q.readRecord(q.questionsDir, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// AnswerQuestion marks the question answered. Returns false without error
// when the record no longer exists. Repeated answers overwrite.
func (q *Queue) AnswerQuestion(id, answer string) (bool, error) {
	var record Question
	if err := q.readRecord(q.questionsDir, id, &record); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	now := q.clock.Now()
	record.Status = QuestionAnswered
	record.Answer = answer
	record.AnsweredAt = &now
	if err := q.writeRecord(q.questionsDir, id, record); err != nil {
		return false, err
	}
	return true, nil
}

// ListQuestions returns questions sorted ascending by creation time,
// optionally filtered by status.
func (q *Queue) ListQuestions(status string) ([]Question, error) {
	var out []Question
	err := q.eachRecord(q.questionsDir, func(data []byte) {
		var record Question
		if json.Unmarshal(data, &record) != nil {
			return
		}
		if status == "" || record.Status == status {
			out = append(out, record)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteQuestion removes the record. Missing records are not an error.
func (q *Queue) DeleteQuestion(id string) error {
	err := os.Remove(q.recordPath(q.questionsDir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete question: %w", err)
	}
	return nil
}

// ClearAnswered purges every answered question, returning the count removed.
func (q *Queue) ClearAnswered() (int, error) {
	answered, err := q.ListQuestions(QuestionAnswered)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range answered {
		if q.DeleteQuestion(record.ID) == nil {
			removed++
		}
	}
	return removed, nil
}

// InterjectOptions carries the optional fields of a new interjection.
type InterjectOptions struct {
	TaskID    string
	SessionID string
	Reason    string
}

// CreateInterjection persists a new pending interjection and returns its id.
func (q *Queue) CreateInterjection(agentName, workingDirectory string, opts InterjectOptions) (string, error) {
	now := q.clock.Now()
	record := Interjection{
		ID:               newID("i", now),
		AgentName:        agentName,
		TaskID:           opts.TaskID,
		SessionID:        opts.SessionID,
		WorkingDirectory: workingDirectory,
		Reason:           opts.Reason,
		CreatedAt:        now,
		Status:           InterjectionPending,
	}
	if err := q.writeRecord(q.interjectionsDir, record.ID, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// GetInterjection reads one interjection by id.
func (q *Queue) GetInterjection(id string) (*Interjection, error) {
	var record Interjection
	if err := q.readRecord(q.interjectionsDir, id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListInterjections returns interjections sorted ascending by creation
// time, optionally filtered by status.
func (q *Queue) ListInterjections(status string) ([]Interjection, error) {
	var out []Interjection
	err := q.eachRecord(q.interjectionsDir, func(data []byte) {
		var record Interjection
		if json.Unmarshal(data, &record) != nil {
			return
		}
		if status == "" || record.Status == status {
			out = append(out, record)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FulfillInterjection fills in the session details once the running
// orchestrator has actually pre-empted the agent. Used when the
// interjection was requested from another process and created before the
// session descriptor was known.
func (q *Queue) FulfillInterjection(id, taskID, sessionID, workingDirectory string) error {
	return q.updateInterjection(id, func(record *Interjection) {
		record.TaskID = taskID
		record.SessionID = sessionID
		record.WorkingDirectory = workingDirectory
	})
}

// MarkInterjectionResumed records that the human pane has closed.
func (q *Queue) MarkInterjectionResumed(id string) error {
	return q.updateInterjection(id, func(record *Interjection) {
		now := q.clock.Now()
		record.Status = InterjectionResumed
		record.ResumedAt = &now
	})
}

// DismissInterjection marks the interjection dismissed.
func (q *Queue) DismissInterjection(id string) error {
	return q.updateInterjection(id, func(record *Interjection) {
		record.Status = InterjectionDismissed
	})
}

func (q *Queue) updateInterjection(id string, mutate func(*Interjection)) error {
	var record Interjection
	if err := q.readRecord(q.interjectionsDir, id, &record); err != nil {
		return err
	}
	mutate(&record)
	return q.writeRecord(q.interjectionsDir, id, record)
}

func (q *Queue) recordPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// writeRecord writes atomically: temp file in the same directory, rename
// into place. No partial record is ever visible under its final name.
func (q *Queue) writeRecord(dir, id string, record interface{}) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write record %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close record %s: %w", id, err)
	}
	if err := os.Rename(tmpName, q.recordPath(dir, id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record %s: %w", id, err)
	}
	return nil
}

func (q *Queue) readRecord(dir, id string, out interface{}) error {
	data, err := os.ReadFile(q.recordPath(dir, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record %s: %w", id, err)
	}
	return nil
}

// eachRecord calls fn for every readable .json record in dir. Unreadable
// files (rename races, half writes) are logged and skipped so the queue
// stays usable.
func (q *Queue) eachRecord(dir string, fn func(data []byte)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read queue dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			q.logger.Debug("skipping unreadable queue record",
				zap.String("file", name), zap.Error(err))
			continue
		}
		fn(data)
	}
	return nil
}

// WaitForAnswer blocks until the question is answered (returning the
// answer), deleted (returning ok=false), or the timeout elapses
// (ok=false). A zero timeout uses the five-minute default.
func (q *Queue) WaitForAnswer(id string, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	answered := make(chan string, 1)
	deleted := make(chan struct{}, 1)
	unsubscribe := q.Watch(func(ev Event) {
		if ev.ID != id {
			return
		}
		switch ev.Type {
		case QuestionAnsweredEvent:
			if ev.Question != nil {
				select {
				case answered <- ev.Question.Answer:
				default:
				}
			}
		case QuestionDeletedEvent:
			select {
			case deleted <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Check after subscribing so an answer landing in between is not missed.
	if record, err := q.GetQuestion(id); err == nil && record.Status == QuestionAnswered {
		return record.Answer, true
	} else if err != nil && os.IsNotExist(err) {
		return "", false
	}

	select {
	case answer := <-answered:
		return answer, true
	case <-deleted:
		return "", false
	case <-q.clock.After(timeout):
		return "", false
	}
}
