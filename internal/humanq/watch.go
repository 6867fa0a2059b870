package humanq

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies queue change notifications.
type EventType string

const (
	QuestionAddedEvent       EventType = "question_added"
	QuestionAnsweredEvent    EventType = "question_answered"
	QuestionDeletedEvent     EventType = "question_deleted"
	InterjectionAddedEvent   EventType = "interjection_added"
	InterjectionUpdatedEvent EventType = "interjection_updated"
	InterjectionDeletedEvent EventType = "interjection_deleted"
)

// Event is delivered to Watch handlers. The record pointer is nil for
// deletions.
type Event struct {
	Type         EventType
	ID           string
	Question     *Question
	Interjection *Interjection
}

// pollInterval is the rescan period when the filesystem watcher is
// unavailable and the queue runs degraded.
const pollInterval = 2 * time.Second

// watchState multiplexes a single directory watcher across any number of
// handlers. The watcher starts on the first subscribe and stops when the
// last handler unsubscribes.
type watchState struct {
	q        *Queue
	mu       sync.Mutex
	handlers map[string]func(Event)
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
}

func (w *watchState) init(q *Queue) {
	w.q = q
	w.handlers = make(map[string]func(Event))
}

// Watch registers a handler for queue change events and returns its
// unsubscribe func. Handlers run on the single watcher goroutine and must
// be cheap or offload.
func (q *Queue) Watch(handler func(Event)) func() {
	return q.watch.subscribe(handler)
}

func (w *watchState) subscribe(handler func(Event)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := uuid.NewString()
	w.handlers[id] = handler
	if len(w.handlers) == 1 {
		w.start()
	}

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		var stop, done chan struct{}
		var watcher *fsnotify.Watcher
		if len(w.handlers) == 0 && w.stop != nil {
			stop, done, watcher = w.stop, w.done, w.watcher
			w.stop, w.done, w.watcher = nil, nil, nil
		}
		// Tear down outside the lock: the watch loop's dispatch path takes
		// the same mutex to snapshot handlers.
		w.mu.Unlock()
		if stop != nil {
			close(stop)
			if watcher != nil {
				watcher.Close()
			}
			<-done
		}
	}
}

// start launches the watcher goroutine, falling back to a periodic scan
// when fsnotify cannot be initialized. Callers hold w.mu.
func (w *watchState) start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(w.q.questionsDir)
		if err == nil {
			err = watcher.Add(w.q.interjectionsDir)
		}
		if err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		w.q.logger.Warn("queue watcher unavailable, falling back to periodic scan",
			zap.Error(err),
			zap.Duration("interval", pollInterval))
		w.watcher = nil
		go w.pollLoop(w.stop, w.done)
		return
	}

	w.watcher = watcher
	go w.watchLoop(watcher, w.stop, w.done)
}

// dispatch fans one event out to a snapshot of the handler set, so
// handlers that subscribe or unsubscribe during notification cannot
// interfere with the current iteration.
func (w *watchState) dispatch(ev Event) {
	w.mu.Lock()
	snapshot := make([]func(Event), 0, len(w.handlers))
	for _, h := range w.handlers {
		snapshot = append(snapshot, h)
	}
	w.mu.Unlock()
	for _, h := range snapshot {
		h(ev)
	}
}

func (w *watchState) watchLoop(watcher *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.q.logger.Debug("queue watcher error", zap.Error(err))
		}
	}
}

func (w *watchState) handleFSEvent(fsEvent fsnotify.Event) {
	name := filepath.Base(fsEvent.Name)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	id := strings.TrimSuffix(name, ".json")
	dir := filepath.Dir(fsEvent.Name)
	isQuestion := dir == w.q.questionsDir

	if fsEvent.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if isQuestion {
			w.dispatch(Event{Type: QuestionDeletedEvent, ID: id})
		} else {
			w.dispatch(Event{Type: InterjectionDeletedEvent, ID: id})
		}
		return
	}
	if fsEvent.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Transient read failures (rename races, half writes) are skipped; the
	// next event for the record retries.
	if isQuestion {
		record, err := w.q.GetQuestion(id)
		if err != nil {
			return
		}
		if record.Status == QuestionAnswered {
			w.dispatch(Event{Type: QuestionAnsweredEvent, ID: id, Question: record})
		} else {
			w.dispatch(Event{Type: QuestionAddedEvent, ID: id, Question: record})
		}
		return
	}

	record, err := w.q.GetInterjection(id)
	if err != nil {
		return
	}
	if record.Status == InterjectionPending {
		w.dispatch(Event{Type: InterjectionAddedEvent, ID: id, Interjection: record})
	} else {
		w.dispatch(Event{Type: InterjectionUpdatedEvent, ID: id, Interjection: record})
	}
}

// pollLoop is the degraded-mode scanner: it diffs directory contents every
// pollInterval and synthesizes the same events the watcher would produce.
func (w *watchState) pollLoop(stop, done chan struct{}) {
	defer close(done)

	questions := w.scanStatuses(w.q.questionsDir)
	interjections := w.scanStatuses(w.q.interjectionsDir)

	for {
		select {
		case <-stop:
			return
		case <-w.q.clock.After(pollInterval):
		}

		questions = w.diffQuestions(questions)
		interjections = w.diffInterjections(interjections)
	}
}

func (w *watchState) scanStatuses(dir string) map[string]string {
	statuses := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return statuses
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if dir == w.q.questionsDir {
			if record, err := w.q.GetQuestion(id); err == nil {
				statuses[id] = record.Status
			}
		} else {
			if record, err := w.q.GetInterjection(id); err == nil {
				statuses[id] = record.Status
			}
		}
	}
	return statuses
}

func (w *watchState) diffQuestions(prev map[string]string) map[string]string {
	next := w.scanStatuses(w.q.questionsDir)
	for id, status := range next {
		old, existed := prev[id]
		switch {
		case !existed && status == QuestionAnswered:
			if record, err := w.q.GetQuestion(id); err == nil {
				w.dispatch(Event{Type: QuestionAnsweredEvent, ID: id, Question: record})
			}
		case !existed:
			if record, err := w.q.GetQuestion(id); err == nil {
				w.dispatch(Event{Type: QuestionAddedEvent, ID: id, Question: record})
			}
		case old != status && status == QuestionAnswered:
			if record, err := w.q.GetQuestion(id); err == nil {
				w.dispatch(Event{Type: QuestionAnsweredEvent, ID: id, Question: record})
			}
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			w.dispatch(Event{Type: QuestionDeletedEvent, ID: id})
		}
	}
	return next
}

func (w *watchState) diffInterjections(prev map[string]string) map[string]string {
	next := w.scanStatuses(w.q.interjectionsDir)
	for id, status := range next {
		old, existed := prev[id]
		switch {
		case !existed:
			if record, err := w.q.GetInterjection(id); err == nil {
				w.dispatch(Event{Type: InterjectionAddedEvent, ID: id, Interjection: record})
			}
		case old != status:
			if record, err := w.q.GetInterjection(id); err == nil {
				w.dispatch(Event{Type: InterjectionUpdatedEvent, ID: id, Interjection: record})
			}
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			w.dispatch(Event{Type: InterjectionDeletedEvent, ID: id})
		}
	}
	return next
}
