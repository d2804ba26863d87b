package queue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// EventType names a task lifecycle transition.
type EventType string

const (
	EventTaskAdded     EventType = "task-added"
	EventTaskStarted   EventType = "task-started"
	EventTaskCompleted EventType = "task-completed"
	EventTaskFailed    EventType = "task-failed"
	EventTaskCancelled EventType = "task-cancelled"
	EventTaskRetried   EventType = "task-retried"
)

// Event describes one committed transition. Task is a copy taken at commit.
type Event struct {
	Type EventType   `json:"type"`
	Task models.Task `json:"task"`
	At   time.Time   `json:"at"`
}

// Listener receives events synchronously, in commit order. A listener may
// call back into the queue; events it causes are delivered after it returns.
type Listener func(Event)

// Subscribe registers l and returns a function that unregisters it.
func (q *Queue) Subscribe(l Listener) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// emitLocked queues an event for delivery. Caller holds q.mu.
func (q *Queue) emitLocked(typ EventType, t *models.Task) {
	q.outbox = append(q.outbox, Event{Type: typ, Task: t.Clone(), At: q.now().UTC()})
}

// deliver drains the outbox outside q.mu. Only one goroutine delivers at a
// time, so listeners see events in the order they were committed.
func (q *Queue) deliver() {
	q.mu.Lock()
	if q.delivering {
		q.mu.Unlock()
		return
	}
	q.delivering = true

	for len(q.outbox) > 0 {
		batch := q.outbox
		q.outbox = nil
		listeners := make([]Listener, 0, len(q.listeners))
		for i := 0; i < q.nextListener; i++ {
			if l, ok := q.listeners[i]; ok {
				listeners = append(listeners, l)
			}
		}
		q.mu.Unlock()

		for _, ev := range batch {
			for _, l := range listeners {
				q.invoke(l, ev)
			}
		}

		q.mu.Lock()
	}
	q.delivering = false
	q.mu.Unlock()
}

func (q *Queue) invoke(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue listener panicked",
				zap.String("event", string(ev.Type)),
				zap.String("task_id", ev.Task.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	l(ev)
}
