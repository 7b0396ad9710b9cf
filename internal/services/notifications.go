package services

import (
	"sync"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// CompletionSubscriber is told when a job reaches a terminal status
type CompletionSubscriber func(n models.JobCompleteNotification)

// Notifier fans job-completion notifications out to in-process
// subscribers. A subscriber that panics is logged and the rest still run.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]CompletionSubscriber
	order       []string
	logger      *lib.Logger
}

// NewNotifier creates an empty notifier
func NewNotifier(logger *lib.Logger) *Notifier {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	return &Notifier{subscribers: make(map[string]CompletionSubscriber), logger: logger}
}

// Subscribe registers fn and returns the id used to unsubscribe
func (n *Notifier) Subscribe(fn CompletionSubscriber) string {
	id := uuid.NewString()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[id] = fn
	n.order = append(n.order, id)
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[id]; !ok {
		return
	}
	delete(n.subscribers, id)
	for i, existing := range n.order {
		if existing == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of subscribers
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Notify calls every subscriber in subscription order
func (n *Notifier) Notify(note models.JobCompleteNotification) {
	n.mu.RLock()
	subs := make([]CompletionSubscriber, 0, len(n.order))
	for _, id := range n.order {
		subs = append(subs, n.subscribers[id])
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		n.safeNotify(fn, note)
	}
}

func (n *Notifier) safeNotify(fn CompletionSubscriber, note models.JobCompleteNotification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("Completion subscriber failed", "job_id", note.JobID, "error", r)
		}
	}()
	fn(note)
}
