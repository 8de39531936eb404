package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue used by tests and by the demo feed's
// single-process mode, a plain fake rather than a mocking framework.
// Delivery is FIFO per subject; message-id dedup mirrors JetStream's
// behavior by dropping a publish whose id was already seen.
type MemoryQueue struct {
	mu      sync.Mutex
	seen    map[string]bool
	queues  map[string][]memMsg
	waiters map[string][]chan struct{}
}

type memMsg struct {
	id   string
	data []byte
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		seen:    make(map[string]bool),
		queues:  make(map[string][]memMsg),
		waiters: make(map[string][]chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, subject, messageID string, payload []byte) error {
	q.mu.Lock()
	key := subject + "\x00" + messageID
	if q.seen[key] {
		q.mu.Unlock()
		return nil
	}
	q.seen[key] = true
	q.queues[subject] = append(q.queues[subject], memMsg{id: messageID, data: payload})
	waiters := q.waiters[subject]
	q.waiters[subject] = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Subscribe runs handler for every message published to subject until ctx
// is canceled. Unlike NATSQueue it has only one logical consumer group per
// subject in memory, since tests don't need competing-consumer semantics.
// A handler that returns nil is treated as done whether or not it called
// Ack; only an error return or a Nak requeues the message.
func (q *MemoryQueue) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, ok := q.dequeue(subject)
		if !ok {
			if !q.waitForNext(ctx, subject) {
				return nil
			}
			continue
		}

		acked := false
		d := Delivery{
			MessageID: msg.id,
			Data:      msg.data,
			ack:       func() error { acked = true; return nil },
			nak: func() error {
				q.requeue(subject, msg)
				return nil
			},
		}
		if err := handler(ctx, d); err != nil {
			q.requeue(subject, msg)
			continue
		}
		_ = acked
	}
}

func (q *MemoryQueue) dequeue(subject string) (memMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[subject]
	if len(msgs) == 0 {
		return memMsg{}, false
	}
	q.queues[subject] = msgs[1:]
	return msgs[0], true
}

func (q *MemoryQueue) requeue(subject string, msg memMsg) {
	q.mu.Lock()
	q.queues[subject] = append(q.queues[subject], msg)
	q.mu.Unlock()
}

func (q *MemoryQueue) waitForNext(ctx context.Context, subject string) bool {
	q.mu.Lock()
	ch := make(chan struct{})
	q.waiters[subject] = append(q.waiters[subject], ch)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}
