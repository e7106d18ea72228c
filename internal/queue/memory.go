package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/aym-n/pixl/internal/models"
)

// NewMemoryQueue returns an in-process queue with competing consumers and
// explicit acknowledgement, suitable for tests and single-process runs.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]memoryEntry),
		wake:    make(chan struct{}),
	}
}

type MemoryQueue struct {
	mu      sync.Mutex
	ready   []memoryEntry
	pending map[string]memoryEntry
	wake    chan struct{}
	seq     int64
	closed  bool
}

type memoryEntry struct {
	id      string
	msg     models.WorkMessage
	attempt int
}

func (q *MemoryQueue) Publish(ctx context.Context, msg models.WorkMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	q.ready = append(q.ready, memoryEntry{id: strconv.FormatInt(q.seq, 10), msg: msg, attempt: 1})
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) Subscribe(consumer string) Subscription {
	return &memorySubscription{queue: q, closed: make(chan struct{})}
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Length:  int64(len(q.ready) + len(q.pending)),
		Pending: int64(len(q.pending)),
	}, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// next pops the oldest ready entry and marks it pending. When nothing is
// ready it returns the channel that is closed on the next publish.
func (q *MemoryQueue) next() (memoryEntry, <-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return memoryEntry{}, nil, false
	}
	if len(q.ready) == 0 {
		return memoryEntry{}, q.wake, false
	}
	entry := q.ready[0]
	q.ready = q.ready[1:]
	q.pending[entry.id] = entry
	return entry, nil, true
}

func (q *MemoryQueue) ack(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// requeue moves a pending entry back to the front of the ready list.
func (q *MemoryQueue) requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.pending[id]
	if !ok {
		return
	}
	delete(q.pending, id)
	entry.attempt++
	q.ready = append([]memoryEntry{entry}, q.ready...)
	q.signalLocked()
}

type memorySubscription struct {
	queue  *MemoryQueue
	closed chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		entry, wake, ok := s.queue.next()
		if ok {
			return s.delivery(entry), nil
		}
		if wake == nil {
			return nil, ErrClosed
		}
		select {
		case <-wake:
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *memorySubscription) delivery(entry memoryEntry) *Delivery {
	id := entry.id
	return &Delivery{
		ID:      id,
		Message: entry.msg,
		Attempt: entry.attempt,
		ack: func(context.Context) error {
			s.queue.ack(id)
			return nil
		},
		nack: func(context.Context) error {
			s.queue.requeue(id)
			return nil
		},
	}
}
