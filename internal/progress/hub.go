package progress

import (
	"context"
	"sync"
)

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Stream is an active topic subscription.
type Stream interface {
	Messages() <-chan Message
	Close() error
}

// Subscriber opens topic subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (Stream, error)
}

// MemoryHub is an in-process Publisher and Subscriber. Slow subscribers miss
// messages instead of blocking publishers.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[*memoryStream]struct{}
	buffer int
}

func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryHub{
		subs:   make(map[*memoryStream]struct{}),
		buffer: buffer,
	}
}

func (h *MemoryHub) Publish(ctx context.Context, topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, topics ...string) (Stream, error) {
	sub := &memoryStream{
		hub:    h,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Message, h.buffer),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

type memoryStream struct {
	once   sync.Once
	hub    *MemoryHub
	topics map[string]struct{}
	ch     chan Message
}

func (s *memoryStream) Messages() <-chan Message {
	return s.ch
}

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
	return nil
}
