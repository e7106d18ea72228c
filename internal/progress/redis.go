package progress

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisHub publishes and subscribes through Redis pub/sub so updates from
// worker processes reach the API process holding the websocket clients.
type RedisHub struct {
	client redis.UniversalClient
	logger *slog.Logger
	buffer int
}

func NewRedisHub(client redis.UniversalClient, logger *slog.Logger) *RedisHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, logger: logger, buffer: 32}
}

func (h *RedisHub) Publish(ctx context.Context, topic string, payload []byte) error {
	return h.client.Publish(ctx, topic, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so updates
// published afterwards are not missed.
func (h *RedisHub) Subscribe(ctx context.Context, topics ...string) (Stream, error) {
	pubsub := h.client.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	stream := &redisStream{
		pubsub: pubsub,
		ch:     make(chan Message, h.buffer),
		done:   make(chan struct{}),
	}
	go stream.run(pubsub.Channel())
	return stream, nil
}

type redisStream struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *redisStream) Messages() <-chan Message {
	return s.ch
}

func (s *redisStream) run(in <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
