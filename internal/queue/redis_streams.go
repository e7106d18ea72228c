package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/aym-n/pixl/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisStreamsConfig configures the Redis Streams backed work queue.
type RedisStreamsConfig struct {
	Addr     string
	Addrs    []string
	Username string
	Password string
	DB       int
	Stream   string
	Group    string
	Logger   *slog.Logger
	// BlockTimeout bounds each XREADGROUP call.
	BlockTimeout time.Duration
	// VisibilityTimeout is how long a delivered message may stay
	// unacknowledged before another consumer reclaims it.
	VisibilityTimeout time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	PoolSize          int
	MasterName        string
	TLS               RedisTLSConfig
}

// NewRedisStreams connects to Redis and ensures the consumer group exists.
func NewRedisStreams(cfg RedisStreamsConfig) (*RedisStreams, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "transcode-jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 45 * time.Minute
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DB:           cfg.DB,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &RedisStreams{
		client:     client,
		stream:     stream,
		group:      group,
		block:      cfg.BlockTimeout,
		visibility: cfg.VisibilityTimeout,
		logger:     cfg.Logger,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// RedisStreams delivers work messages through a Redis Stream consumer group.
// Entries are acknowledged and deleted once a worker has finished with them;
// entries left pending past the visibility timeout are reclaimed with
// XAUTOCLAIM by whichever consumer polls next.
type RedisStreams struct {
	client     redis.UniversalClient
	stream     string
	group      string
	block      time.Duration
	visibility time.Duration
	logger     *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// Client exposes the underlying connection so other components, such as the
// progress publisher, can share it.
func (q *RedisStreams) Client() redis.UniversalClient {
	return q.client
}

func (q *RedisStreams) Publish(ctx context.Context, msg models.WorkMessage) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: []string{"payload", string(payload)},
	}).Err()
}

func (q *RedisStreams) Subscribe(consumer string) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		consumer = randomConsumerID()
	}
	return &redisSubscription{
		queue:    q,
		consumer: consumer,
		logger:   q.logger.With("consumer", consumer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *RedisStreams) Stats(ctx context.Context) (Stats, error) {
	length, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	stats := Stats{Length: length}
	if pending != nil {
		stats.Pending = pending.Count
	}
	return stats, nil
}

func (q *RedisStreams) Close() error {
	return q.client.Close()
}

func (q *RedisStreams) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	// Start at 0 so messages published before the first worker joined are
	// still delivered.
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisStreams) ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return err
	}
	if err := q.client.XDel(ctx, q.stream, id).Err(); err != nil {
		q.logger.Warn("redis stream delete failed", "id", id, "error", err)
	}
	return nil
}

type redisSubscription struct {
	queue    *RedisStreams
	consumer string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func (s *redisSubscription) Close() {
	s.cancel()
}

// Next claims at most one entry per call: a stale pending entry first, then
// a new one. Entries are never read ahead of the caller asking for them.
func (s *redisSubscription) Next(ctx context.Context) (*Delivery, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		if err := s.stopped(ctx); err != nil {
			return nil, err
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if stopErr := s.stopped(ctx); stopErr != nil {
				return nil, stopErr
			}
			s.logger.Warn("redis queue group ensure failed", "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		messages, attempt, err := s.poll(ctx)
		if err != nil {
			if stopErr := s.stopped(ctx); stopErr != nil {
				return nil, stopErr
			}
			s.logger.Warn("redis queue read failed", "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		for _, message := range messages {
			delivery, err := s.delivery(message, attempt)
			if err != nil {
				s.logger.Error("redis queue decode failed", "id", message.ID, "error", err)
				if ackErr := s.queue.ack(context.WithoutCancel(ctx), message.ID); ackErr != nil {
					s.logger.Warn("redis ack failed", "id", message.ID, "error", ackErr)
				}
				continue
			}
			return delivery, nil
		}
	}
}

// stopped reports why Next must return, if it must.
func (s *redisSubscription) stopped(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

// poll first reclaims stale pending entries and otherwise blocks for new ones.
func (s *redisSubscription) poll(ctx context.Context) ([]redis.XMessage, int, error) {
	claimed, _, err := s.queue.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.queue.stream,
		Group:    s.queue.group,
		Consumer: s.consumer,
		MinIdle:  s.queue.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}
	if len(claimed) > 0 {
		return claimed, 2, nil
	}
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    1,
		Block:    s.queue.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, 1, nil
}

func (s *redisSubscription) delivery(message redis.XMessage, attempt int) (*Delivery, error) {
	payload := extractPayload(message.Values)
	if len(payload) == 0 {
		return nil, fmt.Errorf("stream entry %s has no payload", message.ID)
	}
	msg, err := decode(payload)
	if err != nil {
		return nil, err
	}
	id := message.ID
	return &Delivery{
		ID:      id,
		Message: msg,
		Attempt: attempt,
		ack: func(ctx context.Context) error {
			return s.queue.ack(ctx, id)
		},
		nack: func(ctx context.Context) error {
			// Re-adding gives the message to the next reader right away
			// instead of waiting for the visibility timeout.
			if _, err := s.queue.client.XAdd(ctx, &redis.XAddArgs{
				Stream: s.queue.stream,
				Values: []string{"payload", string(payload)},
			}).Result(); err != nil {
				return err
			}
			return s.queue.ack(ctx, id)
		},
	}, nil
}

func extractPayload(values map[string]interface{}) []byte {
	for key, value := range values {
		if !strings.EqualFold(key, "payload") {
			continue
		}
		if text, ok := asString(value); ok && text != "" {
			return []byte(text)
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls client certificate requires both cert and key")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
