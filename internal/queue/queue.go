// Package queue carries WorkMessages from the orchestrator to transcode
// workers. Deliveries are at-least-once: a message stays pending until the
// consumer acknowledges it and is redelivered if the consumer goes away.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aym-n/pixl/internal/models"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue publishes work messages and hands them to subscribers.
type Queue interface {
	Publish(ctx context.Context, msg models.WorkMessage) error
	// Subscribe starts a consumer. Each subscription receives a disjoint
	// share of the published messages.
	Subscribe(consumer string) Subscription
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Subscription represents an active consumer. A message is claimed only
// inside Next, so a consumer busy with one delivery never holds another.
type Subscription interface {
	// Next blocks until a message is claimed for this consumer. It returns
	// ctx.Err() when ctx ends and ErrClosed once the subscription or the
	// queue is closed.
	Next(ctx context.Context) (*Delivery, error)
	Close()
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Length  int64 `json:"length"`
	Pending int64 `json:"pending"`
}

// Delivery is one received message. Ack must be called once processing has
// finished; Nack hands the message back for redelivery.
type Delivery struct {
	ID      string
	Message models.WorkMessage
	// Attempt is 1 for the first delivery and grows on redelivery.
	Attempt int

	once sync.Once
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if d.ack != nil {
			err = d.ack(ctx)
		}
	})
	return err
}

func (d *Delivery) Nack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if d.nack != nil {
			err = d.nack(ctx)
		}
	})
	return err
}

func encode(msg models.WorkMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal work message: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (models.WorkMessage, error) {
	var msg models.WorkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.WorkMessage{}, fmt.Errorf("decode work message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return models.WorkMessage{}, err
	}
	return msg, nil
}
