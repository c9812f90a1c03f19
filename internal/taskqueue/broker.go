package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoMessage is returned by Reserve when the queue stayed empty for the whole timeout.
var ErrNoMessage = errors.New("no message available")

// Message is the envelope stored on the broker.
type Message struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is a reserved message awaiting acknowledgement.
type Delivery struct {
	Message
	raw string
}

// Publisher enqueues tasks by name.
type Publisher interface {
	Publish(ctx context.Context, task string, payload any) (string, error)
}

// Broker is a reliable FIFO queue stored in two Redis lists.
type Broker struct {
	client redis.UniversalClient
	queue  string
	clock  func() time.Time
}

// NewBroker wraps client. Close closes the client.
func NewBroker(client redis.UniversalClient, queue string) *Broker {
	return &Broker{
		client: client,
		queue:  queue,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// DialBroker connects lazily to the broker addressed by url.
func DialBroker(url, queue string) (*Broker, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	return NewBroker(redis.NewClient(options), queue), nil
}

func (b *Broker) inflightKey() string {
	return b.queue + ":unacked"
}

// Publish enqueues task with a JSON-encoded payload and returns the message id.
func (b *Broker) Publish(ctx context.Context, task string, payload any) (string, error) {
	msg := Message{
		ID:         uuid.NewString(),
		Task:       task,
		EnqueuedAt: b.clock(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = raw
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.LPush(ctx, b.queue, data).Err(); err != nil {
		return "", fmt.Errorf("publish %s: %w", task, err)
	}
	return msg.ID, nil
}

// Reserve blocks up to timeout for the oldest message and moves it to the
// in-flight list. Redis only supports whole-second blocking timeouts.
func (b *Broker) Reserve(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := b.client.BRPopLPush(ctx, b.queue, b.inflightKey(), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		_ = b.client.LRem(ctx, b.inflightKey(), 1, raw).Err()
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

// Ack removes a delivery from the in-flight list.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.client.LRem(ctx, b.inflightKey(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Requeue moves every unacknowledged message back to the queue and reports how many moved.
func (b *Broker) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := b.client.RPopLPush(ctx, b.inflightKey(), b.queue).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("requeue: %w", err)
		}
		moved++
	}
}

// Len returns the number of messages waiting to be reserved.
func (b *Broker) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.queue).Result()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}
