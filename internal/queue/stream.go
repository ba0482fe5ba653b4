// Package queue keeps a durable copy of stream envelopes in a Redis Stream so
// downstream consumers can read them at their own pace through a consumer
// group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "taskstream:events"
	defaultGroup  = "taskstream-consumers"
)

// Message is one entry read back from the stream.
type Message struct {
	ID       string
	Envelope events.Envelope
}

// Producer appends envelopes to a Redis Stream.
type Producer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewProducer constructs a producer for the provided stream. maxLen caps the
// stream length approximately; zero leaves it unbounded.
func NewProducer(client redis.UniversalClient, stream string, maxLen int64) *Producer {
	if stream == "" {
		stream = defaultStream
	}
	return &Producer{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream key.
func (p *Producer) Stream() string { return p.stream }

// Publish appends v to the stream. Envelopes keep their type as a separate
// field so consumers can filter without decoding.
func (p *Producer) Publish(ctx context.Context, v interface{}) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("queue producer not configured")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	values := map[string]interface{}{"data": data}
	if env, ok := v.(events.Envelope); ok {
		values["type"] = env.Type
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

// Consumer pulls envelopes from a Redis Stream consumer group.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
	}
}

// EnsureGroup ensures the consumer group exists. A new group starts at the
// head of the stream.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("queue consumer not configured")
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Next blocks for the next message. It returns nil with no error when the
// block window passes without one.
func (c *Consumer) Next(ctx context.Context) (*Message, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("queue consumer not configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.blockDur,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			env, err := events.Parse([]byte(raw))
			if err != nil {
				return &Message{ID: msg.ID}, err
			}
			return &Message{ID: msg.ID, Envelope: env}, nil
		}
	}
	return nil, nil
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}
