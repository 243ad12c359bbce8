package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisTopic is the pub/sub channel shared by every instance.
const DefaultRedisTopic = "drawsync:broadcast"

type envelope struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

// RedisBridge publishes to the local hub and to Redis, and replays events
// from other instances into the local hub.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	topic    string
	instance string
	log      logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisClient parses url and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func NewRedisBridge(client *redis.Client, hub *Hub, log logrus.FieldLogger) *RedisBridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBridge{
		client:   client,
		hub:      hub,
		topic:    DefaultRedisTopic,
		instance: uuid.NewString(),
		log:      log,
	}
}

// Start subscribes to the shared topic and returns once Redis confirmed the
// subscription. Events are replayed until ctx ends or Close is called.
func (b *RedisBridge) Start(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.consume(ctx, pubsub.Channel(), b.done)
	b.log.WithField("topic", b.topic).Info("Redis broadcast bridge started")
	return nil
}

func (b *RedisBridge) consume(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.WithError(err).Warn("Dropping malformed broadcast envelope")
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			_ = b.hub.Publish(ctx, env.Event)
		}
	}
}

// Publish delivers locally right away and forwards to the other instances.
func (b *RedisBridge) Publish(ctx context.Context, event Event) error {
	_ = b.hub.Publish(ctx, event)

	payload, err := json.Marshal(envelope{Instance: b.instance, Event: event})
	if err != nil {
		return fmt.Errorf("encode broadcast envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Close stops the subscription and waits for the replay loop to exit.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
