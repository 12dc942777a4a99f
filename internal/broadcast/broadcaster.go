package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "broadcast:"
	listPrefix    = "events:"

	// eventListCap bounds the durable catch-up list per topic.
	eventListCap = 100
	// eventListTTL is the catch-up visibility window. Consumers polling
	// less often than this may miss events and must rely on the CAS
	// hash check for correctness.
	eventListTTL = 60 * time.Second
)

var errMissingRedis = errors.New("redis client is required")

// commands is the narrow Redis surface Publish and Poll use. The
// subscribe loop needs the full client; everything else fakes this.
type commands interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// BroadcasterConfig carries the dependencies of a Broadcaster.
type BroadcasterConfig struct {
	Redis    redis.UniversalClient
	Registry *Registry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Broadcaster fans session events out across three paths: the Redis
// real-time channel, the capped durable catch-up list, and this
// process's local subscriber registry. The Redis paths are best-effort;
// local delivery never waits on the broker.
type Broadcaster struct {
	commands   commands
	subscriber redis.UniversalClient
	registry   *Registry
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewBroadcaster constructs a Broadcaster with a fresh random instance
// identifier. The identifier lives for the whole process: it is how an
// instance recognizes (and skips) its own events when polling.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Redis == nil {
		return nil, errMissingRedis
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		commands:   cfg.Redis,
		subscriber: cfg.Redis,
		registry:   registry,
		instanceID: uuid.NewString(),
		clock:      clock,
		logger:     logger,
	}, nil
}

// InstanceID returns this process's broadcast identity.
func (b *Broadcaster) InstanceID() string {
	return b.instanceID
}

// Registry exposes the local subscriber registry for connection handlers.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Publish stamps the event with the producer clock and instance id,
// then pushes it onto the real-time channel and the durable catch-up
// list before delivering it to local subscribers. Channel and list
// failures are logged and swallowed: a broker outage must never block
// local delivery or surface to the mutation path that triggered the
// event.
func (b *Broadcaster) Publish(ctx context.Context, topic, eventType string, data json.RawMessage) Event {
	event := Event{
		Type:             eventType,
		Data:             data,
		Timestamp:        b.clock().UnixMilli(),
		SourceInstanceID: b.instanceID,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("broadcast event marshal failed",
			zap.String("topic", topic), zap.Error(err))
		b.registry.Deliver(topic, event)
		return event
	}

	if err := b.commands.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		b.logger.Warn("broadcast channel publish failed",
			zap.String("topic", topic), zap.Error(err))
	}

	if err := b.appendDurable(ctx, topic, payload); err != nil {
		b.logger.Warn("broadcast durable append failed",
			zap.String("topic", topic), zap.Error(err))
	}

	b.registry.Deliver(topic, event)
	return event
}

func (b *Broadcaster) appendDurable(ctx context.Context, topic string, payload []byte) error {
	key := listPrefix + topic
	if err := b.commands.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	if err := b.commands.LTrim(ctx, key, 0, eventListCap-1).Err(); err != nil {
		return fmt.Errorf("ltrim: %w", err)
	}
	if err := b.commands.Expire(ctx, key, eventListTTL).Err(); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

// Poll reads the durable catch-up list for a topic and returns, oldest
// first, every event newer than afterTimestamp that this instance did
// not itself produce. Corrupt list entries are skipped with a warning.
func (b *Broadcaster) Poll(ctx context.Context, topic string, afterTimestamp int64) ([]Event, error) {
	entries, err := b.commands.LRange(ctx, listPrefix+topic, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("broadcast poll %q: %w", topic, err)
	}

	// LPUSH stores newest first; collect matches then reverse.
	matched := make([]Event, 0, len(entries))
	for _, entry := range entries {
		var event Event
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			b.logger.Warn("broadcast list entry corrupt",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		if event.Timestamp <= afterTimestamp {
			continue
		}
		if event.SourceInstanceID == b.instanceID {
			continue
		}
		matched = append(matched, event)
	}

	for left, right := 0, len(matched)-1; left < right; left, right = left+1, right-1 {
		matched[left], matched[right] = matched[right], matched[left]
	}
	return matched, nil
}

// Run consumes the Redis real-time channel for every topic and
// re-delivers remote events into the local registry, so viewers
// connected to this instance see writes made through any other
// instance. Blocks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	pubsub := b.subscriber.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-channel:
			if !ok {
				return nil
			}
			b.dispatchRemote(message)
		}
	}
}

func (b *Broadcaster) dispatchRemote(message *redis.Message) {
	topic := message.Channel
	if len(topic) > len(channelPrefix) {
		topic = topic[len(channelPrefix):]
	}

	var event Event
	if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
		b.logger.Warn("remote broadcast payload corrupt",
			zap.String("channel", message.Channel), zap.Error(err))
		return
	}
	if event.SourceInstanceID == b.instanceID {
		// Already delivered locally at publish time.
		return
	}
	b.registry.Deliver(topic, event)
}
