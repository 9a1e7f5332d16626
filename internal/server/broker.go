package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/transport"
)

const (
	// presenceTTL is how long an id claim survives without a heartbeat.
	presenceTTL = 30 * time.Second

	presencePrefix = "rtc2:peer:"
	channelPrefix  = "rtc2:relay:"
)

// Broker shares the peer id space between relay instances and carries
// messages for peers connected to another instance.
type Broker interface {
	// Claim reserves id for this instance. It reports false when another
	// connection already holds it.
	Claim(ctx context.Context, id string) (bool, error)
	// Refresh extends a claim.
	Refresh(ctx context.Context, id string) error
	// Release drops a claim held by this instance.
	Release(ctx context.Context, id string) error
	// Route hands msg to the instance owning msg.Dst. It reports false when
	// no instance owns it.
	Route(ctx context.Context, msg transport.SignalMessage) (bool, error)
	// Messages yields messages other instances routed here.
	Messages() <-chan transport.SignalMessage
	Close() error
}

// releaseScript deletes a claim only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBroker is a Broker backed by Redis keys for presence and one pub/sub
// channel per relay instance.
type RedisBroker struct {
	client   *redis.Client
	instance string
	pubsub   *redis.PubSub
	messages chan transport.SignalMessage
	done     chan struct{}
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis at addr and subscribes to instance's
// channel.
func NewRedisBroker(ctx context.Context, addr string, instance string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}

	pubsub := client.Subscribe(ctx, channelPrefix+instance)
	// Wait for the subscription to be confirmed so nothing routed to us
	// right after startup is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("could not subscribe to relay channel: %w", err)
	}

	b := &RedisBroker{
		client:   client,
		instance: instance,
		pubsub:   pubsub,
		messages: make(chan transport.SignalMessage, 64),
		done:     make(chan struct{}),
	}
	go b.pump()

	logging.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.String("instance", instance),
	)
	return b, nil
}

func (b *RedisBroker) pump() {
	defer close(b.messages)
	for msg := range b.pubsub.Channel() {
		var signal transport.SignalMessage
		if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
			logging.Warn("Dropping malformed relay message", zap.Error(err))
			continue
		}
		select {
		case b.messages <- signal:
		case <-b.done:
			return
		}
	}
}

// Claim reserves id with SET NX.
func (b *RedisBroker) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.SetNX(ctx, presencePrefix+id, b.instance, presenceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming id %s: %w", id, err)
	}
	return ok, nil
}

// Refresh extends the claim on id.
func (b *RedisBroker) Refresh(ctx context.Context, id string) error {
	if err := b.client.Expire(ctx, presencePrefix+id, presenceTTL).Err(); err != nil {
		return fmt.Errorf("refreshing id %s: %w", id, err)
	}
	return nil
}

// Release drops the claim on id if this instance holds it.
func (b *RedisBroker) Release(ctx context.Context, id string) error {
	err := releaseScript.Run(ctx, b.client, []string{presencePrefix + id}, b.instance).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing id %s: %w", id, err)
	}
	return nil
}

// Route publishes msg on the owning instance's channel.
func (b *RedisBroker) Route(ctx context.Context, msg transport.SignalMessage) (bool, error) {
	owner, err := b.client.Get(ctx, presencePrefix+msg.Dst).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", msg.Dst, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	receivers, err := b.client.Publish(ctx, channelPrefix+owner, data).Result()
	if err != nil {
		return false, fmt.Errorf("publishing to %s: %w", owner, err)
	}
	return receivers > 0, nil
}

// Messages yields messages routed to this instance. It is closed after
// Close.
func (b *RedisBroker) Messages() <-chan transport.SignalMessage {
	return b.messages
}

// Close unsubscribes and closes the Redis client.
func (b *RedisBroker) Close() error {
	close(b.done)
	err := b.pubsub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
