package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisChannel = "tokenkeeper:rotation"

// RedisBroadcaster delivers rotation events over Redis pub/sub, pairing
// with the Redis-backed store for peers spread across hosts.
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
	msgs   chan Message
	logger zerolog.Logger

	closeOnce sync.Once
}

func NewRedisBroadcaster(client *redis.Client, logger zerolog.Logger) *RedisBroadcaster {
	b := &RedisBroadcaster{
		client: client,
		pubsub: client.Subscribe(context.Background(), redisChannel),
		msgs:   make(chan Message, 16),
		logger: logger,
	}
	go b.receive()
	return b
}

func (b *RedisBroadcaster) receive() {
	defer close(b.msgs)
	for raw := range b.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			b.logger.Warn().Err(err).Msg("dropping malformed rotation event")
			continue
		}
		select {
		case b.msgs <- msg:
		default:
			b.logger.Warn().Str("status", msg.Status).Msg("receiver not draining, dropping rotation event")
		}
	}
}

func (b *RedisBroadcaster) Post(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal rotation event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish rotation event: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Messages() <-chan Message {
	return b.msgs
}

func (b *RedisBroadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
	})
	return err
}
