// Package redis implements the realtime feed over Redis pub/sub, so every
// server instance sees the changes written by the others.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/edgeee/conversations/realtime"
)

const channelPrefix = "realtime"

// Redis provides the realtime feed in Redis.
type Redis struct {
	cli    *redis.Client
	logger *slog.Logger
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli:    cli,
		logger: logger,
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// channel is the pub/sub channel of one table and conversation.
func channel(table realtime.Table, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, table, conversationID)
}

// pattern matches the channels of every conversation of a table.
func pattern(table realtime.Table) string {
	return fmt.Sprintf("%s:%s:*", channelPrefix, table)
}

// Publish sends e to the channel of its table and conversation.
func (r *Redis) Publish(ctx context.Context, e realtime.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.cli.Publish(ctx, channel(e.Table, e.ConversationID), payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe listens on the conversation's channel, or on every channel of
// the table when the filter has no conversation. The subscription is
// confirmed before Subscribe returns.
func (r *Redis) Subscribe(ctx context.Context, f realtime.Filter) (*realtime.Subscription, error) {
	var ps *redis.PubSub
	if f.ConversationID != "" {
		ps = r.cli.Subscribe(ctx, channel(f.Table, f.ConversationID))
	} else {
		ps = r.cli.PSubscribe(ctx, pattern(f.Table))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan realtime.Event, realtime.BufferSize)
	done := make(chan struct{})
	go r.forward(ps, f, out, done)

	return realtime.NewSubscription(out, func() {
		close(done)
		if err := ps.Close(); err != nil {
			r.logger.Warn("Could not close subscription", "error", err.Error())
		}
	}), nil
}

func (r *Redis) forward(ps *redis.PubSub, f realtime.Filter, out chan<- realtime.Event, done <-chan struct{}) {
	defer close(out)

	in := ps.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var e realtime.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Warn("Dropped malformed realtime event", "channel", msg.Channel, "error", err.Error())
				continue
			}
			if !f.Match(e) {
				continue
			}
			select {
			case out <- e:
			case <-done:
				return
			default:
				r.logger.Warn("Dropped realtime event", "table", e.Table, "conversation_id", e.ConversationID)
			}
		}
	}
}
