// Package eventbridge mirrors in-process bus events onto Redis pub/sub
// so sibling processes (and the UI gateway) can follow task, agent and
// mission updates without a direct connection to this instance.
package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// BroadcastChannel carries every event; entity-scoped copies go to the
// event's EntityKey channel as well.
const BroadcastChannel = "events:all"

// Publisher is the slice of a Redis client the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Bridge forwards bus events to Redis channels.
type Bridge struct {
	rdb Publisher
	log *slog.Logger
}

// New builds a bridge over an established Redis client.
func New(rdb Publisher, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{rdb: rdb, log: log}
}

// Run consumes events until ctx ends or the channel closes. Publish
// failures are logged and skipped; the bridge never blocks the bus.
func (b *Bridge) Run(ctx context.Context, events <-chan domain.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.forward(ctx, e)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, e domain.Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		b.log.Error("event marshal failed", slog.String("type", string(e.Type)), slog.Any("error", err))
		return
	}
	if err := b.rdb.Publish(ctx, BroadcastChannel, frame).Err(); err != nil {
		b.log.Warn("redis publish failed",
			slog.String("channel", BroadcastChannel), slog.Any("error", err))
	}
	if key := e.EntityKey(); key != "" {
		if err := b.rdb.Publish(ctx, key, frame).Err(); err != nil {
			b.log.Warn("redis publish failed", slog.String("channel", key), slog.Any("error", err))
		}
	}
}
