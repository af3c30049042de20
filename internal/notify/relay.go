package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/heic-forge/internal/queue"
)

// DefaultRelayChannel はイベント中継に使う Redis Pub/Sub チャネル名です。
const DefaultRelayChannel = "heicforge:events"

// RedisRelay はキューのイベントを Redis Pub/Sub 経由で全 API レプリカの Hub に届けます。
// 中継を使う場合、ローカルの Hub へは Run 経由でのみ配信します。
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger
	ready   chan struct{}
}

// NewRedisRelay は RedisRelay を作成します。
func NewRedisRelay(rdb *redis.Client, hub *Hub, channel string, logger *log.Logger) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if hub == nil {
		return nil, errors.New("hub is nil")
	}
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		hub:     hub,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

// Forward はイベントストリームを Redis に publish します。ストリームが閉じるか ctx が終わると戻ります。
func (r *RedisRelay) Forward(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.Publish(ctx, ev); err != nil {
				logf(r.logger, "failed to relay %s job=%s: %v", ev.Type, ev.JobID, err)
			}
		}
	}
}

// Publish は1件のイベントを publish します。
func (r *RedisRelay) Publish(ctx context.Context, ev queue.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// Ready は購読が確立した時点で閉じられます。
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run はチャネルを購読し、受け取ったイベントをローカルの Hub に配信します。
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev queue.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logf(r.logger, "discarding malformed relay payload: %v", err)
				continue
			}
			r.hub.Publish(ev.OwnerID, ev)
		}
	}
}
