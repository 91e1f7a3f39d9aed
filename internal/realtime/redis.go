package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goRedis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "todosync:tasks:"

// RedisChannel は所有者の変更通知に使うRedisのチャネル名を返す。
func RedisChannel(ownerID string) string {
	return redisChannelPrefix + ownerID
}

// NewRedisClient はRedisクライアントを生成し、疎通確認を行う。
func NewRedisClient(redisURL string) (*goRedis.Client, error) {
	opts, err := goRedis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goRedis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisBus はRedisのPub/Subでプロセス間に通知を配送するBus。
// 購読ごとにPubSub接続を持つ。
type RedisBus struct {
	client *goRedis.Client
	hub    *hub

	mu      sync.Mutex
	pubsubs map[*goRedis.PubSub]struct{}
}

// NewRedisBus はRedisBusを生成する。
func NewRedisBus(client *goRedis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		hub:     newHub(),
		pubsubs: make(map[*goRedis.PubSub]struct{}),
	}
}

// Publish は所有者のチャネルへ通知を発行する。
func (b *RedisBus) Publish(ctx context.Context, ownerID string) error {
	if err := b.client.Publish(ctx, RedisChannel(ownerID), "changed").Err(); err != nil {
		return fmt.Errorf("failed to publish task change: %w", err)
	}
	return nil
}

// Subscribe は所有者のチャネルを購読する。SUBSCRIBEの確認を待ってから返す。
func (b *RedisBus) Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error) {
	pubsub := b.client.Subscribe(ctx, RedisChannel(ownerID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe task changes: %w", err)
	}

	b.mu.Lock()
	b.pubsubs[pubsub] = struct{}{}
	b.mu.Unlock()

	ch, cancel, err := b.hub.subscribe(ctx, ownerID, func() { b.release(pubsub) })
	if err != nil {
		b.release(pubsub)
		return nil, nil, err
	}

	go func() {
		for range pubsub.Channel() {
			b.hub.notify(ownerID)
		}
	}()

	return ch, cancel, nil
}

func (b *RedisBus) release(pubsub *goRedis.PubSub) {
	b.mu.Lock()
	_, ok := b.pubsubs[pubsub]
	delete(b.pubsubs, pubsub)
	b.mu.Unlock()
	if !ok {
		return
	}

	if err := pubsub.Close(); err != nil {
		slog.Warn("failed to close redis subscription", slog.String("error", err.Error()))
	}
}

// Close は全購読をクローズする。クライアント自体のクローズは呼び出し側が行う。
func (b *RedisBus) Close() error {
	b.hub.closeAll()

	b.mu.Lock()
	pubsubs := b.pubsubs
	b.pubsubs = make(map[*goRedis.PubSub]struct{})
	b.mu.Unlock()

	for pubsub := range pubsubs {
		pubsub.Close()
	}
	return nil
}

// compile-time interface check
var _ Bus = (*RedisBus)(nil)
