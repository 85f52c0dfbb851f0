// ABOUTME: Redis pub/sub relay that fans conversation events out across gateway nodes
// ABOUTME: Publishes locally first, then to Redis; events from other nodes are replayed locally

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/store"
)

const outboundBuffer = 256

// envelope is the wire form of a relayed event.
type envelope struct {
	Node           string              `json:"node"`
	ConversationID string              `json:"conversation_id"`
	Exclude        string              `json:"exclude,omitempty"`
	Event          *conversation.Event `json:"event"`
}

// RedisRelay implements conversation.Channel on top of a node-local channel.
// Subscriber counts are node-local: presence only sees this node's subscribers.
type RedisRelay struct {
	local   conversation.Channel
	rdb     *goredis.Client
	channel string
	node    string
	logger  *slog.Logger

	out    chan envelope
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// RedisOptions configures a relay.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// NodeID identifies this process so it ignores its own relayed events.
	NodeID string
}

// NewRedisRelay connects to Redis, subscribes, and starts relaying.
// Pass nil logger for default.
func NewRedisRelay(ctx context.Context, local conversation.Channel, opts RedisOptions, logger *slog.Logger) (*RedisRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	r := &RedisRelay{
		local:   local,
		rdb:     rdb,
		channel: opts.Channel,
		node:    opts.NodeID,
		logger:  logger.With("component", "redis_relay"),
		out:     make(chan envelope, outboundBuffer),
		cancel:  stop,
	}

	sub := rdb.Subscribe(runCtx, r.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(pingCtx); err != nil {
		stop()
		_ = sub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	r.wg.Add(2)
	go r.forward(runCtx, sub)
	go r.send(runCtx)

	r.logger.Info("relaying conversation events through redis",
		"addr", opts.Addr,
		"channel", r.channel,
		"node", r.node)
	return r, nil
}

// Publish delivers locally and queues the event for other nodes.
// A full queue drops the remote copy; clients recover through polling.
func (r *RedisRelay) Publish(conversationID string, event *conversation.Event, excludeSubID string) {
	r.local.Publish(conversationID, event, excludeSubID)

	select {
	case r.out <- envelope{Node: r.node, ConversationID: conversationID, Exclude: excludeSubID, Event: event}:
	default:
		r.logger.Warn("relay queue full, dropping remote copy",
			"conversation_id", conversationID,
			"event_type", event.Type)
	}
}

// SubscriberCount implements conversation.Channel using this node's subscribers.
func (r *RedisRelay) SubscriberCount(conversationID string, role store.Role) int {
	return r.local.SubscriberCount(conversationID, role)
}

func (r *RedisRelay) send(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.out:
			raw, err := json.Marshal(env)
			if err != nil {
				r.logger.Error("encoding relayed event", "error", err)
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = r.rdb.Publish(pubCtx, r.channel, raw).Err()
			cancel()
			if err != nil {
				r.logger.Warn("redis publish failed",
					"conversation_id", env.ConversationID,
					"error", err)
			}
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, sub *goredis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.logger.Warn("bad relayed payload", "error", err)
				continue
			}
			if env.Node == r.node || env.Event == nil {
				continue
			}
			r.local.Publish(env.ConversationID, env.Event, env.Exclude)
		}
	}
}

// Close stops relaying and closes the Redis client.
func (r *RedisRelay) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
		err = r.rdb.Close()
	})
	return err
}

var _ conversation.Channel = (*RedisRelay)(nil)
