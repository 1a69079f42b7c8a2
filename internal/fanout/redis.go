package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/models"
)

const forwardQueue = 1024

// RedisBridge relays events between instances over a Redis pub/sub channel.
// Only events travel; anonymous state stays with the instance that owns it.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	out     chan []byte
	done    chan struct{}
	log     zerolog.Logger
}

type envelope struct {
	Origin     string          `json:"origin"`
	Kind       Kind            `json:"kind"`
	EndpointID string          `json:"endpoint_id,omitempty"`
	OwnerKind  string          `json:"owner_kind,omitempty"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	FeedOnly   bool            `json:"feed_only,omitempty"`
}

// NewRedisBridge accepts either a redis:// URL or a bare host:port.
func NewRedisBridge(redisURL, channel string, hub *Hub, log zerolog.Logger) (*RedisBridge, error) {
	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	b := &RedisBridge{
		client:  redis.NewClient(opts),
		channel: channel,
		origin:  models.NewID("node"),
		hub:     hub,
		out:     make(chan []byte, forwardQueue),
		done:    make(chan struct{}),
		log:     log.With().Str("component", "redis-bridge").Logger(),
	}
	hub.SetRelay(b)
	return b, nil
}

// Start connects and begins relaying in both directions until ctx is done.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go b.publishLoop(ctx)
	go b.receiveLoop(ctx, pubsub)

	b.log.Info().Str("channel", b.channel).Str("origin", b.origin).Msg("redis fan-out bridge started")
	return nil
}

func (b *RedisBridge) Stop() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return b.client.Close()
}

// Forward queues ev for other instances. A full queue drops the event.
func (b *RedisBridge) Forward(ev Event) {
	payload, err := b.wrap(ev)
	if err != nil {
		b.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event for relay")
		return
	}
	select {
	case b.out <- payload:
	default:
		b.log.Warn().Str("kind", string(ev.Kind)).Msg("relay queue full, dropping event")
	}
}

func (b *RedisBridge) wrap(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	env := envelope{
		Origin:     b.origin,
		Kind:       ev.Kind,
		EndpointID: ev.EndpointID,
		Data:       data,
		Timestamp:  ev.Timestamp,
		FeedOnly:   ev.FeedOnly,
	}
	if ev.Owner.Valid() {
		env.OwnerKind = ev.Owner.Kind().String()
		env.OwnerID = ev.Owner.ID()
	}
	return json.Marshal(env)
}

// unwrap returns false for frames this instance published itself.
func (b *RedisBridge) unwrap(payload []byte) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, false, err
	}
	if env.Origin == b.origin {
		return Event{}, false, nil
	}
	ev := Event{Kind: env.Kind, EndpointID: env.EndpointID, Timestamp: env.Timestamp, FeedOnly: env.FeedOnly}
	if len(env.Data) > 0 {
		ev.Data = env.Data
	}
	switch env.OwnerKind {
	case models.OwnerAnonymous.String():
		ev.Owner = models.Anonymous(env.OwnerID)
	case models.OwnerAccount.String():
		ev.Owner = models.AccountOwner(env.OwnerID)
	}
	return ev, true, nil
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case payload := <-b.out:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := b.client.Publish(pubCtx, b.channel, payload).Err(); err != nil {
				b.log.Warn().Err(err).Msg("failed to publish event to redis")
			}
			cancel()
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

func (b *RedisBridge) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, remote, err := b.unwrap([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Msg("discarding malformed relay frame")
				continue
			}
			if remote {
				b.hub.Deliver(ev)
			}
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}
