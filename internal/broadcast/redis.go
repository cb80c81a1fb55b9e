package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisOptions configure the Redis publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
	TTL      time.Duration
}

// RedisPublisher caches the latest snapshot under a key and publishes it on a channel.
type RedisPublisher struct {
	client  *redis.Client
	key     string
	channel string
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewRedisPublisher connects to Redis and validates the connection with PING.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisPublisher, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	if opts.Key == "" && opts.Channel == "" {
		return nil, errors.New("redis: key or channel is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		key:     opts.Key,
		channel: opts.Channel,
		ttl:     opts.TTL,
		logger:  logger.With().Str("component", "publish_redis").Logger(),
	}, nil
}

// Name implements Publisher.
func (p *RedisPublisher) Name() string { return "redis" }

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.key != "" {
			pipe.Set(ctx, p.key, data, p.ttl)
		}
		if p.channel != "" {
			pipe.Publish(ctx, p.channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	p.logger.Debug().Str("key", p.key).Str("channel", p.channel).Int("bytes", len(data)).Msg("snapshot stored")
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
