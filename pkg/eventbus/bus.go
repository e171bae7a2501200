// Package eventbus bridges task commands and result events across process
// boundaries over Redis Streams.
//
// Streams are durable, ordered, append-only logs with consumer-group
// semantics: each message is delivered to one consumer in a group, and
// unacknowledged messages remain claimable for redelivery. Delivery is
// at-least-once; consumers must be idempotent with respect to duplicates.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Stream names follow the {service}:{direction}:{purpose} convention.
// Commands are work items shared by one consumer group; control carries
// STOP_TASK and EMERGENCY_STOP_ALL, which every worker must see, so each
// worker reads it through its own group.
const (
	StreamCommands = "mgmt:tasks:commands"
	StreamControl  = "mgmt:tasks:control"
	StreamResults  = "tasks:mgmt:results"
	StreamStatus   = "tasks:mgmt:status"
)

// GroupWorkers is the consumer group workers read commands with.
const GroupWorkers = "workers"

// Group start positions for EnsureGroup.
const (
	StartOldest = "0"
	StartNewest = "$"
)

// ErrTransport wraps stream publish/consume failures that survived retry.
var ErrTransport = errors.New("stream transport error")

// Config captures connection and behavior options for the bus.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxLen caps stream length on publish (approximate trim). Zero keeps
	// the stream unbounded.
	MaxLen int64

	// PublishRate limits publishes per second. Zero means unlimited.
	PublishRate float64

	// PublishRetries is the number of attempts per publish before the
	// transport error is surfaced. Zero means 3.
	PublishRetries int
}

func (c Config) withDefaults() Config {
	cfg := c
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}
	return cfg
}

// Delivery is one consumed stream entry.
type Delivery struct {
	ID      string
	Message Message
}

// Bus publishes and consumes messages on Redis Streams.
type Bus struct {
	rdb     *redis.Client
	maxLen  int64
	retries int
	limiter *rate.Limiter
	log     *zap.Logger
}

// New connects a bus. The connection is verified with a ping.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrTransport, cfg.Addr, err)
	}

	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}

	return &Bus{
		rdb:     rdb,
		maxLen:  cfg.MaxLen,
		retries: cfg.PublishRetries,
		limiter: limiter,
		log:     log,
	}, nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping verifies connectivity, for health checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish appends a message to the stream and returns its id. Transport
// failures are retried with exponential backoff; if retries are
// exhausted the final error is returned rather than dropped.
func (b *Bus) Publish(ctx context.Context, stream string, m Message) (string, error) {
	fields, err := m.fields()
	if err != nil {
		return "", err
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			}
			backoff *= 2
		}
		id, err := b.rdb.XAdd(ctx, args).Result()
		if err == nil {
			b.log.Debug("published message",
				zap.String("stream", stream),
				zap.String("type", m.Type),
				zap.String("message_id", id))
			return id, nil
		}
		lastErr = err
		b.log.Warn("publish attempt failed",
			zap.String("stream", stream),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", fmt.Errorf("%w: publish to %s: %v", ErrTransport, stream, lastErr)
}

// EnsureGroup creates the consumer group at start (StartOldest or
// StartNewest), creating the stream if needed. Creating a group that
// already exists is a no-op.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("%w: create group %s on %s: %v", ErrTransport, group, stream, err)
}

// isBusyGroup detects the BUSYGROUP reply for an already-existing group.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Consume blocks up to block waiting for new entries for this consumer.
// A timeout returns an empty slice, not an error. Entries that fail to
// parse are acked and skipped so a poison message cannot wedge the group.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransport, stream, err)
	}
	return b.collect(ctx, stream, group, res), nil
}

// ClaimStale takes over entries pending longer than minIdle from dead
// consumers in the same group, making crashed deliveries redeliverable.
func (b *Bus) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: claim stale on %s: %v", ErrTransport, stream, err)
	}

	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		m, perr := parseMessage(msg.Values)
		if perr != nil {
			b.log.Warn("dropping malformed claimed entry",
				zap.String("stream", stream),
				zap.String("message_id", msg.ID),
				zap.Error(perr))
			_ = b.Ack(ctx, stream, group, msg.ID)
			continue
		}
		out = append(out, Delivery{ID: msg.ID, Message: m})
	}
	return out, nil
}

func (b *Bus) collect(ctx context.Context, stream, group string, res []redis.XStream) []Delivery {
	var out []Delivery
	for _, xs := range res {
		for _, msg := range xs.Messages {
			m, err := parseMessage(msg.Values)
			if err != nil {
				b.log.Warn("dropping malformed entry",
					zap.String("stream", stream),
					zap.String("message_id", msg.ID),
					zap.Error(err))
				_ = b.Ack(ctx, stream, group, msg.ID)
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Message: m})
		}
	}
	return out
}

// Ack marks a delivery processed. Call exactly once per successfully
// handled message; unacked messages remain claimable by the group.
func (b *Bus) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("%w: ack %s on %s: %v", ErrTransport, id, stream, err)
	}
	return nil
}
