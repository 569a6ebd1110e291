package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 10 * time.Second
)

var (
	// ErrCircuitOpen indicates the breaker rejected a publish without contacting Redis.
	ErrCircuitOpen = errors.New("fanout: circuit open")
	// ErrInvalidConfig indicates missing client dependencies.
	ErrInvalidConfig = errors.New("fanout: invalid config")
)

// Handler receives every payload published on the channel, including this
// instance's own publishes. Filtering is the caller's job.
type Handler func(ctx context.Context, payload []byte)

// Config describes the dependencies of a Client.
type Config struct {
	Redis            redis.UniversalClient
	Channel          string
	Logger           *zap.Logger
	FailureThreshold int
	Cooldown         time.Duration
	Clock            func() time.Time
}

// Health is the externally visible state of the fan-out client.
type Health struct {
	Circuit             string `json:"circuit"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	PublishFailures     int64  `json:"publishFailures"`
	Subscribed          bool   `json:"subscribed"`
	LastError           string `json:"lastError,omitempty"`
}

// Client publishes and receives cross-instance fan-out messages over Redis
// pub/sub. Publishes are at-most-once and guarded by a circuit breaker; the
// subscriber reconnects with exponential backoff.
type Client struct {
	rdb             redis.UniversalClient
	channel         string
	logger          *zap.Logger
	breaker         *breaker
	backoff         backoff
	publishFailures atomic.Int64
	subscribed      atomic.Bool
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("%w: redis client required", ErrInvalidConfig)
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, fmt.Errorf("%w: channel required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		rdb:     cfg.Redis,
		channel: channel,
		logger:  logger,
		breaker: newBreaker(threshold, cooldown, clock),
		backoff: defaultBackoff(),
	}, nil
}

// Publish sends payload to every subscribed instance.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	if !c.breaker.allow() {
		c.publishFailures.Add(1)
		return ErrCircuitOpen
	}
	if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
		c.breaker.recordFailure(err)
		c.publishFailures.Add(1)
		return fmt.Errorf("fanout: publish: %w", err)
	}
	c.breaker.recordSuccess()
	return nil
}

// Run subscribes to the channel and invokes handler for each message until
// ctx is cancelled. Lost subscriptions are re-established with backoff.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler required", ErrInvalidConfig)
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		pubsub := c.rdb.Subscribe(ctx, c.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return nil
			}
			delay := c.backoff.delay(attempt)
			attempt++
			c.logger.Warn("fanout subscribe failed",
				zap.String("channel", c.channel),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		c.subscribed.Store(true)
		c.logger.Info("fanout subscribed", zap.String("channel", c.channel))
		err := c.consume(ctx, pubsub, handler)
		c.subscribed.Store(false)
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("fanout subscription lost", zap.String("channel", c.channel), zap.Error(err))
		if !sleep(ctx, c.backoff.delay(0)) {
			return nil
		}
	}
}

func (c *Client) consume(ctx context.Context, pubsub *redis.PubSub, handler Handler) error {
	for {
		message, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		handler(ctx, []byte(message.Payload))
	}
}

// Health reports the breaker and subscription state.
func (c *Client) Health() Health {
	state, failures, lastErr := c.breaker.snapshot()
	health := Health{
		Circuit:             state.String(),
		ConsecutiveFailures: failures,
		PublishFailures:     c.publishFailures.Load(),
		Subscribed:          c.subscribed.Load(),
	}
	if lastErr != nil {
		health.LastError = lastErr.Error()
	}
	return health
}

// Channel returns the pub/sub channel name.
func (c *Client) Channel() string {
	return c.channel
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
