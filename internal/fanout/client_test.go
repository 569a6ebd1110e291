package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

func setupTestClient(t *testing.T, threshold int) (*Client, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{current: time.Unix(1_700_000_000, 0)}
	client, err := NewClient(Config{
		Redis:            rdb,
		Channel:          "corkboard:test",
		FailureThreshold: threshold,
		Cooldown:         time.Second,
		Clock:            clock.Now,
	})
	require.NoError(t, err)
	return client, mr, clock
}

func TestPublishReachesSubscriber(t *testing.T) {
	client, _, _ := setupTestClient(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(_ context.Context, payload []byte) {
			received <- payload
		})
	}()

	require.Eventually(t, func() bool { return client.Health().Subscribed }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Publish(ctx, []byte(`{"hello":"world"}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"hello":"world"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	client, mr, clock := setupTestClient(t, 2)
	ctx := context.Background()

	mr.Close()
	for attempt := 0; attempt < 2; attempt++ {
		err := client.Publish(ctx, []byte("x"))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, "open", client.Health().Circuit)
	assert.ErrorIs(t, client.Publish(ctx, []byte("x")), ErrCircuitOpen)

	require.NoError(t, mr.Restart())
	clock.Advance(2 * time.Second)
	require.NoError(t, client.Publish(ctx, []byte("x")))

	health := client.Health()
	assert.Equal(t, "closed", health.Circuit)
	assert.Zero(t, health.ConsecutiveFailures)
	assert.Equal(t, int64(3), health.PublishFailures)
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	clock := &testClock{current: time.Unix(0, 0)}
	b := newBreaker(1, time.Second, clock.Now)

	assert.True(t, b.allow())
	b.recordFailure(errors.New("boom"))
	assert.False(t, b.allow())

	clock.Advance(time.Second)
	assert.True(t, b.allow())
	assert.False(t, b.allow(), "second caller must wait for the trial")

	b.recordFailure(errors.New("still down"))
	state, _, _ := b.snapshot()
	assert.Equal(t, StateOpen, state)

	clock.Advance(time.Second)
	assert.True(t, b.allow())
	b.recordSuccess()
	state, failures, lastErr := b.snapshot()
	assert.Equal(t, StateClosed, state)
	assert.Zero(t, failures)
	assert.NoError(t, lastErr)
}

func TestStateTransitions(t *testing.T) {
	assert.NoError(t, StateClosed.validateTransitionTo(StateOpen))
	assert.NoError(t, StateOpen.validateTransitionTo(StateHalfOpen))
	assert.NoError(t, StateHalfOpen.validateTransitionTo(StateClosed))
	assert.Error(t, StateClosed.validateTransitionTo(StateHalfOpen))
	assert.Error(t, StateOpen.validateTransitionTo(StateClosed))
}

func TestBackoffIsBounded(t *testing.T) {
	b := defaultBackoff()
	for attempt := 0; attempt < 20; attempt++ {
		delay := b.delay(attempt)
		assert.GreaterOrEqual(t, delay, b.initial)
		assert.LessOrEqual(t, delay, time.Duration(float64(b.max)*(1+b.jitterFactor)))
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Channel: "x"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, err = NewClient(Config{Redis: rdb, Channel: "  "})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
