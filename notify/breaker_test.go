package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakyPublisher struct {
	err    error
	calls  int
	closed bool
}

func (f *flakyPublisher) Publish(context.Context, RuleChange) error {
	f.calls++
	return f.err
}

func (f *flakyPublisher) Close() error {
	f.closed = true
	return nil
}

func newTestBreaker(t *testing.T, next Publisher, clock *time.Time) *BreakerPublisher {
	t.Helper()
	b, err := NewBreakerPublisher(next, BreakerConfig{MaxFailures: 2, Cooldown: time.Minute}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := &flakyPublisher{err: errors.New("connection refused")}
	b := newTestBreaker(t, next, &clock)
	change := NewRuleChange(ChangeUpdated, "squid:S001", 1, "")

	assert.Error(t, b.Publish(ctx, change))
	assert.Equal(t, BreakerClosed, b.State())
	assert.Error(t, b.Publish(ctx, change))
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Publish(ctx, change)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 2, next.calls, "open breaker must not call the stream")
}

func TestBreakerPublisher_ProbesAfterCooldown(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := &flakyPublisher{err: errors.New("connection refused")}
	b := newTestBreaker(t, next, &clock)
	change := NewRuleChange(ChangeUpdated, "squid:S001", 1, "")

	_ = b.Publish(ctx, change)
	_ = b.Publish(ctx, change)
	require.Equal(t, BreakerOpen, b.State())

	// failed probe reopens
	clock = clock.Add(2 * time.Minute)
	assert.Error(t, b.Publish(ctx, change))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 3, next.calls)
	assert.ErrorIs(t, b.Publish(ctx, change), ErrBreakerOpen)

	// successful probe closes
	clock = clock.Add(2 * time.Minute)
	next.err = nil
	assert.NoError(t, b.Publish(ctx, change))
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Publish(ctx, change))
	assert.Equal(t, 5, next.calls)
}

func TestBreakerPublisher_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	next := &flakyPublisher{}
	b := newTestBreaker(t, next, &clock)
	change := NewRuleChange(ChangeUpdated, "squid:S001", 1, "")

	next.err = errors.New("timeout")
	_ = b.Publish(ctx, change)
	next.err = nil
	require.NoError(t, b.Publish(ctx, change))
	next.err = errors.New("timeout")
	_ = b.Publish(ctx, change)

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerPublisher_Close(t *testing.T) {
	clock := time.Now()
	next := &flakyPublisher{}
	b := newTestBreaker(t, next, &clock)

	require.NoError(t, b.Close())
	assert.True(t, next.closed)
}

func TestBreakerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultBreakerConfig().Validate())
	assert.Error(t, BreakerConfig{Cooldown: time.Second}.Validate())
	assert.Error(t, BreakerConfig{MaxFailures: 1}.Validate())

	_, err := NewBreakerPublisher(&flakyPublisher{}, BreakerConfig{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
