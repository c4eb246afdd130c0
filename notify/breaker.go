package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rulekeeper/metrics"

	"go.uber.org/zap"
)

// BreakerState is the state of a BreakerPublisher
type BreakerState string

const (
	// BreakerClosed forwards every change
	BreakerClosed BreakerState = "closed"
	// BreakerOpen drops changes until the cooldown elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single probe through
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned for changes dropped while the breaker is open
var ErrBreakerOpen = errors.New("rule change stream unavailable")

// BreakerConfig configures a BreakerPublisher
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the breaker
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before probing again
	Cooldown time.Duration
}

// Validate checks the configuration
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig opens after five failures and probes every 30 seconds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// BreakerPublisher stops calling an unhealthy publisher so catalog writes do
// not each wait for a network timeout. Dropped changes are counted, not queued.
type BreakerPublisher struct {
	next   Publisher
	config BreakerConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewBreakerPublisher wraps next
func NewBreakerPublisher(next Publisher, config BreakerConfig, logger *zap.SugaredLogger) (*BreakerPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker configuration: %w", err)
	}
	return &BreakerPublisher{
		next:   next,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  BreakerClosed,
	}, nil
}

// Publish forwards change unless the breaker is open
func (b *BreakerPublisher) Publish(ctx context.Context, change RuleChange) error {
	if err := b.allow(); err != nil {
		metrics.RuleChangesPublished.WithLabelValues("skipped").Inc()
		return err
	}

	err := b.next.Publish(ctx, change)
	b.record(err)
	return err
}

// Close closes the wrapped publisher
func (b *BreakerPublisher) Close() error {
	return b.next.Close()
}

// State returns the current state
func (b *BreakerPublisher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerPublisher) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *BreakerPublisher) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.probing = false
	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		if old != BreakerClosed {
			b.logger.Infow("Rule change stream recovered")
		}
		return
	}

	b.failures++
	if old == BreakerHalfOpen || b.failures >= b.config.MaxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
		if old != BreakerOpen {
			b.logger.Warnw("Rule change stream failing, pausing publication",
				"failures", b.failures,
				"cooldown", b.config.Cooldown)
		}
	}
}
