// Package notify publishes rule catalog changes for downstream consumers
// such as search indexers.
package notify

import (
	"context"
	"fmt"
	"time"

	"rulekeeper/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ChangeType names what happened to a rule
type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeReactivated ChangeType = "reactivated"
	ChangeUpdated     ChangeType = "updated"
	ChangeRemoved     ChangeType = "removed"
	ChangeReconciled  ChangeType = "reconciled"
)

// RuleChange is one committed change of the rule catalog. Reconciliation
// publishes a single ChangeReconciled event with an empty RuleKey.
type RuleChange struct {
	ID      string     `msgpack:"id"`
	Type    ChangeType `msgpack:"type"`
	RuleKey string     `msgpack:"rule_key,omitempty"`
	RuleID  int64      `msgpack:"rule_id,omitempty"`
	Actor   string     `msgpack:"actor,omitempty"`
	At      time.Time  `msgpack:"at"`
}

// NewRuleChange stamps a change with a fresh id and the current time
func NewRuleChange(changeType ChangeType, ruleKey string, ruleID int64, actor string) RuleChange {
	return RuleChange{
		ID:      uuid.New().String(),
		Type:    changeType,
		RuleKey: ruleKey,
		RuleID:  ruleID,
		Actor:   actor,
		At:      time.Now().UTC(),
	}
}

// Publisher delivers rule changes after they are committed
type Publisher interface {
	Publish(ctx context.Context, change RuleChange) error
	Close() error
}

// NopPublisher drops every change
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RuleChange) error { return nil }
func (NopPublisher) Close() error                              { return nil }

// DefaultStream is the Redis stream rule changes are appended to
const DefaultStream = "rulekeeper:rule-changes"

// RedisPublisher appends msgpack encoded changes to a Redis stream
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.SugaredLogger
}

// RedisOptions configures a RedisPublisher
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Stream   string
	MaxLen   int64
}

// NewRedisPublisher connects to Redis
func NewRedisPublisher(opts RedisOptions, logger *zap.SugaredLogger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: opts.MaxLen, logger: logger}
}

// Ping tests the Redis connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish appends change to the stream
func (p *RedisPublisher) Publish(ctx context.Context, change RuleChange) error {
	payload, err := msgpack.Marshal(&change)
	if err != nil {
		metrics.RuleChangesPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode rule change: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":    string(change.Type),
			"rule":    change.RuleKey,
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		metrics.RuleChangesPublished.WithLabelValues("error").Inc()
		p.logger.Warnw("Failed to publish rule change", "type", change.Type, "rule", change.RuleKey, "error", err)
		return fmt.Errorf("failed to publish rule change: %w", err)
	}
	metrics.RuleChangesPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// DecodeRuleChange decodes the payload field of a stream entry
func DecodeRuleChange(payload []byte) (RuleChange, error) {
	var change RuleChange
	if err := msgpack.Unmarshal(payload, &change); err != nil {
		return RuleChange{}, fmt.Errorf("failed to decode rule change: %w", err)
	}
	return change, nil
}
