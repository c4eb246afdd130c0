package service

import (
	"context"
	"fmt"

	"rulekeeper/core"
	"rulekeeper/notify"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// ============================================================================
// Constants
// ============================================================================

const (
	defaultRulePageSize = 50  // Default limit when not specified
	maxRulePageSize     = 500 // Maximum allowed page size
)

// RuleService is the entry point of the rule catalog for the API and the CLI.
// Reads go straight to the store; every write is checked by the permission
// gate first and announced on the publisher once committed.
type RuleService struct {
	store     *storage.RuleStore
	creator   *RuleCreator
	updater   *RuleUpdater
	deleter   *RuleDeleter
	gate      PermissionGate
	publisher notify.Publisher
	logger    *zap.SugaredLogger
}

// NewRuleService creates a RuleService. A nil publisher disables change
// notifications.
func NewRuleService(store *storage.RuleStore, gate PermissionGate, publisher notify.Publisher, logger *zap.SugaredLogger) *RuleService {
	if store == nil {
		panic("store is required")
	}
	if gate == nil {
		panic("gate is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &RuleService{
		store:     store,
		creator:   NewRuleCreator(store, logger),
		updater:   NewRuleUpdater(store, logger),
		deleter:   NewRuleDeleter(store, logger),
		gate:      gate,
		publisher: publisher,
		logger:    logger,
	}
}

// SearchResult is one page of rules
type SearchResult struct {
	Rules  []*core.Rule `json:"rules"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ============================================================================
// Reads
// ============================================================================

// GetByKey returns the rule with key, REMOVED rules included
func (s *RuleService) GetByKey(ctx context.Context, key core.RuleKey) (*core.Rule, error) {
	var rule *core.Rule
	err := s.store.Read(ctx, func(tx *storage.Tx) error {
		var err error
		rule, err = tx.SelectRuleByKey(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve rule %s: %w", key, err)
	}
	return rule, nil
}

// Search returns one page of rules matching q. The limit defaults to 50 and
// is capped at 500.
func (s *RuleService) Search(ctx context.Context, q storage.RuleQuery) (*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if q.Limit < 1 {
		q.Limit = defaultRulePageSize
	}
	if q.Limit > maxRulePageSize {
		q.Limit = maxRulePageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	res := &SearchResult{Limit: q.Limit, Offset: q.Offset}
	err := s.store.Read(ctx, func(tx *storage.Tx) error {
		var err error
		res.Rules, res.Total, err = tx.SearchRules(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search rules: %w", err)
	}
	if res.Rules == nil {
		res.Rules = []*core.Rule{}
	}
	return res, nil
}

// ListTags returns every user and system tag in use
func (s *RuleService) ListTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.store.Read(ctx, func(tx *storage.Tx) error {
		var err error
		tags, err = tx.SelectTags(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return tags, nil
}

// ListParams returns the params of the rule with key
func (s *RuleService) ListParams(ctx context.Context, key core.RuleKey) ([]*core.RuleParam, error) {
	var params []*core.RuleParam
	err := s.store.Read(ctx, func(tx *storage.Tx) error {
		rule, err := tx.SelectRuleByKey(ctx, key)
		if err != nil {
			return err
		}
		params, err = tx.SelectParams(ctx, rule.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list params of rule %s: %w", key, err)
	}
	return params, nil
}

// ============================================================================
// Writes
// ============================================================================

// CreateCustomRule instantiates a template rule. See RuleCreator.CreateCustomRule.
func (s *RuleService) CreateCustomRule(ctx context.Context, req NewCustomRule) (core.RuleKey, error) {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return core.RuleKey{}, err
	}
	res, err := s.creator.createCustomRule(ctx, req)
	if err != nil {
		return core.RuleKey{}, err
	}
	s.publishCreation(ctx, res)
	return res.rule.Key, nil
}

// CreateManualRule creates a rule in the manual repository
func (s *RuleService) CreateManualRule(ctx context.Context, req NewManualRule) (core.RuleKey, error) {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return core.RuleKey{}, err
	}
	res, err := s.creator.createManualRule(ctx, req)
	if err != nil {
		return core.RuleKey{}, err
	}
	s.publishCreation(ctx, res)
	return res.rule.Key, nil
}

// Update applies cs and reports whether the rule changed
func (s *RuleService) Update(ctx context.Context, cs Changeset) (bool, error) {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return false, err
	}
	changed, err := s.updater.Update(ctx, cs)
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(ctx, notify.NewRuleChange(notify.ChangeUpdated, cs.RuleKey().String(), 0, actor(ctx)))
	}
	return changed, nil
}

// Delete soft-deletes a custom or manual rule
func (s *RuleService) Delete(ctx context.Context, key core.RuleKey) error {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return err
	}
	removed, err := s.deleter.delete(ctx, key)
	if err != nil {
		return err
	}
	if removed {
		s.publish(ctx, notify.NewRuleChange(notify.ChangeRemoved, key.String(), 0, actor(ctx)))
	}
	return nil
}

func (s *RuleService) publishCreation(ctx context.Context, res *creation) {
	changeType := notify.ChangeCreated
	if res.reactivated {
		changeType = notify.ChangeReactivated
	}
	s.publish(ctx, notify.NewRuleChange(changeType, res.rule.Key.String(), res.rule.ID, actor(ctx)))
}

// publish never fails the write it announces
func (s *RuleService) publish(ctx context.Context, change notify.RuleChange) {
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.logger.Warnw("Failed to publish rule change", "rule", change.RuleKey, "type", change.Type, "error", err)
	}
}
