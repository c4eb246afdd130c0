// Package cache holds the rule lookup cache used during reconciliation.
package cache

import (
	"fmt"
	"sync/atomic"

	"rulekeeper/core"
	"rulekeeper/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RuleCache is an LRU of rules by id. It only serves lookups between Start
// and Stop; outside that window every Get misses and Put is ignored, so a
// stale entry can never outlive the pass that filled it.
type RuleCache struct {
	rules   *lru.Cache[int64, *core.Rule]
	started atomic.Bool
}

// New creates a stopped cache holding at most size rules
func New(size int) (*RuleCache, error) {
	if size <= 0 {
		size = core.DefaultRuleCacheSize
	}
	rules, err := lru.New[int64, *core.Rule](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule cache: %w", err)
	}
	return &RuleCache{rules: rules}, nil
}

// Start empties the cache and begins serving lookups
func (c *RuleCache) Start() {
	c.rules.Purge()
	c.started.Store(true)
}

// Stop stops serving lookups and drops every entry
func (c *RuleCache) Stop() {
	c.started.Store(false)
	c.rules.Purge()
}

// Get returns a copy of the cached rule
func (c *RuleCache) Get(id int64) (*core.Rule, bool) {
	if !c.started.Load() {
		return nil, false
	}
	rule, ok := c.rules.Get(id)
	if !ok {
		metrics.RuleCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.RuleCacheLookups.WithLabelValues("hit").Inc()
	return rule.Clone(), true
}

// Put stores a copy of rule
func (c *RuleCache) Put(rule *core.Rule) {
	if !c.started.Load() || rule == nil || rule.ID == 0 {
		return
	}
	c.rules.Add(rule.ID, rule.Clone())
}

// Len returns the number of cached rules
func (c *RuleCache) Len() int {
	return c.rules.Len()
}
