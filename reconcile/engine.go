// Package reconcile keeps the persisted rule catalog in line with the rules
// declared by the analyzers.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rulekeeper/cache"
	"rulekeeper/core"
	"rulekeeper/definitions"
	"rulekeeper/metrics"
	"rulekeeper/notify"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// Engine runs reconciliation passes. A pass is not safe to run concurrently
// with another pass on the same store.
type Engine struct {
	store     *storage.RuleStore
	source    definitions.Source
	rules     *cache.RuleCache
	publisher notify.Publisher
	logger    *zap.SugaredLogger
	batchSize int
}

// Option customizes an Engine
type Option func(*Engine)

// WithBatchSize sets how many removed rules are committed per transaction
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPublisher announces passes that changed the catalog
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// NewEngine creates an engine
func NewEngine(store *storage.RuleStore, source definitions.Source, rules *cache.RuleCache, logger *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		source:    source,
		rules:     rules,
		publisher: notify.NopPublisher{},
		logger:    logger,
		batchSize: core.DefaultReconcileBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pass holds the state of one run
type pass struct {
	report *Report

	// persisted non-manual rules not declared yet in this pass
	remaining map[core.RuleKey]*core.Rule
	declared  map[core.RuleKey]bool

	characteristics map[string]*core.Characteristic

	// rules transitioned to REMOVED in this pass
	removed []*core.Rule
}

// Run reconciles the catalog with the rule definitions. Each repository is
// committed in its own transaction; a fatal error stops the pass and leaves
// the repositories already committed in place.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	e.rules.Start()
	defer e.rules.Stop()

	report, err := e.run(ctx)
	if err != nil {
		metrics.ReconcileFailures.Inc()
		e.logger.Errorw("Rule reconciliation failed", "error", err)
		return nil, err
	}

	report.Duration = time.Since(start)
	metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	metrics.RulesReconciled.WithLabelValues("created").Add(float64(report.RulesCreated))
	metrics.RulesReconciled.WithLabelValues("updated").Add(float64(report.RulesUpdated + report.CustomRulesSync))
	metrics.RulesReconciled.WithLabelValues("removed").Add(float64(report.RulesRemoved))
	metrics.ActiveRulesDeactivated.Add(float64(report.ActiveRulesDeactivated))

	e.logger.Infow("Rule reconciliation completed",
		"repositories", report.Repositories,
		"created", report.RulesCreated,
		"updated", report.RulesUpdated,
		"removed", report.RulesRemoved,
		"deactivated", report.ActiveRulesDeactivated,
		"cached_rules", e.rules.Len(),
		"duration", report.Duration)

	if report.Writes() > 0 {
		if err := e.publisher.Publish(ctx, notify.NewRuleChange(notify.ChangeReconciled, "", 0, "")); err != nil {
			e.logger.Warnf("Failed to announce reconciliation: %v", err)
		}
	}
	return report, nil
}

func (e *Engine) run(ctx context.Context) (*Report, error) {
	synced, err := e.seedDebtModel(ctx)
	if err != nil {
		return nil, err
	}

	declared, err := e.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule definitions: %w", err)
	}
	repos := definitions.ResolveExtensions(declared, e.logger)

	p, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	p.report.Repositories = len(repos)
	p.report.CharacteristicsSynced = synced

	for i := range repos {
		repo := &repos[i]
		err := e.store.InTx(ctx, func(tx *storage.Tx) error {
			for j := range repo.Rules {
				if err := e.registerRule(ctx, tx, p, repo, &repo.Rules[j]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register rules of repository %s: %w", repo.Key, err)
		}
	}

	if err := e.processRemaining(ctx, p); err != nil {
		return nil, err
	}
	if err := e.deactivateRemoved(ctx, p, repos); err != nil {
		return nil, err
	}
	return p.report, nil
}

// load indexes the persisted provider and custom rules by key and the
// enabled characteristics by key
func (e *Engine) load(ctx context.Context) (*pass, error) {
	p := &pass{
		report:    &Report{},
		remaining: make(map[core.RuleKey]*core.Rule),
		declared:  make(map[core.RuleKey]bool),
	}
	err := e.store.Read(ctx, func(tx *storage.Tx) error {
		rules, err := tx.SelectNonManualRules(ctx)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			p.remaining[rule.Key] = rule
			e.rules.Put(rule)
		}
		p.characteristics, err = tx.SelectEnabledCharacteristics(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	e.logger.Debugf("Loaded %d persisted rules and %d characteristics", len(p.remaining), len(p.characteristics))
	return p, nil
}

// seedDebtModel synchronizes the characteristics when the source declares a
// debt model and returns the number of characteristics written
func (e *Engine) seedDebtModel(ctx context.Context) (int, error) {
	source, ok := e.source.(definitions.DebtModelSource)
	if !ok {
		return 0, nil
	}
	model, err := source.LoadDebtModel(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load debt model: %w", err)
	}
	if len(model) == 0 {
		return 0, nil
	}

	nodes := make([]storage.CharacteristicNode, 0, len(model))
	for _, c := range model {
		nodes = append(nodes, storage.CharacteristicNode{
			Key:       c.Key,
			Name:      c.Name,
			ParentKey: c.ParentKey,
			Enabled:   !c.Disabled,
			Order:     c.Order,
		})
	}
	var written int
	if err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		written, err = tx.SyncCharacteristics(ctx, nodes)
		return err
	}); err != nil {
		return 0, fmt.Errorf("failed to synchronize debt model: %w", err)
	}
	e.logger.Debugf("Synchronized %d debt characteristics, %d written", len(nodes), written)
	return written, nil
}

// processRemaining removes the undeclared rules, then reconciles the custom
// rules against their templates once every template is up to date
func (e *Engine) processRemaining(ctx context.Context, p *pass) error {
	var customs, obsolete []*core.Rule
	for _, rule := range p.remaining {
		switch {
		case rule.TemplateID != nil:
			customs = append(customs, rule)
		case !rule.IsRemoved():
			obsolete = append(obsolete, rule)
		}
	}
	sortByID(customs)
	sortByID(obsolete)

	for start := 0; start < len(obsolete); start += e.batchSize {
		end := start + e.batchSize
		if end > len(obsolete) {
			end = len(obsolete)
		}
		batch := obsolete[start:end]
		err := e.store.InTx(ctx, func(tx *storage.Tx) error {
			for _, rule := range batch {
				if err := e.removeRule(ctx, tx, p, rule); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to remove undeclared rules: %w", err)
		}
	}

	if len(customs) == 0 {
		return nil
	}
	err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, custom := range customs {
			if err := e.reconcileCustomRule(ctx, tx, p, custom); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile custom rules: %w", err)
	}
	return nil
}

// reconcileCustomRule removes a custom rule whose template is gone, or copies
// the template-owned fields onto it. REMOVED custom rules stay removed.
func (e *Engine) reconcileCustomRule(ctx context.Context, tx *storage.Tx, p *pass, custom *core.Rule) error {
	if custom.IsRemoved() {
		return nil
	}

	template, err := e.template(ctx, tx, *custom.TemplateID)
	if err != nil {
		return err
	}
	if template == nil || template.IsRemoved() {
		e.logger.Infof("Template of custom rule %s is gone", custom.Key)
		return e.removeRule(ctx, tx, p, custom)
	}

	next := custom.Clone()
	next.Language = template.Language
	next.ConfigKey = template.ConfigKey
	next.DefaultSubCharacteristicID = template.DefaultSubCharacteristicID
	next.DefaultRemediation = template.DefaultRemediation
	if next.Severity == "" {
		next.Severity = template.Severity
	}
	next.Status = template.Status

	if next.SameDefinition(custom) {
		return nil
	}
	if err := tx.UpdateRule(ctx, next); err != nil {
		return err
	}
	e.rules.Put(next)
	p.report.CustomRulesSync++
	return nil
}

// template resolves a template rule by id through the cache
func (e *Engine) template(ctx context.Context, tx *storage.Tx, id int64) (*core.Rule, error) {
	if rule, ok := e.rules.Get(id); ok {
		return rule, nil
	}
	rule, err := tx.SelectRuleByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	e.rules.Put(rule)
	return rule, nil
}

// removeRule transitions a rule to REMOVED and clears its tags
func (e *Engine) removeRule(ctx context.Context, tx *storage.Tx, p *pass, rule *core.Rule) error {
	e.logger.Infof("Disable rule %s", rule.Key)
	next := rule.Clone()
	next.Status = core.StatusRemoved
	next.SystemTags = []string{}
	next.Tags = []string{}
	if err := tx.UpdateRule(ctx, next); err != nil {
		return err
	}
	e.rules.Put(next)
	p.removed = append(p.removed, next)
	p.report.RulesRemoved++
	return nil
}

// deactivateRemoved deletes the activations of the rules removed in this pass.
// Rules of a repository that is no longer declared keep their activations so
// a temporarily missing analyzer does not wipe the quality profiles.
func (e *Engine) deactivateRemoved(ctx context.Context, p *pass, repos []definitions.Repository) error {
	if len(p.removed) == 0 {
		return nil
	}
	declared := make(map[string]bool, len(repos))
	for _, repo := range repos {
		declared[repo.Key] = true
	}

	err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, rule := range p.removed {
			if !declared[rule.Key.Repository] {
				continue
			}
			n, err := tx.DeleteActiveRulesByRule(ctx, rule.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				e.logger.Debugf("Deactivated rule %s from %d profiles", rule.Key, n)
			}
			p.report.ActiveRulesDeactivated += n
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate removed rules: %w", err)
	}
	return nil
}

func sortByID(rules []*core.Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
