package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rulekeeper/cache"
	"rulekeeper/core"
	"rulekeeper/definitions"
	"rulekeeper/notify"
	"rulekeeper/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var debtModel = []definitions.Characteristic{
	{Key: "RELIABILITY", Name: "Reliability", Order: 1},
	{Key: "EXCEPTION_HANDLING", Name: "Exception handling", ParentKey: "RELIABILITY"},
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []notify.RuleChange
}

func (r *recordingPublisher) Publish(_ context.Context, c notify.RuleChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func setupTestStore(t *testing.T) *storage.RuleStore {
	t.Helper()
	sqlite, err := storage.NewInMemorySQLite(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return storage.NewRuleStore(sqlite, zap.NewNop().Sugar())
}

func newEngine(t *testing.T, store *storage.RuleStore, source definitions.Source, opts ...Option) *Engine {
	t.Helper()
	rules, err := cache.New(100)
	require.NoError(t, err)
	return NewEngine(store, source, rules, zap.NewNop().Sugar(), opts...)
}

func squidRepository() definitions.Repository {
	return definitions.Repository{
		Key:      "squid",
		Name:     "SonarJava",
		Language: "java",
		Rules: []definitions.RuleDefinition{
			{
				Key:                   "S001",
				Name:                  "Null pointers should not be dereferenced",
				HTMLDescription:       "<p>Avoid NPE</p>",
				InternalKey:           "NullDeref",
				Severity:              core.SeverityCritical,
				Tags:                  []string{"bug"},
				DebtSubCharacteristic: "EXCEPTION_HANDLING",
				DebtRemediation:       &core.RemediationFunction{Type: core.RemediationLinear, Coefficient: "5min"},
				Params:                []definitions.ParamDefinition{{Name: "max", Type: "INTEGER", DefaultValue: "10"}},
			},
			{
				Key:                 "XPath",
				Name:                "XPath rule template",
				MarkdownDescription: "Match an *XPath* expression",
				InternalKey:         "XPathCheck",
				Template:            true,
				Params:              []definitions.ParamDefinition{{Name: "expression", Type: "STRING"}},
			},
		},
	}
}

func getRule(t *testing.T, store *storage.RuleStore, key core.RuleKey) *core.Rule {
	t.Helper()
	var rule *core.Rule
	require.NoError(t, store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		rule, err = tx.SelectRuleByKey(context.Background(), key)
		return err
	}))
	return rule
}

func getParams(t *testing.T, store *storage.RuleStore, ruleID int64) map[string]*core.RuleParam {
	t.Helper()
	var params []*core.RuleParam
	require.NoError(t, store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		params, err = tx.SelectParams(context.Background(), ruleID)
		return err
	}))
	byName := make(map[string]*core.RuleParam, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	return byName
}

func getActivations(t *testing.T, store *storage.RuleStore, ruleID int64) []*core.ActiveRule {
	t.Helper()
	var active []*core.ActiveRule
	require.NoError(t, store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		active, err = tx.SelectActiveRules(context.Background(), ruleID)
		return err
	}))
	return active
}

// activate puts rule in a new profile with the given param values
func activate(t *testing.T, store *storage.RuleStore, rule *core.Rule, params map[string]string) *core.ActiveRule {
	t.Helper()
	ctx := context.Background()
	active := &core.ActiveRule{RuleID: rule.ID, RuleKey: rule.Key, Severity: rule.Severity}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error {
		profile := &core.QualityProfile{Name: "profile-" + rule.Key.String(), Language: rule.Language}
		if err := tx.InsertProfile(ctx, profile); err != nil {
			return err
		}
		active.ProfileID = profile.ID
		ruleParams, err := tx.SelectParams(ctx, rule.ID)
		if err != nil {
			return err
		}
		for _, rp := range ruleParams {
			if v, ok := params[rp.Name]; ok {
				active.Params = append(active.Params, &core.ActiveRuleParam{RuleParamID: rp.ID, Key: rp.Name, Value: v})
			}
		}
		return tx.InsertActiveRule(ctx, active)
	}))
	return active
}

func TestRun_CreatesDeclaredRules(t *testing.T) {
	store := setupTestStore(t)
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}

	report, err := newEngine(t, store, source).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Repositories)
	assert.Equal(t, 2, report.RulesCreated)
	assert.Equal(t, 2, report.ParamsCreated)
	assert.Zero(t, report.RulesRemoved)

	s001 := getRule(t, store, core.NewRuleKey("squid", "S001"))
	assert.Equal(t, "Null pointers should not be dereferenced", s001.Name)
	assert.Equal(t, core.FormatHTML, s001.DescriptionFormat)
	assert.Equal(t, core.SeverityCritical, s001.Severity)
	assert.Equal(t, core.StatusReady, s001.Status)
	assert.Equal(t, "java", s001.Language)
	assert.Equal(t, "NullDeref", s001.ConfigKey)
	assert.Equal(t, []string{"bug"}, s001.SystemTags)
	require.NotNil(t, s001.DefaultSubCharacteristicID)
	assert.Equal(t, core.RemediationFunction{Type: core.RemediationLinear, Coefficient: "5min"}, s001.DefaultRemediation)
	assert.Nil(t, s001.SubCharacteristicID)

	template := getRule(t, store, core.NewRuleKey("squid", "XPath"))
	assert.True(t, template.IsTemplate)
	assert.Equal(t, core.FormatMarkdown, template.DescriptionFormat)
	assert.Equal(t, core.SeverityMajor, template.Severity)

	params := getParams(t, store, s001.ID)
	require.Contains(t, params, "max")
	assert.Equal(t, "INTEGER", params["max"].Type)
	assert.Equal(t, "10", params["max"].DefaultValue)
}

func TestRun_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	publisher := &recordingPublisher{}
	engine := newEngine(t, store, source, WithPublisher(publisher))

	first, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, first.Writes())
	before := getRule(t, store, core.NewRuleKey("squid", "S001"))

	second, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Writes(), "unchanged definitions must not write")
	assert.Equal(t, 2, second.RulesDeclared)

	after := getRule(t, store, core.NewRuleKey("squid", "S001"))
	assert.True(t, before.SameDefinition(after))
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	require.Len(t, publisher.changes, 1, "only the pass that wrote is announced")
	assert.Equal(t, notify.ChangeReconciled, publisher.changes[0].Type)
}

func TestRun_UpdatesChangedDefinition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	repo := squidRepository()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{repo}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// user tags that collide with new system tags are dropped
	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	rule.Tags = []string{"pitfall", "cert"}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error { return tx.UpdateRule(ctx, rule) }))

	source.Repositories[0].Rules[0].Name = "Renamed"
	source.Repositories[0].Rules[0].Tags = []string{"bug", "cert"}
	source.Repositories[0].Rules[0].DebtSubCharacteristic = ""

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesUpdated)
	assert.Zero(t, report.RulesCreated)

	updated := getRule(t, store, core.NewRuleKey("squid", "S001"))
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, []string{"bug", "cert"}, updated.SystemTags)
	assert.Equal(t, []string{"pitfall"}, updated.Tags)
	assert.Nil(t, updated.DefaultSubCharacteristicID, "no declared characteristic clears the debt defaults")
	assert.True(t, updated.DefaultRemediation.IsZero())
}

func TestRun_ExampleScenarioParams(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// persisted repo:R1 with p1 defaulting to "old", activated once
	existing := &core.Rule{Key: core.NewRuleKey("repo", "R1"), Name: "R1", Status: core.StatusReady, Severity: core.SeverityMajor, Language: "java"}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertRule(ctx, existing); err != nil {
			return err
		}
		return tx.InsertParam(ctx, &core.RuleParam{RuleID: existing.ID, Name: "p1", Type: "STRING", DefaultValue: "old"})
	}))
	activate(t, store, existing, map[string]string{"p1": "old"})

	source := &definitions.StaticSource{Repositories: []definitions.Repository{{
		Key: "repo", Language: "java",
		Rules: []definitions.RuleDefinition{{
			Key: "R1", Name: "R1",
			Params: []definitions.ParamDefinition{
				{Name: "p1", Type: "STRING", DefaultValue: "a"},
				{Name: "p2", Type: "STRING"},
			},
		}},
	}}}

	report, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ParamsUpdated)
	assert.Equal(t, 1, report.ParamsCreated)
	assert.Zero(t, report.ActiveRuleParamsPropagated, "p2 has no default to propagate")

	params := getParams(t, store, existing.ID)
	assert.Equal(t, "a", params["p1"].DefaultValue)
	require.Contains(t, params, "p2")
	assert.Equal(t, "", params["p2"].DefaultValue)

	activations := getActivations(t, store, existing.ID)
	require.Len(t, activations, 1)
	assert.Nil(t, activations[0].FindParam("p2"))
	assert.Equal(t, "old", activations[0].FindParam("p1").Value)
}

func TestRun_NewParamDefaultPropagatesToActivations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	activate(t, store, rule, map[string]string{"max": "10"})

	source.Repositories[0].Rules[0].Params = append(source.Repositories[0].Rules[0].Params,
		definitions.ParamDefinition{Name: "format", Type: "STRING", DefaultValue: "^[a-z]+$"})

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ParamsCreated)
	assert.Equal(t, 1, report.ActiveRuleParamsPropagated)

	activations := getActivations(t, store, rule.ID)
	require.Len(t, activations, 1)
	require.NotNil(t, activations[0].FindParam("format"))
	assert.Equal(t, "^[a-z]+$", activations[0].FindParam("format").Value)
}

func TestRun_UndeclaredParamCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	activate(t, store, rule, map[string]string{"max": "25"})

	source.Repositories[0].Rules[0].Params = nil

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ParamsDeleted)
	assert.Empty(t, getParams(t, store, rule.ID))

	activations := getActivations(t, store, rule.ID)
	require.Len(t, activations, 1)
	assert.Empty(t, activations[0].Params)
}

func TestRun_RootCharacteristicIsFatal(t *testing.T) {
	store := setupTestStore(t)
	repo := squidRepository()
	repo.Rules[0].DebtSubCharacteristic = "RELIABILITY"
	source := &definitions.StaticSource{Repositories: []definitions.Repository{repo}, Characteristics: debtModel}

	_, err := newEngine(t, store, source).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRootCharacteristic))
	assert.Contains(t, err.Error(), "Rule 'squid:S001' cannot be linked on the root characteristic 'RELIABILITY'")

	var rootErr *RootCharacteristicError
	require.True(t, errors.As(err, &rootErr))
	assert.Equal(t, "RELIABILITY", rootErr.Characteristic)

	// the repository transaction was rolled back
	err = store.Read(context.Background(), func(tx *storage.Tx) error {
		_, err := tx.SelectRuleByKey(context.Background(), core.NewRuleKey("squid", "XPath"))
		return err
	})
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}

func TestRun_UnknownCharacteristicIsSkipped(t *testing.T) {
	store := setupTestStore(t)
	repo := squidRepository()
	repo.Rules[0].DebtSubCharacteristic = "MISSING"
	source := &definitions.StaticSource{Repositories: []definitions.Repository{repo}, Characteristics: debtModel}

	report, err := newEngine(t, store, source).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DebtAttachmentsSkipped)
	assert.Equal(t, 2, report.RulesCreated)

	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	assert.Nil(t, rule.DefaultSubCharacteristicID)
}

func TestRun_UnknownCharacteristicClearsExistingDebt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := core.NewRuleKey("squid", "S001")

	_, err := newEngine(t, store, &definitions.StaticSource{
		Repositories:    []definitions.Repository{squidRepository()},
		Characteristics: debtModel,
	}).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, getRule(t, store, key).DefaultSubCharacteristicID)

	repo := squidRepository()
	repo.Rules[0].DebtSubCharacteristic = "MISSING"
	repo.Rules[0].DebtRemediation = &core.RemediationFunction{Type: core.RemediationLinear, Coefficient: "99min"}
	report, err := newEngine(t, store, &definitions.StaticSource{
		Repositories:    []definitions.Repository{repo},
		Characteristics: debtModel,
	}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DebtAttachmentsSkipped)
	assert.Equal(t, 1, report.RulesUpdated)

	rule := getRule(t, store, key)
	assert.Nil(t, rule.DefaultSubCharacteristicID)
	assert.True(t, rule.DefaultRemediation.IsZero())
}

func TestRun_DisabledCharacteristicClearsExistingDebt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := core.NewRuleKey("squid", "S001")
	source := &definitions.StaticSource{
		Repositories:    []definitions.Repository{squidRepository()},
		Characteristics: debtModel,
	}

	_, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, getRule(t, store, key).DefaultSubCharacteristicID)

	// dropping the characteristic from the model disables it
	source.Characteristics = debtModel[:1]
	report, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CharacteristicsSynced)
	assert.Equal(t, 1, report.DebtAttachmentsSkipped)

	rule := getRule(t, store, key)
	assert.Nil(t, rule.DefaultSubCharacteristicID)
	assert.True(t, rule.DefaultRemediation.IsZero())
}

func TestRun_DebtModelWrittenOnlyWhenChanged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{
		Repositories:    []definitions.Repository{squidRepository()},
		Characteristics: debtModel,
	}

	first, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.CharacteristicsSynced)

	second, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.CharacteristicsSynced)

	renamed := []definitions.Characteristic{debtModel[0], debtModel[1]}
	renamed[0].Name = "Dependability"
	source.Characteristics = renamed
	third, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.CharacteristicsSynced)
}

func TestRun_RemovalSweepDeactivatesWhenRepositoryDeclared(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	rule.Tags = []string{"pitfall"}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error { return tx.UpdateRule(ctx, rule) }))
	activate(t, store, rule, nil)

	source.Repositories[0].Rules = source.Repositories[0].Rules[1:]

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesRemoved)
	assert.Equal(t, int64(1), report.ActiveRulesDeactivated)

	removed := getRule(t, store, rule.Key)
	assert.Equal(t, core.StatusRemoved, removed.Status)
	assert.Empty(t, removed.Tags)
	assert.Empty(t, removed.SystemTags)
	assert.Empty(t, getActivations(t, store, rule.ID))

	// already removed rows are left alone
	again, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
}

func TestRun_RemovalSweepKeepsActivationsOfVanishedRepository(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	js := definitions.Repository{Key: "javascript", Language: "js", Rules: []definitions.RuleDefinition{{Key: "J001", Name: "J001"}}}
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository(), js}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	rule := getRule(t, store, core.NewRuleKey("javascript", "J001"))
	activate(t, store, rule, nil)

	source.Repositories = source.Repositories[:1]

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesRemoved)
	assert.Zero(t, report.ActiveRulesDeactivated)

	assert.Equal(t, core.StatusRemoved, getRule(t, store, rule.Key).Status)
	assert.Len(t, getActivations(t, store, rule.ID), 1, "activations survive a missing analyzer")
}

func TestRun_RemovalSweepCommitsInBatches(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	repo := definitions.Repository{Key: "squid", Language: "java"}
	for _, key := range []string{"A", "B", "C", "D", "E"} {
		repo.Rules = append(repo.Rules, definitions.RuleDefinition{Key: key, Name: key})
	}
	source := &definitions.StaticSource{Repositories: []definitions.Repository{repo}}
	engine := newEngine(t, store, source, WithBatchSize(2))

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	source.Repositories[0].Rules = nil
	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.RulesRemoved)
	for _, key := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, core.StatusRemoved, getRule(t, store, core.NewRuleKey("squid", key)).Status)
	}
}

func insertCustomRule(t *testing.T, store *storage.RuleStore, template *core.Rule, key, severity string) *core.Rule {
	t.Helper()
	ctx := context.Background()
	custom := &core.Rule{
		Key:        core.NewRuleKey(template.Key.Repository, key),
		Name:       "Custom " + key,
		Status:     core.StatusReady,
		Severity:   severity,
		Language:   template.Language,
		ConfigKey:  template.ConfigKey,
		TemplateID: core.IDPtr(template.ID),
	}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error { return tx.InsertRule(ctx, custom) }))
	return custom
}

func TestRun_TemplateCascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	template := getRule(t, store, core.NewRuleKey("squid", "XPath"))
	custom := insertCustomRule(t, store, template, "my_xpath", core.SeverityMinor)
	activate(t, store, custom, nil)

	// the template is no longer declared
	source.Repositories[0].Rules = source.Repositories[0].Rules[:1]

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RulesRemoved, "template and its custom rule")
	assert.Equal(t, int64(1), report.ActiveRulesDeactivated)
	assert.Equal(t, core.StatusRemoved, getRule(t, store, custom.Key).Status)

	// declaring the template again does not bring removed custom rules back
	source.Repositories[0] = squidRepository()
	report, err = engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesUpdated)
	assert.Equal(t, core.StatusReady, getRule(t, store, template.Key).Status)
	assert.Equal(t, core.StatusRemoved, getRule(t, store, custom.Key).Status)
}

func TestRun_CustomRulesFollowTheirTemplate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	template := getRule(t, store, core.NewRuleKey("squid", "XPath"))
	withSeverity := insertCustomRule(t, store, template, "with_severity", core.SeverityBlocker)
	withoutSeverity := insertCustomRule(t, store, template, "without_severity", "")

	xpath := &source.Repositories[0].Rules[1]
	xpath.InternalKey = "XPathCheckV2"
	xpath.Status = core.StatusDeprecated
	xpath.DebtSubCharacteristic = "EXCEPTION_HANDLING"
	xpath.DebtRemediation = &core.RemediationFunction{Type: core.RemediationConstantIssue, Offset: "10min"}

	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesUpdated)
	assert.Equal(t, 2, report.CustomRulesSync)

	for _, key := range []core.RuleKey{withSeverity.Key, withoutSeverity.Key} {
		custom := getRule(t, store, key)
		assert.Equal(t, "XPathCheckV2", custom.ConfigKey)
		assert.Equal(t, core.StatusDeprecated, custom.Status)
		require.NotNil(t, custom.DefaultSubCharacteristicID)
		assert.Equal(t, core.RemediationConstantIssue, custom.DefaultRemediation.Type)
	}
	assert.Equal(t, core.SeverityBlocker, getRule(t, store, withSeverity.Key).Severity)
	assert.Equal(t, core.SeverityMajor, getRule(t, store, withoutSeverity.Key).Severity, "unset severity comes from the template")

	again, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
}

func TestRun_ExtensionsJoinTheirBaseRepository(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{
		squidRepository(),
		{Extends: "squid", Language: "java", Rules: []definitions.RuleDefinition{{Key: "S900", Name: "Contributed"}}},
		{Extends: "missing", Language: "java", Rules: []definitions.RuleDefinition{{Key: "M1", Name: "Orphan"}}},
	}, Characteristics: debtModel}

	report, err := newEngine(t, store, source).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.RulesCreated)

	assert.Equal(t, "java", getRule(t, store, core.NewRuleKey("squid", "S900")).Language)
	err = store.Read(ctx, func(tx *storage.Tx) error {
		_, err := tx.SelectRuleByKey(ctx, core.NewRuleKey("missing", "M1"))
		return err
	})
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}

func TestRun_ReactivatesRedeclaredRule(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	source := &definitions.StaticSource{Repositories: []definitions.Repository{squidRepository()}, Characteristics: debtModel}
	engine := newEngine(t, store, source)

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	source.Repositories[0].Rules = source.Repositories[0].Rules[1:]
	_, err = engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, core.StatusRemoved, getRule(t, store, core.NewRuleKey("squid", "S001")).Status)

	source.Repositories[0] = squidRepository()
	report, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesUpdated)

	rule := getRule(t, store, core.NewRuleKey("squid", "S001"))
	assert.Equal(t, core.StatusReady, rule.Status)
	assert.Equal(t, []string{"bug"}, rule.SystemTags)
}

func TestRun_ManualRulesAreIgnored(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	manual := &core.Rule{Key: core.NewRuleKey(core.ManualRepository, "review"), Name: "Review", Status: core.StatusReady}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error { return tx.InsertRule(ctx, manual) }))

	report, err := newEngine(t, store, &definitions.StaticSource{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RulesRemoved)
	assert.Equal(t, core.StatusReady, getRule(t, store, manual.Key).Status)
}

func TestRun_SourceFailure(t *testing.T) {
	store := setupTestStore(t)
	source := &definitions.StaticSource{Repositories: []definitions.Repository{{Key: "", Language: "java"}}}

	_, err := newEngine(t, store, source).Run(context.Background())
	assert.Error(t, err)
}
