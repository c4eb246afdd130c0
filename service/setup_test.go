package service

import (
	"context"
	"sync"
	"testing"

	"rulekeeper/core"
	"rulekeeper/notify"
	"rulekeeper/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	templateKey = core.NewRuleKey("squid", "XPath")
	providerKey = core.NewRuleKey("squid", "S001")
)

type fixture struct {
	store           *storage.RuleStore
	template        *core.Rule
	provider        *core.Rule
	characteristics map[string]*core.Characteristic
}

// setupTestDB seeds a debt model, a template rule with three params and a
// provider rule
func setupTestDB(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	sqlite, err := storage.NewInMemorySQLite(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	store := storage.NewRuleStore(sqlite, zap.NewNop().Sugar())

	f := &fixture{store: store}
	require.NoError(t, store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.SyncCharacteristics(ctx, []storage.CharacteristicNode{
			{Key: "RELIABILITY", Name: "Reliability", Enabled: true},
			{Key: "EXCEPTION_HANDLING", Name: "Exception handling", ParentKey: "RELIABILITY", Enabled: true},
			{Key: "MEMORY_EFFICIENCY", Name: "Memory efficiency", ParentKey: "RELIABILITY", Enabled: true},
		}); err != nil {
			return err
		}
		var err error
		if f.characteristics, err = tx.SelectEnabledCharacteristics(ctx); err != nil {
			return err
		}
		defaultChar := core.IDPtr(f.characteristics["EXCEPTION_HANDLING"].ID)

		f.template = &core.Rule{
			Key:                        templateKey,
			Name:                       "XPath rule template",
			Description:                "Match an XPath expression",
			DescriptionFormat:          core.FormatHTML,
			Status:                     core.StatusReady,
			Severity:                   core.SeverityMajor,
			Language:                   "java",
			ConfigKey:                  "XPathCheck",
			IsTemplate:                 true,
			DefaultSubCharacteristicID: defaultChar,
			DefaultRemediation:         core.RemediationFunction{Type: core.RemediationLinearOffset, Coefficient: "1d", Offset: "5min"},
			SystemTags:                 []string{"xpath"},
			Tags:                       []string{"custom"},
		}
		if err := tx.InsertRule(ctx, f.template); err != nil {
			return err
		}
		for _, p := range []*core.RuleParam{
			{Name: "regex", Type: "STRING", DefaultValue: "a.*"},
			{Name: "max", Type: "INTEGER"},
			{Name: "strict", Type: "BOOLEAN", DefaultValue: "false"},
		} {
			p.RuleID = f.template.ID
			if err := tx.InsertParam(ctx, p); err != nil {
				return err
			}
		}

		f.provider = &core.Rule{
			Key:                        providerKey,
			Name:                       "Null pointers should not be dereferenced",
			Status:                     core.StatusReady,
			Severity:                   core.SeverityCritical,
			Language:                   "java",
			DefaultSubCharacteristicID: defaultChar,
			DefaultRemediation:         core.RemediationFunction{Type: core.RemediationLinearOffset, Coefficient: "1d", Offset: "5min"},
			SystemTags:                 []string{"java8", "javadoc"},
		}
		return tx.InsertRule(ctx, f.provider)
	}))
	return f
}

func (f *fixture) rule(t *testing.T, key core.RuleKey) *core.Rule {
	t.Helper()
	var rule *core.Rule
	require.NoError(t, f.store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		rule, err = tx.SelectRuleByKey(context.Background(), key)
		return err
	}))
	return rule
}

func (f *fixture) params(t *testing.T, key core.RuleKey) map[string]*core.RuleParam {
	t.Helper()
	rule := f.rule(t, key)
	var params []*core.RuleParam
	require.NoError(t, f.store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		params, err = tx.SelectParams(context.Background(), rule.ID)
		return err
	}))
	byName := make(map[string]*core.RuleParam, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	return byName
}

func (f *fixture) activations(t *testing.T, key core.RuleKey) []*core.ActiveRule {
	t.Helper()
	rule := f.rule(t, key)
	var active []*core.ActiveRule
	require.NoError(t, f.store.Read(context.Background(), func(tx *storage.Tx) error {
		var err error
		active, err = tx.SelectActiveRules(context.Background(), rule.ID)
		return err
	}))
	return active
}

// newCustomRule returns a valid creation request for the fixture template
func newCustomRule(key string) NewCustomRule {
	return NewCustomRule{
		TemplateKey:     templateKey,
		RuleKey:         key,
		Name:            "My custom rule",
		HTMLDescription: "Some description",
		Severity:        core.SeverityMinor,
		Status:          core.StatusReady,
		Params:          map[string]string{"regex": "b.*"},
	}
}

func (f *fixture) createCustomRule(t *testing.T, key string) *core.Rule {
	t.Helper()
	ruleKey, err := NewRuleCreator(f.store, zap.NewNop().Sugar()).CreateCustomRule(context.Background(), newCustomRule(key))
	require.NoError(t, err)
	return f.rule(t, ruleKey)
}

func (f *fixture) profile(t *testing.T, name string) *core.QualityProfile {
	t.Helper()
	profile, err := NewProfileService(f.store, AllowAllGate{}, zap.NewNop().Sugar()).CreateProfile(context.Background(), name, "java")
	require.NoError(t, err)
	return profile
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

func adminContext() context.Context {
	return WithPrincipal(context.Background(), Principal{Login: "admin", Roles: []string{RoleRuleAdmin}})
}
