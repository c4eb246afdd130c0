package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"rulekeeper/core"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// ProfileService manages quality profiles and the rules activated in them
type ProfileService struct {
	store  *storage.RuleStore
	gate   PermissionGate
	logger *zap.SugaredLogger
}

// NewProfileService creates a ProfileService
func NewProfileService(store *storage.RuleStore, gate PermissionGate, logger *zap.SugaredLogger) *ProfileService {
	if store == nil {
		panic("store is required")
	}
	if gate == nil {
		panic("gate is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &ProfileService{store: store, gate: gate, logger: logger}
}

// CreateProfile creates an empty quality profile for language
func (s *ProfileService) CreateProfile(ctx context.Context, name, language string) (*core.QualityProfile, error) {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return nil, err
	}
	verr := &core.ValidationError{}
	if strings.TrimSpace(name) == "" {
		verr.Add("The profile name is missing")
	}
	if strings.TrimSpace(language) == "" {
		verr.Add("The profile language is missing")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	profile := &core.QualityProfile{Name: name, Language: language}
	if err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertProfile(ctx, profile)
	}); err != nil {
		return nil, err
	}
	s.logger.Infow("Quality profile created", "id", profile.ID, "name", name, "language", language)
	return profile, nil
}

// Activate enables a rule in a profile. Params not given take the rule's
// default value; given values are stored as overrides that later changes of
// the rule defaults leave untouched. An empty severity takes the rule's.
func (s *ProfileService) Activate(ctx context.Context, profileID int64, key core.RuleKey, severity string, params map[string]string) (*core.ActiveRule, error) {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return nil, err
	}

	var active *core.ActiveRule
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		profile, err := tx.SelectProfile(ctx, profileID)
		if err != nil {
			return err
		}
		rule, err := tx.SelectRuleByKey(ctx, key)
		if err != nil {
			return err
		}
		ruleParams, err := tx.SelectParams(ctx, rule.ID)
		if err != nil {
			return err
		}

		verr := &core.ValidationError{}
		if rule.IsRemoved() {
			verr.Add("Rule %s is removed and cannot be activated", key)
		}
		if rule.IsTemplate {
			verr.Add("A rule template can not be activated: %s", key)
		}
		if rule.Language != "" && rule.Language != profile.Language {
			verr.Add("Rule %s and profile %s have different languages", key, profile.Name)
		}
		if severity == "" {
			severity = rule.Severity
		}
		if severity == "" {
			severity = core.SeverityMajor
		}
		if !core.IsValidSeverity(severity) {
			verr.Add("Severity \"%s\" is invalid", severity)
		}
		for _, name := range unknownParams(ruleParams, params) {
			verr.Add("Parameter '%s' is not defined on rule %s", name, key)
		}
		validateParamValues(verr, ruleParams, params)
		if err := verr.OrNil(); err != nil {
			return err
		}

		active = &core.ActiveRule{ProfileID: profile.ID, RuleID: rule.ID, RuleKey: rule.Key, Severity: severity}
		for _, p := range ruleParams {
			if v := strings.TrimSpace(params[p.Name]); v != "" {
				active.Params = append(active.Params, &core.ActiveRuleParam{RuleParamID: p.ID, Key: p.Name, Value: v, Overridden: true})
			} else if p.DefaultValue != "" {
				active.Params = append(active.Params, &core.ActiveRuleParam{RuleParamID: p.ID, Key: p.Name, Value: p.DefaultValue})
			}
		}
		return tx.InsertActiveRule(ctx, active)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Rule activated", "profile", profileID, "rule", key, "severity", active.Severity)
	return active, nil
}

// Deactivate removes a rule from a profile
func (s *ProfileService) Deactivate(ctx context.Context, profileID int64, key core.RuleKey) error {
	if err := s.gate.CheckCanAdministerRuleCatalog(ctx); err != nil {
		return err
	}
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		rule, err := tx.SelectRuleByKey(ctx, key)
		if err != nil {
			return err
		}
		active, err := tx.SelectActiveRule(ctx, profileID, rule.ID)
		if err != nil {
			return err
		}
		return tx.DeleteActiveRule(ctx, active.ID)
	})
	if err != nil {
		return err
	}
	s.logger.Infow("Rule deactivated", "profile", profileID, "rule", key)
	return nil
}

// ListActiveRules returns the activations of a profile with their params
func (s *ProfileService) ListActiveRules(ctx context.Context, profileID int64) ([]*core.ActiveRule, error) {
	var active []*core.ActiveRule
	err := s.store.Read(ctx, func(tx *storage.Tx) error {
		if _, err := tx.SelectProfile(ctx, profileID); err != nil {
			return err
		}
		var err error
		active, err = tx.SelectActiveRulesByProfile(ctx, profileID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules of profile %d: %w", profileID, err)
	}
	return active, nil
}

func unknownParams(declared []*core.RuleParam, values map[string]string) []string {
	known := make(map[string]bool, len(declared))
	for _, p := range declared {
		known[p.Name] = true
	}
	var unknown []string
	for name := range values {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}
