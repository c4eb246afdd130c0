package service

import (
	"context"
	"errors"
	"testing"

	"rulekeeper/core"
	"rulekeeper/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProfileService(f *fixture) *ProfileService {
	return NewProfileService(f.store, AllowAllGate{}, zap.NewNop().Sugar())
}

func TestCreateProfile(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)
	ctx := context.Background()

	profile, err := svc.CreateProfile(ctx, "Sonar way", "java")
	require.NoError(t, err)
	assert.NotZero(t, profile.ID)

	_, err = svc.CreateProfile(ctx, "Sonar way", "java")
	assert.ErrorIs(t, err, storage.ErrDuplicateProfile)

	_, err = svc.CreateProfile(ctx, " ", "")
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"The profile name is missing", "The profile language is missing"}, verr.Messages)
}

func TestActivate_DefaultsAndOverrides(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)
	custom := f.createCustomRule(t, "my_rule")
	profile := f.profile(t, "Default")

	active, err := svc.Activate(context.Background(), profile.ID, custom.Key, "", map[string]string{"max": "3"})
	require.NoError(t, err)
	assert.Equal(t, core.SeverityMinor, active.Severity, "severity defaults to the rule's")

	stored := f.activations(t, custom.Key)
	require.Len(t, stored, 1)
	params := stored[0].Params
	require.Len(t, params, 3)

	assert.Equal(t, "max", params[0].Key)
	assert.Equal(t, "3", params[0].Value)
	assert.True(t, params[0].Overridden)

	assert.Equal(t, "regex", params[1].Key)
	assert.Equal(t, "b.*", params[1].Value)
	assert.False(t, params[1].Overridden)

	assert.Equal(t, "strict", params[2].Key)
	assert.Equal(t, "false", params[2].Value)
	assert.False(t, params[2].Overridden)
}

func TestActivate_ExplicitSeverity(t *testing.T) {
	f := setupTestDB(t)
	active, err := newProfileService(f).Activate(context.Background(), f.profile(t, "Default").ID, providerKey, core.SeverityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, core.SeverityInfo, active.Severity)
	assert.Empty(t, active.Params)
}

func TestActivate_Rejections(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)
	ctx := context.Background()
	profile := f.profile(t, "Default")

	removed := f.createCustomRule(t, "gone")
	require.NoError(t, NewRuleDeleter(f.store, zap.NewNop().Sugar()).Delete(ctx, removed.Key))

	cobol, err := svc.CreateProfile(ctx, "Cobol way", "cobol")
	require.NoError(t, err)

	tests := []struct {
		name      string
		profileID int64
		key       core.RuleKey
		severity  string
		params    map[string]string
		messages  []string
	}{
		{
			name:      "template",
			profileID: profile.ID,
			key:       templateKey,
			messages:  []string{"A rule template can not be activated: squid:XPath"},
		},
		{
			name:      "removed",
			profileID: profile.ID,
			key:       removed.Key,
			messages:  []string{"Rule squid:gone is removed and cannot be activated"},
		},
		{
			name:      "language mismatch",
			profileID: cobol.ID,
			key:       providerKey,
			messages:  []string{"Rule squid:S001 and profile Cobol way have different languages"},
		},
		{
			name:      "bad severity and params",
			profileID: profile.ID,
			key:       f.createCustomRule(t, "my_rule").Key,
			severity:  "URGENT",
			params:    map[string]string{"max": "many", "color": "red"},
			messages: []string{
				`Severity "URGENT" is invalid`,
				"Parameter 'color' is not defined on rule squid:my_rule",
				"Value 'many' must be an integer.",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Activate(ctx, tt.profileID, tt.key, tt.severity, tt.params)
			var verr *core.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.messages, verr.Messages)
		})
	}

	listed, err := svc.ListActiveRules(ctx, profile.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestActivate_Duplicate(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)
	profile := f.profile(t, "Default")

	_, err := svc.Activate(context.Background(), profile.ID, providerKey, "", nil)
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), profile.ID, providerKey, "", nil)
	assert.ErrorIs(t, err, storage.ErrDuplicateActiveRule)
}

func TestActivate_UnknownProfileOrRule(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)

	_, err := svc.Activate(context.Background(), 999, providerKey, "", nil)
	assert.ErrorIs(t, err, storage.ErrProfileNotFound)

	_, err = svc.Activate(context.Background(), f.profile(t, "Default").ID, core.NewRuleKey("squid", "nope"), "", nil)
	assert.ErrorIs(t, err, storage.ErrRuleNotFound)
}

func TestDeactivate(t *testing.T) {
	f := setupTestDB(t)
	svc := newProfileService(f)
	ctx := context.Background()
	profile := f.profile(t, "Default")
	custom := f.createCustomRule(t, "my_rule")

	_, err := svc.Activate(ctx, profile.ID, custom.Key, "", nil)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, profile.ID, providerKey, "", nil)
	require.NoError(t, err)

	listed, err := svc.ListActiveRules(ctx, profile.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	require.NoError(t, svc.Deactivate(ctx, profile.ID, custom.Key))
	assert.Empty(t, f.activations(t, custom.Key))

	listed, err = svc.ListActiveRules(ctx, profile.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, providerKey, listed[0].RuleKey)

	assert.ErrorIs(t, svc.Deactivate(ctx, profile.ID, custom.Key), storage.ErrActiveRuleNotFound)

	_, err = svc.ListActiveRules(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrProfileNotFound)
}

func TestProfileService_RequiresRuleAdmin(t *testing.T) {
	f := setupTestDB(t)
	svc := NewProfileService(f.store, ClaimsGate{}, zap.NewNop().Sugar())
	ctx := context.Background()
	profile := f.profile(t, "Default")

	_, err := svc.CreateProfile(ctx, "Other", "java")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = svc.Activate(ctx, profile.ID, providerKey, "", nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, svc.Deactivate(ctx, profile.ID, providerKey), ErrPermissionDenied)

	_, err = svc.Activate(adminContext(), profile.ID, providerKey, "", nil)
	assert.NoError(t, err)
}
