package service

import (
	"context"
	"errors"
)

// RoleRuleAdmin is the role required to administer the rule catalog
const RoleRuleAdmin = "rule_admin"

// ErrPermissionDenied is returned when the caller may not administer rules
var ErrPermissionDenied = errors.New("insufficient privileges to administer the rule catalog")

// PermissionGate decides whether the caller of a write operation may proceed
type PermissionGate interface {
	CheckCanAdministerRuleCatalog(ctx context.Context) error
}

// Principal is the authenticated caller
type Principal struct {
	Login string
	Roles []string
}

// HasRole reports whether the principal carries role
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller attached by WithPrincipal
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actor returns the login recorded on notes and change events
func actor(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.Login
	}
	return ""
}

// ClaimsGate admits callers whose token claims carry RoleRuleAdmin
type ClaimsGate struct{}

// CheckCanAdministerRuleCatalog implements PermissionGate
func (ClaimsGate) CheckCanAdministerRuleCatalog(ctx context.Context) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || !p.HasRole(RoleRuleAdmin) {
		return ErrPermissionDenied
	}
	return nil
}

// AllowAllGate admits every caller. Used when authentication is disabled.
type AllowAllGate struct{}

// CheckCanAdministerRuleCatalog implements PermissionGate
func (AllowAllGate) CheckCanAdministerRuleCatalog(context.Context) error { return nil }
