// Package core defines the domain model of the rule catalog.
//
// # Rules
//
// A Rule is identified by a RuleKey (repository, rule) and is one of three
// kinds, derived from its identity:
//   - ProviderRule: declared by an analyzer repository and reconciled at startup
//   - CustomRule: instantiated by a user from a template rule
//   - ManualRule: created directly in the manual repository
//
// Rules are never deleted. REMOVED is the terminal status; only a custom or
// manual rule can leave it, through re-creation with the same key.
//
// # Tags
//
// System tags come from the rule declaration, user tags from users. The two
// sets never intersect: ApplyTags and ApplySystemTags drop user tags that
// collide with a system tag.
package core
