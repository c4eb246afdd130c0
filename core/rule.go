package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RuleStatus is the lifecycle status of a rule
type RuleStatus string

const (
	StatusReady      RuleStatus = "READY"
	StatusBeta       RuleStatus = "BETA"
	StatusDeprecated RuleStatus = "DEPRECATED"
	StatusRemoved    RuleStatus = "REMOVED"
)

// ParseRuleStatus parses a status name, case-insensitively
func ParseRuleStatus(s string) (RuleStatus, error) {
	switch RuleStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusReady:
		return StatusReady, nil
	case StatusBeta:
		return StatusBeta, nil
	case StatusDeprecated:
		return StatusDeprecated, nil
	case StatusRemoved:
		return StatusRemoved, nil
	}
	return "", fmt.Errorf("unknown rule status %q", s)
}

// Rule severities, lowest first
const (
	SeverityInfo     = "INFO"
	SeverityMinor    = "MINOR"
	SeverityMajor    = "MAJOR"
	SeverityCritical = "CRITICAL"
	SeverityBlocker  = "BLOCKER"
)

// Severities lists every recognized severity in ascending order
var Severities = []string{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker}

// IsValidSeverity reports whether s is one of Severities
func IsValidSeverity(s string) bool {
	for _, sev := range Severities {
		if sev == s {
			return true
		}
	}
	return false
}

// DescriptionFormat tags the markup of a rule description
type DescriptionFormat string

const (
	FormatHTML     DescriptionFormat = "HTML"
	FormatMarkdown DescriptionFormat = "MARKDOWN"
)

// ManualRepository holds rules created by users for manually tracked issues
const ManualRepository = "manual"

// DisabledCharacteristicID marks a rule whose debt was explicitly switched off
const DisabledCharacteristicID int64 = -1

var ruleKeyPartPattern = regexp.MustCompile(`^[\w]+$`)

// RuleKey identifies a rule by repository and rule key. Immutable once created.
type RuleKey struct {
	Repository string `json:"repository" yaml:"repository"`
	Rule       string `json:"rule" yaml:"rule"`
}

// NewRuleKey builds a RuleKey
func NewRuleKey(repository, rule string) RuleKey {
	return RuleKey{Repository: repository, Rule: rule}
}

// ParseRuleKey parses the "repository:rule" form
func ParseRuleKey(s string) (RuleKey, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return RuleKey{}, fmt.Errorf("invalid rule key %q: expected <repository>:<rule>", s)
	}
	return RuleKey{Repository: s[:idx], Rule: s[idx+1:]}, nil
}

// String returns the "repository:rule" form
func (k RuleKey) String() string {
	return k.Repository + ":" + k.Rule
}

// IsValidCustomRuleKey reports whether key can name a user-created rule
func IsValidCustomRuleKey(key string) bool {
	return ruleKeyPartPattern.MatchString(key)
}

// RemediationFunction estimates the cost of fixing an issue raised by a rule.
// The zero value means no function.
type RemediationFunction struct {
	Type        string `json:"type,omitempty" yaml:"type"`
	Coefficient string `json:"coefficient,omitempty" yaml:"coefficient"`
	Offset      string `json:"offset,omitempty" yaml:"offset"`
}

// Remediation function types
const (
	RemediationLinear        = "LINEAR"
	RemediationLinearOffset  = "LINEAR_OFFSET"
	RemediationConstantIssue = "CONSTANT_ISSUE"
)

// IsZero reports whether no function is set
func (f RemediationFunction) IsZero() bool {
	return f == RemediationFunction{}
}

// Validate checks that the function carries the values its type requires
func (f RemediationFunction) Validate() error {
	switch f.Type {
	case RemediationLinear:
		if f.Coefficient == "" || f.Offset != "" {
			return fmt.Errorf("linear functions must only have a non empty coefficient")
		}
	case RemediationLinearOffset:
		if f.Coefficient == "" || f.Offset == "" {
			return fmt.Errorf("linear with offset functions must have both non null coefficient and offset")
		}
	case RemediationConstantIssue:
		if f.Coefficient != "" || f.Offset == "" {
			return fmt.Errorf("constant/issue functions must only have a non empty offset")
		}
	default:
		return fmt.Errorf("unknown remediation function type %q", f.Type)
	}
	return nil
}

// RuleKind is the closed set of rule variants
type RuleKind int

const (
	// ProviderRule is declared by an analyzer repository
	ProviderRule RuleKind = iota
	// CustomRule is instantiated by a user from a template
	CustomRule
	// ManualRule belongs to the manual repository
	ManualRule
)

func (k RuleKind) String() string {
	switch k {
	case CustomRule:
		return "custom"
	case ManualRule:
		return "manual"
	default:
		return "provider"
	}
}

// Rule is a persisted analysis rule
type Rule struct {
	ID                int64             `json:"id"`
	Key               RuleKey           `json:"key"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	DescriptionFormat DescriptionFormat `json:"description_format,omitempty"`
	Status            RuleStatus        `json:"status"`
	Severity          string            `json:"severity,omitempty"`
	Language          string            `json:"language,omitempty"`
	ConfigKey         string            `json:"config_key,omitempty"`
	IsTemplate        bool              `json:"is_template"`
	TemplateID        *int64            `json:"template_id,omitempty"`

	DefaultSubCharacteristicID *int64              `json:"default_sub_characteristic_id,omitempty"`
	DefaultRemediation         RemediationFunction `json:"default_remediation"`
	SubCharacteristicID        *int64              `json:"sub_characteristic_id,omitempty"`
	Remediation                RemediationFunction `json:"remediation"`

	SystemTags []string `json:"system_tags"`
	Tags       []string `json:"tags"`

	NoteData      string     `json:"note_data,omitempty"`
	NoteUserLogin string     `json:"note_user_login,omitempty"`
	NoteCreatedAt *time.Time `json:"note_created_at,omitempty"`
	NoteUpdatedAt *time.Time `json:"note_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Kind derives the rule variant from its identity
func (r *Rule) Kind() RuleKind {
	if r.TemplateID != nil {
		return CustomRule
	}
	if r.Key.Repository == ManualRepository {
		return ManualRule
	}
	return ProviderRule
}

// IsRemoved reports whether the rule reached the terminal status
func (r *Rule) IsRemoved() bool {
	return r.Status == StatusRemoved
}

// HasOverriddenDebt reports whether override debt fields are set
func (r *Rule) HasOverriddenDebt() bool {
	return r.SubCharacteristicID != nil || !r.Remediation.IsZero()
}

// ClearDebtOverride resets override debt fields so the defaults apply
func (r *Rule) ClearDebtOverride() {
	r.SubCharacteristicID = nil
	r.Remediation = RemediationFunction{}
}

// Clone returns a deep copy, so merges can compute a next state without aliasing
func (r *Rule) Clone() *Rule {
	c := *r
	c.TemplateID = cloneID(r.TemplateID)
	c.DefaultSubCharacteristicID = cloneID(r.DefaultSubCharacteristicID)
	c.SubCharacteristicID = cloneID(r.SubCharacteristicID)
	c.SystemTags = append([]string(nil), r.SystemTags...)
	c.Tags = append([]string(nil), r.Tags...)
	if r.NoteCreatedAt != nil {
		t := *r.NoteCreatedAt
		c.NoteCreatedAt = &t
	}
	if r.NoteUpdatedAt != nil {
		t := *r.NoteUpdatedAt
		c.NoteUpdatedAt = &t
	}
	return &c
}

// SameDefinition reports whether two rules hold the same persisted values,
// ignoring identity and timestamps
func (r *Rule) SameDefinition(o *Rule) bool {
	return r.Name == o.Name &&
		r.Description == o.Description &&
		r.DescriptionFormat == o.DescriptionFormat &&
		r.Status == o.Status &&
		r.Severity == o.Severity &&
		r.Language == o.Language &&
		r.ConfigKey == o.ConfigKey &&
		r.IsTemplate == o.IsTemplate &&
		EqualIDs(r.TemplateID, o.TemplateID) &&
		EqualIDs(r.DefaultSubCharacteristicID, o.DefaultSubCharacteristicID) &&
		r.DefaultRemediation == o.DefaultRemediation &&
		EqualIDs(r.SubCharacteristicID, o.SubCharacteristicID) &&
		r.Remediation == o.Remediation &&
		sameSet(r.SystemTags, o.SystemTags) &&
		sameSet(r.Tags, o.Tags) &&
		r.NoteData == o.NoteData &&
		r.NoteUserLogin == o.NoteUserLogin
}

// EqualIDs compares two optional ids
func EqualIDs(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// IDPtr returns a pointer to id
func IDPtr(id int64) *int64 {
	return &id
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// RuleParam is a parameter declared on a rule
type RuleParam struct {
	ID           int64  `json:"id"`
	RuleID       int64  `json:"rule_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Description  string `json:"description,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
}

// Characteristic is a node of the technical debt taxonomy
type Characteristic struct {
	ID       int64  `json:"id"`
	Key      string `json:"key"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Enabled  bool   `json:"enabled"`
	Order    int    `json:"order,omitempty"`
}

// IsRoot reports whether the characteristic has no parent
func (c *Characteristic) IsRoot() bool {
	return c.ParentID == nil
}
