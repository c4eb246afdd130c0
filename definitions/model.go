package definitions

import (
	"fmt"

	"rulekeeper/core"
)

// Repository is a set of rules declared by one analyzer for one language.
// A repository with Extends set contributes its rules to the repository it names.
type Repository struct {
	Key      string           `json:"repository" yaml:"repository"`
	Name     string           `json:"name,omitempty" yaml:"name"`
	Language string           `json:"language" yaml:"language"`
	Extends  string           `json:"extends,omitempty" yaml:"extends"`
	Rules    []RuleDefinition `json:"rules" yaml:"rules"`
}

// RuleDefinition is a rule as declared by its analyzer
type RuleDefinition struct {
	Key                   string                    `json:"key" yaml:"key"`
	Name                  string                    `json:"name" yaml:"name"`
	HTMLDescription       string                    `json:"html_description,omitempty" yaml:"html_description"`
	MarkdownDescription   string                    `json:"markdown_description,omitempty" yaml:"markdown_description"`
	InternalKey           string                    `json:"internal_key,omitempty" yaml:"internal_key"`
	Severity              string                    `json:"severity,omitempty" yaml:"severity"`
	Status                core.RuleStatus           `json:"status,omitempty" yaml:"status"`
	Template              bool                      `json:"template,omitempty" yaml:"template"`
	Tags                  []string                  `json:"tags,omitempty" yaml:"tags"`
	DebtSubCharacteristic string                    `json:"debt_sub_characteristic,omitempty" yaml:"debt_sub_characteristic"`
	DebtRemediation       *core.RemediationFunction `json:"debt_remediation,omitempty" yaml:"debt_remediation"`
	Params                []ParamDefinition         `json:"params,omitempty" yaml:"params"`
}

// ParamDefinition is a rule parameter as declared by its analyzer
type ParamDefinition struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type,omitempty" yaml:"type"`
	Description  string `json:"description,omitempty" yaml:"description"`
	DefaultValue string `json:"default_value,omitempty" yaml:"default_value"`
}

// Description returns the declared description and its format. HTML wins
// when both are declared.
func (d *RuleDefinition) Description() (string, core.DescriptionFormat) {
	if d.HTMLDescription != "" {
		return d.HTMLDescription, core.FormatHTML
	}
	if d.MarkdownDescription != "" {
		return d.MarkdownDescription, core.FormatMarkdown
	}
	return "", ""
}

// EffectiveSeverity defaults to MAJOR
func (d *RuleDefinition) EffectiveSeverity() string {
	if d.Severity == "" {
		return core.SeverityMajor
	}
	return d.Severity
}

// EffectiveStatus defaults to READY
func (d *RuleDefinition) EffectiveStatus() core.RuleStatus {
	if d.Status == "" {
		return core.StatusReady
	}
	return d.Status
}

// Param returns the declared param with the given name, or nil
func (d *RuleDefinition) Param(name string) *ParamDefinition {
	for i := range d.Params {
		if d.Params[i].Name == name {
			return &d.Params[i]
		}
	}
	return nil
}

// Validate checks the constraints an analyzer must honor when declaring rules
func (r *Repository) Validate() error {
	if r.Key == "" && r.Extends == "" {
		return fmt.Errorf("repository key is missing")
	}
	if r.Key == core.ManualRepository {
		return fmt.Errorf("repository key %q is reserved", core.ManualRepository)
	}

	seen := make(map[string]bool, len(r.Rules))
	for i := range r.Rules {
		def := &r.Rules[i]
		if def.Key == "" {
			return fmt.Errorf("repository %s: rule #%d has no key", r.RepositoryKey(), i+1)
		}
		if seen[def.Key] {
			return fmt.Errorf("repository %s: rule %s is declared twice", r.RepositoryKey(), def.Key)
		}
		seen[def.Key] = true

		if def.Name == "" {
			return fmt.Errorf("name of rule %s:%s is empty", r.RepositoryKey(), def.Key)
		}
		if def.HTMLDescription != "" && def.MarkdownDescription != "" {
			return fmt.Errorf("rule %s:%s can't have both html and markdown descriptions", r.RepositoryKey(), def.Key)
		}
		if def.Severity != "" && !core.IsValidSeverity(def.Severity) {
			return fmt.Errorf("severity of rule %s:%s is not correct: %s", r.RepositoryKey(), def.Key, def.Severity)
		}
		if def.Status == core.StatusRemoved {
			return fmt.Errorf("status REMOVED is not allowed when declaring rule %s:%s", r.RepositoryKey(), def.Key)
		}
		if def.Status != "" {
			if _, err := core.ParseRuleStatus(string(def.Status)); err != nil {
				return fmt.Errorf("rule %s:%s: %w", r.RepositoryKey(), def.Key, err)
			}
		}
		if def.DebtRemediation != nil && !def.DebtRemediation.IsZero() {
			if err := def.DebtRemediation.Validate(); err != nil {
				return fmt.Errorf("rule %s:%s: %w", r.RepositoryKey(), def.Key, err)
			}
		}
		for _, tag := range def.Tags {
			if err := core.ValidateTag(tag); err != nil {
				return fmt.Errorf("rule %s:%s: %w", r.RepositoryKey(), def.Key, err)
			}
		}
		params := make(map[string]bool, len(def.Params))
		for _, p := range def.Params {
			if p.Name == "" {
				return fmt.Errorf("rule %s:%s declares a param without name", r.RepositoryKey(), def.Key)
			}
			if params[p.Name] {
				return fmt.Errorf("rule %s:%s declares param %s twice", r.RepositoryKey(), def.Key, p.Name)
			}
			params[p.Name] = true
			if _, err := core.ParseParamType(p.Type); err != nil {
				return fmt.Errorf("rule %s:%s param %s: %w", r.RepositoryKey(), def.Key, p.Name, err)
			}
		}
	}
	return nil
}

// RepositoryKey returns the key under which the rules are persisted
func (r *Repository) RepositoryKey() string {
	if r.Extends != "" {
		return r.Extends
	}
	return r.Key
}

// Characteristic is a node of a declared debt model. Roots have no ParentKey.
type Characteristic struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	ParentKey string `json:"parent,omitempty" yaml:"parent"`
	Order     int    `json:"order,omitempty" yaml:"order"`
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled"`
}
