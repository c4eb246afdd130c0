package service

import "rulekeeper/core"

// Changeset is a partial update of one rule. The concrete types are the
// closed set ProviderRuleUpdate, CustomRuleUpdate and ManualRuleUpdate; each
// only exposes the setters legal for its kind of rule. A field is applied
// only when its setter was called.
type Changeset interface {
	RuleKey() core.RuleKey
	IsEmpty() bool

	target() core.RuleKind
	common() *commonUpdate
}

// commonUpdate holds the fields every kind of rule accepts
type commonUpdate struct {
	key core.RuleKey

	tags    []string
	tagsSet bool

	note    string
	noteSet bool

	subCharacteristic    string
	subCharacteristicSet bool

	remediation    *core.RemediationFunction
	remediationSet bool
}

// RuleKey returns the key of the rule to update
func (u *commonUpdate) RuleKey() core.RuleKey { return u.key }

func (u *commonUpdate) common() *commonUpdate { return u }

func (u *commonUpdate) commonEmpty() bool {
	return !u.tagsSet && !u.noteSet && !u.subCharacteristicSet && !u.remediationSet
}

// SetTags replaces the user tags. Tags colliding with system tags are dropped.
func (u *commonUpdate) SetTags(tags []string) {
	u.tags = tags
	u.tagsSet = true
}

// SetMarkdownNote sets the note; a blank note removes it
func (u *commonUpdate) SetMarkdownNote(note string) {
	u.note = note
	u.noteSet = true
}

// SetDebtSubCharacteristic overrides the debt characteristic. An empty key
// disables debt for the rule and core.DefaultDebtCharacteristic reverts to
// the declared default.
func (u *commonUpdate) SetDebtSubCharacteristic(key string) {
	u.subCharacteristic = key
	u.subCharacteristicSet = true
}

// SetDebtRemediationFunction overrides the remediation function; nil reverts
// to the declared default
func (u *commonUpdate) SetDebtRemediationFunction(fn *core.RemediationFunction) {
	u.remediation = fn
	u.remediationSet = true
}

// descriptiveUpdate holds the fields users own on custom and manual rules
type descriptiveUpdate struct {
	name    string
	nameSet bool

	description       string
	descriptionFormat core.DescriptionFormat
	descriptionSet    bool

	severity    string
	severitySet bool
}

func (u *descriptiveUpdate) descriptiveEmpty() bool {
	return !u.nameSet && !u.descriptionSet && !u.severitySet
}

// SetName renames the rule
func (u *descriptiveUpdate) SetName(name string) {
	u.name = name
	u.nameSet = true
}

// SetHTMLDescription replaces the description with HTML text
func (u *descriptiveUpdate) SetHTMLDescription(description string) {
	u.description = description
	u.descriptionFormat = core.FormatHTML
	u.descriptionSet = true
}

// SetMarkdownDescription replaces the description with markdown text
func (u *descriptiveUpdate) SetMarkdownDescription(description string) {
	u.description = description
	u.descriptionFormat = core.FormatMarkdown
	u.descriptionSet = true
}

// SetSeverity changes the severity
func (u *descriptiveUpdate) SetSeverity(severity string) {
	u.severity = severity
	u.severitySet = true
}

// ProviderRuleUpdate changes a rule declared by an analyzer repository
type ProviderRuleUpdate struct {
	commonUpdate
}

// NewProviderRuleUpdate starts an empty changeset for a provider rule
func NewProviderRuleUpdate(key core.RuleKey) *ProviderRuleUpdate {
	return &ProviderRuleUpdate{commonUpdate: commonUpdate{key: key}}
}

// IsEmpty reports whether no setter was called
func (u *ProviderRuleUpdate) IsEmpty() bool { return u.commonEmpty() }

func (u *ProviderRuleUpdate) target() core.RuleKind { return core.ProviderRule }

// CustomRuleUpdate changes a rule instantiated from a template
type CustomRuleUpdate struct {
	commonUpdate
	descriptiveUpdate

	status    core.RuleStatus
	statusSet bool

	params    map[string]string
	paramsSet bool
}

// NewCustomRuleUpdate starts an empty changeset for a custom rule
func NewCustomRuleUpdate(key core.RuleKey) *CustomRuleUpdate {
	return &CustomRuleUpdate{commonUpdate: commonUpdate{key: key}}
}

// SetStatus changes the status. REMOVED is reached through deletion only.
func (u *CustomRuleUpdate) SetStatus(status core.RuleStatus) {
	u.status = status
	u.statusSet = true
}

// SetParameters sets the default value of every param of the rule. A param
// missing from values, or mapped to an empty string, loses its default.
func (u *CustomRuleUpdate) SetParameters(values map[string]string) {
	u.params = values
	u.paramsSet = true
}

// IsEmpty reports whether no setter was called
func (u *CustomRuleUpdate) IsEmpty() bool {
	return u.commonEmpty() && u.descriptiveEmpty() && !u.statusSet && !u.paramsSet
}

func (u *CustomRuleUpdate) target() core.RuleKind { return core.CustomRule }

// ManualRuleUpdate changes a rule of the manual repository
type ManualRuleUpdate struct {
	commonUpdate
	descriptiveUpdate
}

// NewManualRuleUpdate starts an empty changeset for a manual rule
func NewManualRuleUpdate(key core.RuleKey) *ManualRuleUpdate {
	return &ManualRuleUpdate{commonUpdate: commonUpdate{key: key}}
}

// IsEmpty reports whether no setter was called
func (u *ManualRuleUpdate) IsEmpty() bool {
	return u.commonEmpty() && u.descriptiveEmpty()
}

func (u *ManualRuleUpdate) target() core.RuleKind { return core.ManualRule }
