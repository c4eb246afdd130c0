package definitions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rulekeeper/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const squidYAML = `
repository: squid
name: SonarJava
language: java
rules:
  - key: S001
    name: Null pointers should not be dereferenced
    html_description: <p>Avoid NPE</p>
    severity: CRITICAL
    tags: [bug, cert]
    debt_sub_characteristic: EXCEPTION_HANDLING
    debt_remediation:
      type: LINEAR
      coefficient: 5min
    params:
      - name: max
        type: INTEGER
        default_value: "10"
  - key: XPath
    name: XPath rule template
    markdown_description: Match an *XPath* expression
    template: true
    params:
      - name: expression
        type: STRING
`

const extensionJSON = `{
  "extends": "squid",
  "language": "java",
  "rules": [
    {"key": "S900", "name": "Contributed rule", "html_description": "<p>x</p>"}
  ]
}`

const debtModelYAML = `
characteristics:
  - key: RELIABILITY
    name: Reliability
    order: 1
  - key: EXCEPTION_HANDLING
    name: Exception handling
    parent: RELIABILITY
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestFileSource_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-squid.yaml", squidYAML)
	writeFile(t, dir, "20-extension.json", extensionJSON)
	writeFile(t, dir, "debt_model.yaml", debtModelYAML)
	writeFile(t, dir, "README.md", "ignored")

	source, err := NewFileSource(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	repos, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 2)

	squid := repos[0]
	assert.Equal(t, "squid", squid.Key)
	assert.Equal(t, "java", squid.Language)
	require.Len(t, squid.Rules, 2)

	s001 := squid.Rules[0]
	assert.Equal(t, "S001", s001.Key)
	assert.Equal(t, []string{"bug", "cert"}, s001.Tags)
	require.NotNil(t, s001.DebtRemediation)
	assert.Equal(t, core.RemediationLinear, s001.DebtRemediation.Type)
	assert.Equal(t, "5min", s001.DebtRemediation.Coefficient)
	require.NotNil(t, s001.Param("max"))
	assert.Equal(t, "10", s001.Param("max").DefaultValue)
	assert.Equal(t, core.StatusReady, s001.EffectiveStatus())

	desc, format := squid.Rules[1].Description()
	assert.Equal(t, "Match an *XPath* expression", desc)
	assert.Equal(t, core.FormatMarkdown, format)
	assert.True(t, squid.Rules[1].Template)
	assert.Equal(t, core.SeverityMajor, squid.Rules[1].EffectiveSeverity())

	assert.Equal(t, "squid", repos[1].RepositoryKey())

	model, err := source.LoadDebtModel(context.Background())
	require.NoError(t, err)
	require.Len(t, model, 2)
	assert.Equal(t, "RELIABILITY", model[1].ParentKey)
}

func TestFileSource_SchemaViolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
repository: squid
language: java
rules:
  - key: S001
    name: Rule
    severity: URGENT
`)
	source, err := NewFileSource(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = source.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestFileSource_MissingDirectory(t *testing.T) {
	source, err := NewFileSource(filepath.Join(t.TempDir(), "missing"), zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = source.Load(context.Background())
	assert.Error(t, err)
}

func TestFileSource_NoDebtModel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "squid.yaml", squidYAML)
	source, err := NewFileSource(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	model, err := source.LoadDebtModel(context.Background())
	require.NoError(t, err)
	assert.Nil(t, model)
}

func TestRepositoryValidate(t *testing.T) {
	valid := func() Repository {
		return Repository{Key: "squid", Language: "java", Rules: []RuleDefinition{
			{Key: "S001", Name: "Rule", HTMLDescription: "<p>x</p>"},
		}}
	}

	repo := valid()
	assert.NoError(t, repo.Validate())

	repo = valid()
	repo.Rules = append(repo.Rules, RuleDefinition{Key: "S001", Name: "Again"})
	assert.ErrorContains(t, repo.Validate(), "declared twice")

	repo = valid()
	repo.Rules[0].MarkdownDescription = "x"
	assert.ErrorContains(t, repo.Validate(), "both html and markdown")

	repo = valid()
	repo.Rules[0].Status = core.StatusRemoved
	assert.ErrorContains(t, repo.Validate(), "REMOVED")

	repo = valid()
	repo.Rules[0].Tags = []string{"Bad Tag"}
	assert.Error(t, repo.Validate())

	repo = valid()
	repo.Rules[0].Params = []ParamDefinition{{Name: "p", Type: "COLOR"}}
	assert.Error(t, repo.Validate())

	repo = valid()
	repo.Key = core.ManualRepository
	assert.ErrorContains(t, repo.Validate(), "reserved")
}

func TestResolveExtensions(t *testing.T) {
	repos := []Repository{
		{Key: "squid", Language: "java", Rules: []RuleDefinition{{Key: "S001", Name: "a"}}},
		{Extends: "squid", Language: "java", Rules: []RuleDefinition{{Key: "S900", Name: "b"}}},
		{Extends: "missing", Language: "java", Rules: []RuleDefinition{{Key: "M1", Name: "c"}}},
		{Key: "js", Language: "js"},
	}

	resolved := ResolveExtensions(repos, zap.NewNop().Sugar())
	require.Len(t, resolved, 2)
	assert.Equal(t, "squid", resolved[0].Key)
	require.Len(t, resolved[0].Rules, 2)
	assert.Equal(t, "S900", resolved[0].Rules[1].Key)
	assert.Equal(t, "js", resolved[1].Key)

	// input is left untouched
	assert.Len(t, repos[0].Rules, 1)
}

func TestValidateDebtModel(t *testing.T) {
	assert.NoError(t, ValidateDebtModel([]Characteristic{{Key: "A", Name: "A"}, {Key: "B", Name: "B", ParentKey: "A"}}))
	assert.NoError(t, ValidateDebtModel([]Characteristic{{Key: "B", Name: "B", ParentKey: "A"}, {Key: "A", Name: "A"}}))
	assert.Error(t, ValidateDebtModel([]Characteristic{{Key: "B", Name: "B", ParentKey: "MISSING"}}))
	assert.Error(t, ValidateDebtModel([]Characteristic{{Key: "A", Name: "A"}, {Key: "A", Name: "A"}}))
}

func TestStaticSource(t *testing.T) {
	source := &StaticSource{Repositories: []Repository{{Key: "squid", Language: "java"}}}
	repos, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, repos, 1)

	source.Repositories[0].Rules = []RuleDefinition{{Key: "", Name: "x"}}
	_, err = source.Load(context.Background())
	assert.Error(t, err)
}
