package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"rulekeeper/core"
	"rulekeeper/reconcile"
	"rulekeeper/storage"

	"github.com/fatih/color"
)

// renderRulesTable displays rules in a formatted table
func renderRulesTable(w io.Writer, rules []*core.Rule, total int64) {
	if len(rules) == 0 {
		warningColor.Fprintln(w, "No rules found")
		return
	}

	headerColor.Fprintln(w, "RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-35s %-40s %-10s %-11s %-8s %-9s\n",
		"Key", "Name", "Severity", "Status", "Kind", "Template")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, rule := range rules {
		fmt.Fprintf(w, "%-35s %-40s %-10s %-11s %-8s %-9s\n",
			truncate(rule.Key.String(), 34),
			truncate(rule.Name, 39),
			rule.Severity,
			rule.Status,
			rule.Kind(),
			formatBoolPlain(rule.IsTemplate))
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
	if int64(len(rules)) < total {
		infoColor.Fprintf(w, "Showing %d of %d rules\n", len(rules), total)
	}
}

// renderRuleDetails displays detailed rule information
func renderRuleDetails(w io.Writer, rule *core.Rule, params []*core.RuleParam) {
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	headerColor.Fprintf(w, "  Rule Details: %s\n", rule.Key)
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	fmt.Fprintln(w)

	printSection(w, "Basic Information")
	printField(w, "Name", rule.Name)
	printField(w, "Kind", rule.Kind().String())
	printField(w, "Status", formatStatus(rule.Status))
	printField(w, "Severity", rule.Severity)
	printField(w, "Language", rule.Language)
	printField(w, "Template", formatBool(rule.IsTemplate))
	printField(w, "Config Key", rule.ConfigKey)
	printField(w, "Created", formatTime(rule.CreatedAt))
	printField(w, "Updated", formatTime(rule.UpdatedAt))
	fmt.Fprintln(w)

	printSection(w, "Tags")
	printField(w, "System Tags", strings.Join(rule.SystemTags, ", "))
	printField(w, "Tags", strings.Join(rule.Tags, ", "))
	fmt.Fprintln(w)

	printSection(w, "Technical Debt")
	printField(w, "Remediation", formatRemediation(rule.Remediation))
	printField(w, "Default Remediation", formatRemediation(rule.DefaultRemediation))
	fmt.Fprintln(w)

	if rule.NoteData != "" {
		printSection(w, "Note")
		printField(w, "Author", rule.NoteUserLogin)
		fmt.Fprintf(w, "  %s\n", rule.NoteData)
		fmt.Fprintln(w)
	}

	if len(params) > 0 {
		printSection(w, "Parameters")
		for _, p := range params {
			printField(w, p.Name, fmt.Sprintf("%s (default: %s)", p.Type, valueOrUnset(p.DefaultValue)))
		}
		fmt.Fprintln(w)
	}
}

// renderReconcileReport displays what a reconciliation pass wrote
func renderReconcileReport(w io.Writer, report *reconcile.Report) {
	if report.Writes() == 0 {
		successColor.Fprintf(w, "✓ Catalog already up to date (%d repositories, %s)\n",
			report.Repositories, report.Duration.Round(time.Millisecond))
		return
	}

	successColor.Fprintf(w, "✓ Reconciliation completed in %s\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)
	printSection(w, "Rules")
	printField(w, "Repositories", fmt.Sprintf("%d", report.Repositories))
	printField(w, "Declared", fmt.Sprintf("%d", report.RulesDeclared))
	printField(w, "Created", fmt.Sprintf("%d", report.RulesCreated))
	printField(w, "Updated", fmt.Sprintf("%d", report.RulesUpdated))
	printField(w, "Removed", fmt.Sprintf("%d", report.RulesRemoved))
	printField(w, "Custom Rules Updated", fmt.Sprintf("%d", report.CustomRulesSync))
	printField(w, "Debt Characteristics", fmt.Sprintf("%d", report.CharacteristicsSynced))
	fmt.Fprintln(w)
	printSection(w, "Parameters")
	printField(w, "Created", fmt.Sprintf("%d", report.ParamsCreated))
	printField(w, "Updated", fmt.Sprintf("%d", report.ParamsUpdated))
	printField(w, "Deleted", fmt.Sprintf("%d", report.ParamsDeleted))
	printField(w, "Propagated To Profiles", fmt.Sprintf("%d", report.ActiveRuleParamsPropagated))
	fmt.Fprintln(w)
	printSection(w, "Profiles")
	printField(w, "Activations Removed", fmt.Sprintf("%d", report.ActiveRulesDeactivated))

	if report.DebtAttachmentsSkipped > 0 {
		warningColor.Fprintf(w, "\n%d rules reference unknown debt characteristics and were left unattached\n",
			report.DebtAttachmentsSkipped)
	}
}

// renderMigrationStatus displays schema migration state
func renderMigrationStatus(w io.Writer, status *storage.MigrationStatus) {
	printSection(w, "Schema Migrations")
	printField(w, "Registered", fmt.Sprintf("%d", status.Registered))
	printField(w, "Applied", fmt.Sprintf("%d", status.Applied))
	printField(w, "Latest Applied", status.Latest)
	printField(w, "Pending", strings.Join(status.Pending, ", "))

	for _, issue := range status.Issues {
		errorColor.Fprintf(w, "  ✗ %s\n", issue)
	}
	if len(status.Pending) > 0 {
		warningColor.Fprintln(w, "\nRun 'rulekeeper rules migrations --apply' to apply pending migrations")
	}
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %-25s %s\n", key+":", valueOrUnset(value))
}

func valueOrUnset(value string) string {
	if value == "" {
		return "(not set)"
	}
	return value
}

// formatStatus returns a colored status string
func formatStatus(status core.RuleStatus) string {
	switch status {
	case core.StatusReady:
		return color.New(color.FgGreen).Sprint(string(status))
	case core.StatusBeta:
		return color.New(color.FgCyan).Sprint(string(status))
	case core.StatusDeprecated:
		return color.New(color.FgYellow).Sprint(string(status))
	case core.StatusRemoved:
		return color.New(color.FgRed).Sprint(string(status))
	default:
		return string(status)
	}
}

// formatBool returns a colored boolean string
func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("Yes")
	}
	return color.New(color.FgRed).Sprint("No")
}

func formatBoolPlain(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatRemediation(f core.RemediationFunction) string {
	if f.IsZero() {
		return ""
	}
	parts := []string{f.Type}
	if f.Coefficient != "" {
		parts = append(parts, "coefficient="+f.Coefficient)
	}
	if f.Offset != "" {
		parts = append(parts, "offset="+f.Offset)
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to max runes, marking the cut with "..."
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
