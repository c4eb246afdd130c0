// Package cmd provides the command-line interface of rulekeeper.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"rulekeeper/bootstrap"
	"rulekeeper/config"
	"rulekeeper/core"
	"rulekeeper/reconcile"
	"rulekeeper/service"
	"rulekeeper/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for rules commands
var (
	outputJSON bool
	noColor    bool
	quiet      bool
	verbose    bool
)

const defaultTimeout = 5 * time.Minute

// cliActor is recorded as the author of changes made from the command line
const cliActor = "cli"

// catalog bundles what the commands operate on
type catalog struct {
	sqlite *storage.SQLite
	rules  *service.RuleService
	engine reconcileRunner
	sugar  *zap.SugaredLogger
}

type reconcileRunner interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// openCatalog is swapped by tests
var openCatalog = openConfiguredCatalog

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and maintain the rule catalog",
		Long: `Inspect and maintain the rule catalog stored in the rulekeeper database.

The commands open the database configured in config.yaml (or RULEKEEPER_* env
vars) directly, so they can run while the server is stopped.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}

	rulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	rulesCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rulesCmd.AddCommand(newListCmd())
	rulesCmd.AddCommand(newShowCmd())
	rulesCmd.AddCommand(newTagsCmd())
	rulesCmd.AddCommand(newReconcileCmd())
	rulesCmd.AddCommand(newDeleteCmd())
	rulesCmd.AddCommand(newMigrationsCmd())

	return rulesCmd
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	var (
		repository string
		language   string
		status     string
		tag        string
		text       string
		templates  bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List rules",
		Long:    "Display a table of rules matching the filters. REMOVED rules are listed only with --status REMOVED.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.RuleQuery{
				Repository: repository,
				Language:   language,
				Tag:        tag,
				Text:       text,
				Limit:      limit,
			}
			if status != "" {
				parsed, err := core.ParseRuleStatus(strings.ToUpper(status))
				if err != nil {
					return err
				}
				q.Status = parsed
			}
			if cmd.Flags().Changed("templates") {
				q.IsTemplate = &templates
			}

			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := cat.rules.Search(ctx, q)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), result)
			}
			renderRulesTable(cmd.OutOrStdout(), result.Rules, result.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&repository, "repo", "", "Only rules of this repository")
	cmd.Flags().StringVar(&language, "lang", "", "Only rules of this language")
	cmd.Flags().StringVar(&status, "status", "", "Only rules with this status (READY, BETA, DEPRECATED, REMOVED)")
	cmd.Flags().StringVar(&tag, "tag", "", "Only rules carrying this tag or system tag")
	cmd.Flags().StringVar(&text, "query", "", "Only rules whose key or name contains this text")
	cmd.Flags().BoolVar(&templates, "templates", false, "Only templates (or, with =false, only non-templates)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of rules to show")

	return cmd
}

// newShowCmd creates the 'show' subcommand
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <repository:rule>",
		Short: "Show detailed rule information",
		Long:  "Display a rule with its tags, debt settings and parameters.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseRuleKey(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rule, err := cat.rules.GetByKey(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to get rule: %w", err)
			}
			params, err := cat.rules.ListParams(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to get rule parameters: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), struct {
					*core.Rule
					Params []*core.RuleParam `json:"params"`
				}{rule, params})
			}
			renderRuleDetails(cmd.OutOrStdout(), rule, params)
			return nil
		},
	}
}

// newTagsCmd creates the 'tags' subcommand
func newTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List every tag in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			tags, err := cat.rules.ListTags(ctx)
			if err != nil {
				return fmt.Errorf("failed to list tags: %w", err)
			}
			if tags == nil {
				tags = []string{}
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), tags)
			}
			for _, t := range tags {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

// newReconcileCmd creates the 'reconcile' subcommand
func newReconcileCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the catalog with the rule definitions",
		Long: `Run one reconciliation pass: register the rules declared in the definitions
directory, remove the rules no longer declared and refresh custom rules from
their templates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Writer = cmd.ErrOrStderr()
				s.Suffix = " Reconciling rule catalog..."
				s.Start()
			}

			report, err := cat.engine.Run(ctx)

			if s != nil {
				s.Stop()
			}

			if err != nil {
				var rootErr *reconcile.RootCharacteristicError
				if errors.As(err, &rootErr) {
					errorColor.Fprintf(cmd.ErrOrStderr(), "✗ %s\n", rootErr.Error())
				}
				return fmt.Errorf("reconciliation failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), report)
			}
			renderReconcileReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}

// newDeleteCmd creates the 'delete' subcommand
func newDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "delete <repository:rule>",
		Aliases: []string{"rm", "remove"},
		Short:   "Delete a custom or manual rule",
		Long:    "Mark a custom or manual rule REMOVED and deactivate it in every profile.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseRuleKey(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rule, err := cat.rules.GetByKey(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to get rule: %w", err)
			}

			if !force && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
				fmt.Sprintf("Are you sure you want to delete rule '%s' (%s)? [y/N]: ", rule.Name, key)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Deletion cancelled")
				return nil
			}

			if err := cat.rules.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete rule: %w", err)
			}

			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Rule deleted successfully: %s\n", key)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

// newMigrationsCmd creates the 'migrations' subcommand
func newMigrationsCmd() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "migrations",
		Short: "Show or apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cliContext(), defaultTimeout)
			defer cancel()

			cat, cleanup, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			runner, err := storage.NewMigrationRunner(cat.sqlite.WriteDB, cat.sugar)
			if err != nil {
				return fmt.Errorf("failed to create migration runner: %w", err)
			}
			storage.RegisterSQLiteMigrations(runner)

			if apply {
				if err := runner.RunMigrations(ctx); err != nil {
					return fmt.Errorf("failed to apply migrations: %w", err)
				}
			}

			status, err := runner.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), status)
			}
			renderMigrationStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "Apply pending migrations")

	return cmd
}

// cliContext carries the operator identity into the services
func cliContext() context.Context {
	return service.WithPrincipal(context.Background(), service.Principal{
		Login: cliActor,
		Roles: []string{service.RoleRuleAdmin},
	})
}

// openConfiguredCatalog opens the catalog the configuration points at.
// Schema migrations are not applied here; see 'rules migrations --apply'.
func openConfiguredCatalog(ctx context.Context) (*catalog, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := bootstrap.InitCLILogger(verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize SQLite: %w\n%s", err, bootstrap.ClassifySQLiteError(err, cfg.DataPaths.SQLitePath))
	}

	// the command line must not abort on an unreachable change stream
	cfg.StartupMode = config.StartupModeGraceful
	publisher, err := bootstrap.InitPublisher(ctx, cfg, sugar)
	if err != nil {
		_ = sqlite.Close()
		return nil, nil, err
	}

	store := storage.NewRuleStore(sqlite, sugar)
	engine, err := bootstrap.InitEngine(cfg, store, publisher, sugar)
	if err != nil {
		_ = publisher.Close()
		_ = sqlite.Close()
		return nil, nil, err
	}

	cat := &catalog{
		sqlite: sqlite,
		rules:  service.NewRuleService(store, service.ClaimsGate{}, publisher, sugar),
		engine: engine,
		sugar:  sugar,
	}

	cleanup := func() {
		if err := publisher.Close(); err != nil {
			sugar.Warnf("Failed to close rule change stream during cleanup: %v", err)
		}
		if err := sqlite.Close(); err != nil {
			sugar.Warnf("Failed to close SQLite connection during cleanup: %v", err)
		}
		_ = logger.Sync()
	}
	return cat, cleanup, nil
}

// confirm asks a yes/no question. Empty input and EOF answer no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	var response string
	if _, err := fmt.Fscanln(in, &response); err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
