// Package main is the entry point for the rulekeeper rule catalog service.
package main

import (
	"context"
	"fmt"
	"os"

	"rulekeeper/bootstrap"
	"rulekeeper/cmd"
)

// run initializes and starts the rule catalog server.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "rules" {
		// the command already knows it is the rules command
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		if err := cmd.NewRulesCmd().Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
