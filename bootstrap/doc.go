// Package bootstrap wires the rule catalog together and manages its lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap
