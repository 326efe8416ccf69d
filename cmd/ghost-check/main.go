package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/assessment_monitor/app"
	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
)

// One-shot ghost detection pass: open baselines for new takeovers, then compare every
// active period against the live inventory.
func main() {
	store := flag.String("store", app.StoreMySQL, "Store backend: mysql or memory (memory is a dry run).")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate first.")
	skipCheck := flag.Bool("skip-check", false, "Skip the ownership-change check and only run comparisons.")
	skipCompare := flag.Bool("skip-compare", false, "Skip comparisons and only open new baselines.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = appctx.SetTrigger(ctx, "schedule")

	a, err := app.Build(context.Background(), app.Options{Store: *store, Migrate: *migrate})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	result := map[string]any{}
	exitCode := 0
	if !*skipCheck {
		created, err := a.Detection.CheckForOwnershipChanges(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ownership check failed: %v\n", err)
			exitCode = 1
		}
		result["baselines_created"] = created
	}
	if !*skipCompare {
		summary, err := a.Detection.RunAllComparisons(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "comparisons failed: %v\n", err)
			exitCode = 1
		}
		result["comparisons"] = summary
	}

	out, _ := json.Marshal(result)
	fmt.Println(string(out))
	if exitCode != 0 {
		a.Close()
		os.Exit(exitCode)
	}
}
