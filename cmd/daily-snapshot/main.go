package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/assessment_monitor/app"
	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/workflow"
)

// One-shot daily snapshot, meant for a scheduler (Cloud Scheduler job, cron).
func main() {
	store := flag.String("store", app.StoreMySQL, "Store backend: mysql or memory (memory is a dry run).")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before snapshotting.")
	useRedis := flag.Bool("redis", true, "Use redis for the run lock and the last-run cache.")
	jobGuid := flag.String("job-guid", "", "Optional: snapshot a single assessment and skip closure detection.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = appctx.SetTrigger(ctx, "schedule")

	a, err := app.Build(context.Background(), app.Options{Store: *store, Migrate: *migrate, Redis: *useRedis})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	// Close drains closure events dispatched in-process before the job exits.
	defer a.Close()

	if *jobGuid != "" {
		created, err := a.Live.SnapshotAssessment(ctx, *jobGuid, models.AssessmentDescriptive{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot %s failed: %v\n", *jobGuid, err)
			a.Close()
			os.Exit(1)
		}
		fmt.Printf("snapshot %s recorded (new=%t)\n", *jobGuid, created)
		return
	}

	summary, err := a.Live.RunDailySnapshot(ctx)
	if errors.Is(err, workflow.ErrRunInProgress) {
		fmt.Fprintln(os.Stderr, "another daily snapshot is running; exiting")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "daily snapshot failed: %v\n", err)
		a.Close()
		os.Exit(1)
	}
	out, _ := json.Marshal(summary)
	fmt.Println(string(out))
}
