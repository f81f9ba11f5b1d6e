package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/app"
	"github.com/platinummonkey/custodian/pkg/async"
	"github.com/platinummonkey/custodian/pkg/config"
	"github.com/platinummonkey/custodian/pkg/observability"
)

var (
	runOnce = flag.Bool("run-once", false, "Run one purge pass and exit")
	dryRun  = flag.Bool("dry-run", false, "Report what would be deleted without deleting (overrides CUSTODIAN_PURGE_DRY_RUN)")
	at      = flag.String("at", "", "Evaluate policies as of this RFC3339 time instead of now. Only used with --run-once; a future time also requires --dry-run, since deletes re-check retention at the current time")
)

// runTime resolves --at against now. A future time can only preview a run:
// Registry.Delete checks retention against the wall clock, so every item it
// marked due would fail as blocked.
func runTime(at string, dryRun bool, now time.Time) (time.Time, error) {
	if at == "" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now) && !dryRun {
		return time.Time{}, fmt.Errorf("%s is in the future; use --dry-run to preview a later run", at)
	}
	return t.UTC(), nil
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *dryRun {
		cfg.Purge.DryRun = true
	}
	// The purger does not serve templates; a changed file matters only to
	// the API process.
	cfg.Retention.WatchTemplates = false

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to start purger")
	}
	defer a.Close()

	runner := a.PurgeRunner()

	if *runOnce {
		now, err := runTime(*at, cfg.Purge.DryRun, time.Now().UTC())
		if err != nil {
			log.WithError(err).Fatal("Invalid --at time")
		}
		res, err := runner.RunOnce(ctx, now)
		if err != nil {
			log.WithError(err).Error("Purge run failed")
			a.Close()
			os.Exit(1)
		}
		log.WithFields(logrus.Fields{
			"run_id":   res.RunID,
			"scanned":  res.Scanned,
			"failures": res.Failures,
		}).Info("Purge run completed")
		if res.Failures > 0 {
			a.Close()
			os.Exit(2)
		}
		return
	}

	background := async.NewGroup(ctx, log)
	a.Start(ctx, background)

	run := func() {
		if _, err := runner.RunOnce(ctx, time.Now().UTC()); err != nil {
			log.WithError(err).Error("Scheduled purge run failed")
		}
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))
	id, err := c.AddFunc(cfg.Purge.Schedule, run)
	if err != nil {
		log.WithError(err).Fatal("Failed to schedule purge")
	}

	if cfg.Purge.RunOnStart {
		// The wrapped job shares the skip-if-running guard with the schedule.
		job := c.Entry(id).WrappedJob
		async.SafeGo(ctx, log, 0, "initial purge run", func(context.Context) error {
			job.Run()
			return nil
		})
	}

	c.Start()
	log.WithFields(logrus.Fields{
		"schedule": cfg.Purge.Schedule,
		"dry_run":  cfg.Purge.DryRun,
		"version":  app.Version,
	}).Info("Custodian purger started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()
	if err := background.Wait(); err != nil {
		log.WithError(err).Error("Background task failed")
	}
	log.Info("Purger stopped")
}
