package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"isp-saas.com/netsync/internal/app"
	"isp-saas.com/netsync/internal/config"
	"isp-saas.com/netsync/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("scheduler", pflag.ExitOnError)
	fs.Duration("scheduler.interval", 24*time.Hour, "time between auto-suspend runs")
	once := fs.Bool("once", false, "run a single pass and exit")
	fs.Parse(os.Args[1:])

	log := logger.New()
	defer log.Sync()

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("The scheduler needs a shared store; set DB_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", "error", err)
	}
	defer a.Close()

	if *once {
		sum := a.Scheduler.Run(ctx)
		log.Info("Auto-suspend run finished",
			"tenants", sum.TenantsProcessed,
			"suspended", sum.TotalSuspended,
			"synced", sum.TotalSynced,
			"errors", len(sum.Errors),
		)
		return
	}
	a.Scheduler.Start(ctx, cfg.Scheduler.Interval)
}
