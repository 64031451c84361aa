package main

import (
	"context"
	"errors"
	"net/http"
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
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	fs.Int("sync.workers", 4, "concurrent sync workers")
	fs.Int("sync.batch_size", 20, "tasks claimed per poll")
	fs.Duration("sync.poll_interval", 5*time.Second, "queue poll interval")
	metricsAddr := fs.String("metrics-addr", ":9091", "address for /metrics; empty disables")
	fs.Parse(os.Args[1:])

	log := logger.New()
	defer log.Sync()

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("The worker needs a shared store; set DB_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", "error", err)
	}
	defer a.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: a.Metrics.Handler(), ReadTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	a.Pool().Run(ctx)
}
