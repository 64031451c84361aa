package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"isp-saas.com/netsync/internal/app"
	"isp-saas.com/netsync/internal/config"
	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("api", pflag.ExitOnError)
	fs.String("port", "8080", "HTTP listen port")
	fs.String("db.driver", "postgres", "store driver: postgres or memory")
	embedWorker := fs.Bool("embedded-worker", false, "also drain the sync queue in this process")
	embedScheduler := fs.Bool("embedded-scheduler", false, "also run the auto-suspend scheduler in this process")
	fs.Parse(os.Args[1:])

	// Initialize logger
	log := logger.New()
	defer log.Sync()
	log.Info("Starting ISP Network Sync API v1.0.0...")

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", "error", err)
	}
	defer a.Close()

	// The memory store is process-local, so nothing else can drain it.
	if cfg.Database.Driver == "memory" {
		*embedWorker, *embedScheduler = true, true
	}

	var bg sync.WaitGroup
	if *embedWorker {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.Pool().Run(ctx)
		}()
	}
	if *embedScheduler {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.Scheduler.Start(ctx, cfg.Scheduler.Interval)
		}()
	}

	// Create router
	r := mux.NewRouter()
	limiter := middleware.NewRateLimiter(a.Counter(), 20, time.Minute)
	a.Handlers().Routes(r, limiter.Middleware)

	// Tenant gateway and metrics
	r.PathPrefix("/" + gateway.Version + "/").Handler(a.Gateway())
	r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")

	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	})

	// Create server
	srv := &http.Server{
		Handler:      c.Handler(r),
		Addr:         ":" + cfg.Server.Port,
		WriteTimeout: cfg.Sync.CallTimeout + 15*time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port, "db_driver", cfg.Database.Driver,
			"embedded_worker", *embedWorker, "embedded_scheduler", *embedScheduler)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", "error", err)
	}
	bg.Wait()
}
