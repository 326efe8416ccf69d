package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/api"
	"bitbucket.org/mmdatafocus/assessment_monitor/app"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("MONITOR_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	migrate := !config.EnvBool("SKIP_MIGRATIONS", false)
	if !migrate {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// The dispatcher goroutine must outlive sigCtx so queued closures drain on shutdown.
	a, err := app.Build(context.Background(), app.Options{
		Store:   os.Getenv("MONITOR_STORE"),
		Migrate: migrate,
		Redis:   true,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: api.NewRouter(a.Handlers()),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("assessment monitor listening")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}
