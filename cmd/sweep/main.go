// Command sweep runs one recovery sweep and exits. Meant for cron-style
// deployments where the in-process timer is disabled, and for operators who
// want a sweep right now.
package main

import (
	"context"
	"os"

	"github.com/mwalcott/unibazaar/internal/config"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/server"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to wire services", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	report := srv.Sweeper().Run(context.Background())
	logger.Info("sweep complete",
		"expired_requests", report.ExpiredRequests,
		"expired_listings", report.ExpiredListings,
		"revoked_credentials", report.RevokedCredentials,
		"deleted_idempotency_keys", report.DeletedIdempotencyKeys,
	)
	if len(report.Errors) > 0 {
		for _, e := range report.Errors {
			logger.Error("sub-sweep failed", "error", e)
		}
		os.Exit(1)
	}
}
