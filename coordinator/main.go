package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neutra-labs/neutra-go/internal/bus"
	"github.com/neutra-labs/neutra-go/internal/platform/auth"
	"github.com/neutra-labs/neutra-go/internal/platform/env"
	"github.com/neutra-labs/neutra-go/internal/platform/httpserver"
	"github.com/neutra-labs/neutra-go/internal/platform/objectstore"
	"github.com/neutra-labs/neutra-go/internal/platform/postgres"
	repopg "github.com/neutra-labs/neutra-go/internal/repo/postgres"
	"github.com/neutra-labs/neutra-go/internal/service/runs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("NEUTRA_COORDINATOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("NEUTRA_COORDINATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	leaseDuration, err := env.Duration("NEUTRA_LEASE_DURATION", runs.DefaultLeaseDuration)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	busBuffer, err := env.Int("NEUTRA_EVENT_BUS_BUFFER", bus.DefaultBuffer)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.New(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.EnsureBuckets(startupCtx); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var operatorAuth auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		operatorAuth = oidcAuth
	default:
		logger.Warn("auth running in dev mode, all operator requests accepted",
			"subject", authCfg.DevSubject,
		)
		operatorAuth = auth.NewDevAuthenticator(authCfg)
	}
	workerAuth, err := auth.NewWorkerAuthenticator(authCfg)
	if err != nil {
		logger.Error("invalid worker auth config", "error", err)
		os.Exit(2)
	}

	broadcaster := bus.NewBroadcaster(busBuffer, logger)
	defer broadcaster.Stop()

	svc := runs.New(runs.Config{
		Studies:   repopg.NewStudyStore(db),
		Runs:      repopg.NewRunStore(db),
		Claims:    repopg.NewClaimStore(db),
		Events:    repopg.NewEventStore(db),
		Summaries: repopg.NewSummaryStore(db),
		Bus:       broadcaster,
		Lease:     leaseDuration,
	})
	if svc == nil {
		logger.Error("service init failed")
		os.Exit(1)
	}

	api := newCoordinatorAPI(logger, svc, store)

	operatorMux := http.NewServeMux()
	api.register(operatorMux)
	workerMux := http.NewServeMux()
	api.registerWorkerRoutes(workerMux)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", httpserver.Healthz("coordinator"))
	root.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks("coordinator",
		httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: httpserver.WithTimeout(2*time.Second, db.PingContext),
		},
		httpserver.ReadinessCheck{
			Name:  "objectstore",
			Check: httpserver.WithTimeout(2*time.Second, store.CheckBuckets),
		},
	))
	root.Handle("/worker/", auth.Middleware{
		Logger:        logger,
		Authenticator: workerAuth,
		Authorize:     auth.RequireRole("worker"),
	}.Wrap(workerMux))
	root.Handle("/", auth.Middleware{
		Logger:        logger,
		Authenticator: operatorAuth,
	}.Wrap(operatorMux))

	serverCfg := httpserver.Config{
		Service:         "coordinator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, "coordinator", root)); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
