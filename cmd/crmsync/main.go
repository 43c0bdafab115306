package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/agentworkforce/crmsync/internal/config"
	"github.com/agentworkforce/crmsync/internal/crmclient"
	"github.com/agentworkforce/crmsync/internal/crmsync"
	"github.com/agentworkforce/crmsync/internal/database"
	"github.com/agentworkforce/crmsync/internal/httpapi"
	"github.com/agentworkforce/crmsync/internal/logging"
	"github.com/agentworkforce/crmsync/internal/mappingfile"
	"github.com/agentworkforce/crmsync/internal/orchestrate"
)

var allScopes = []string{
	"sync:read",
	"sync:trigger",
	"conflicts:resolve",
	"settings:write",
	"records:read",
	"records:write",
}

func main() {
	logger := logging.New()
	if err := run(os.Args[1:], os.Stdout, logger); err != nil {
		logger.Error("crmsync failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, logger *slog.Logger) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serve(args, logger)
	case "migrate":
		return migrate(args, logger)
	case "token":
		return mintToken(args, stdout)
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate or token)", command)
	}
}

func serve(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file applied before reading the environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenMigrated(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	external, err := buildClient(ctx, cfg.CRM)
	if err != nil {
		return err
	}
	svc, err := crmsync.NewService(db, crmsync.NewRegistry(external), serviceOptions(cfg, logger))
	if err != nil {
		return err
	}

	if cfg.MappingFile != "" {
		if err := mappingfile.Watch(ctx, cfg.MappingFile, svc, logger); err != nil {
			return fmt.Errorf("mapping file: %w", err)
		}
	}

	if cfg.Temporal.Enabled() {
		shutdown, err := startTemporal(ctx, cfg.Temporal, svc, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- svc.Run(ctx) }()

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
			JWTSecret:       cfg.JWTSecret,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("crmsync listening", "addr", cfg.Addr, "client", cfg.CRM.Client)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-engineDone
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrate(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file applied before reading the environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, err := database.OpenMigrated(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	version, err := database.SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("schema migrated", "dialect", db.Dialect(), "version", version)
	return nil
}

func mintToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("CRMSYNC_JWT_SECRET"), "HS256 signing secret")
	workspace := fs.String("workspace", "", `workspace the token is bound to, or "*" for all`)
	subject := fs.String("subject", "operator", "operator identity recorded as resolvedBy")
	scopes := fs.String("scopes", strings.Join(allScopes, ","), "comma separated scopes")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("secret is required (--secret or CRMSYNC_JWT_SECRET)")
	}
	if *workspace == "" {
		return errors.New("workspace is required")
	}
	var granted []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			granted = append(granted, scope)
		}
	}
	token, err := httpapi.SignToken(*secret, *workspace, *subject, granted, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func buildClient(ctx context.Context, cfg config.CRM) (crmsync.ExternalClient, error) {
	if cfg.Client == "memory" {
		return crmsync.NewMemoryClient(), nil
	}
	opts := crmclient.Options{
		BaseURL:     cfg.BaseURL,
		AccessToken: cfg.AccessToken,
		MaxRetries:  cfg.MaxRetries,
	}
	if cfg.RefreshToken != "" {
		opts.TokenSource = crmclient.RefreshTokenSource(ctx, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.RefreshToken)
	}
	hubspot, err := crmclient.New(opts)
	if err != nil {
		return nil, fmt.Errorf("crm client: %w", err)
	}
	return hubspot, nil
}

func serviceOptions(cfg config.Config, logger *slog.Logger) crmsync.Options {
	backoff := crmsync.BackoffPolicy{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax}
	return crmsync.Options{
		Queue: crmsync.QueueOptions{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Lease:       cfg.Sync.Lease,
			Backoff:     backoff,
		},
		Dispatcher: crmsync.DispatcherOptions{
			Workers:      cfg.Sync.Workers,
			BatchSize:    cfg.Sync.BatchSize,
			PollInterval: cfg.Sync.PollInterval,
		},
		Webhook: crmsync.WebhookOptions{
			MaxAttempts:  cfg.Sync.WebhookAttempts,
			BatchSize:    cfg.Sync.BatchSize,
			PollInterval: cfg.Sync.PollInterval,
			Backoff:      backoff,
			Lease:        cfg.Sync.Lease,
			TrustPayload: cfg.Sync.TrustPayload,
		},
		LockTTL: cfg.Sync.LockTTL,
		Logger:  logger,
	}
}

// startTemporal runs the sync worker and, when a cron is configured, makes
// sure the scheduled workflow for the configured workspace exists.
func startTemporal(ctx context.Context, cfg config.Temporal, svc *crmsync.Service, logger *slog.Logger) (func(), error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	w := orchestrate.RegisterSyncWorker(c, cfg.TaskQueue, svc, logger)
	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("start temporal worker: %w", err)
	}
	if cfg.Schedule != "" {
		orchestrator := orchestrate.NewOrchestrator(c, cfg.TaskQueue, logger)
		if _, err := orchestrator.EnsureSchedule(ctx, cfg.Schedule, orchestrate.SyncWorkflowInput{WorkspaceID: cfg.WorkspaceID}); err != nil {
			logger.Warn("scheduled sync not started", "workspace_id", cfg.WorkspaceID, "error", err)
		}
	}
	return func() {
		w.Stop()
		c.Close()
	}, nil
}
