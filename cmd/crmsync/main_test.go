package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/crmsync/internal/config"
	"github.com/agentworkforce/crmsync/internal/crmsync"
	"github.com/agentworkforce/crmsync/internal/logging"
)

func TestTokenCommandPrintsJWT(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"token", "--secret", "s3cret", "--workspace", "ws_1", "--scopes", "sync:read, sync:trigger"}, &out, logging.Discard())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	token := strings.TrimSpace(out.String())
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected three jwt segments, got %q", token)
	}
}

func TestTokenCommandRequiresWorkspace(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"token", "--secret", "s3cret"}, &out, logging.Discard()); err == nil {
		t.Fatalf("expected error without workspace")
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"bogus"}, &bytes.Buffer{}, logging.Discard()); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("CRMSYNC_CLIENT", "memory")
	t.Setenv("CRMSYNC_DATABASE_DSN", "file:"+t.TempDir()+"/crmsync.db")
	if err := run([]string{"migrate", "--env-file", ""}, &bytes.Buffer{}, logging.Discard()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestBuildClientMemory(t *testing.T) {
	client, err := buildClient(context.Background(), config.CRM{Client: "memory"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := client.(*crmsync.MemoryClient); !ok {
		t.Fatalf("expected memory client, got %T", client)
	}
}

func TestServiceOptionsShareBackoff(t *testing.T) {
	cfg := config.Config{Sync: config.Sync{
		Workers:         3,
		BatchSize:       25,
		LockTTL:         20 * time.Second,
		MaxAttempts:     7,
		BackoffBase:     2 * time.Second,
		BackoffMax:      time.Minute,
		WebhookAttempts: 4,
		TrustPayload:    true,
	}}
	opts := serviceOptions(cfg, logging.Discard())
	if opts.Dispatcher.Workers != 3 || opts.Dispatcher.BatchSize != 25 {
		t.Fatalf("unexpected dispatcher options: %+v", opts.Dispatcher)
	}
	if opts.Queue.MaxAttempts != 7 || opts.Webhook.MaxAttempts != 4 {
		t.Fatalf("unexpected attempt limits: queue=%d webhook=%d", opts.Queue.MaxAttempts, opts.Webhook.MaxAttempts)
	}
	if opts.Queue.Backoff != opts.Webhook.Backoff || opts.Queue.Backoff.Base != 2*time.Second {
		t.Fatalf("unexpected backoff: %+v / %+v", opts.Queue.Backoff, opts.Webhook.Backoff)
	}
	if !opts.Webhook.TrustPayload || opts.LockTTL != 20*time.Second {
		t.Fatalf("unexpected webhook options: %+v", opts.Webhook)
	}
}
