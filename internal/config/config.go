package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type CRM struct {
	// Client selects the external CRM implementation: "hubspot" or "memory".
	Client       string
	BaseURL      string
	AccessToken  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	MaxRetries   int
}

type Sync struct {
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	LockTTL         time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Lease           time.Duration
	TrustPayload    bool
	WebhookAttempts int
}

type Temporal struct {
	Address   string
	Namespace string
	TaskQueue string
	// Schedule is a cron expression; empty disables the scheduled workflow.
	Schedule    string
	WorkspaceID string
}

func (t Temporal) Enabled() bool {
	return strings.TrimSpace(t.Address) != ""
}

type Config struct {
	Addr            string
	DatabaseDSN     string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MappingFile     string
	CRM             CRM
	Sync            Sync
	Temporal        Temporal
}

// Load reads configuration from the environment after applying envFile,
// if it exists. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		Addr:            envOr("CRMSYNC_ADDR", ":8080"),
		DatabaseDSN:     envOr("CRMSYNC_DATABASE_DSN", "file:crmsync.db"),
		JWTSecret:       envOr("CRMSYNC_JWT_SECRET", "dev-secret"),
		RateLimitMax:    intEnv("CRMSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CRMSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CRMSYNC_MAX_BODY_BYTES", 1<<20),
		MappingFile:     os.Getenv("CRMSYNC_MAPPING_FILE"),
		CRM: CRM{
			Client:       strings.ToLower(envOr("CRMSYNC_CLIENT", "hubspot")),
			BaseURL:      os.Getenv("CRM_BASE_URL"),
			AccessToken:  os.Getenv("CRM_ACCESS_TOKEN"),
			ClientID:     os.Getenv("CRM_CLIENT_ID"),
			ClientSecret: os.Getenv("CRM_CLIENT_SECRET"),
			RefreshToken: os.Getenv("CRM_REFRESH_TOKEN"),
			TokenURL:     envOr("CRM_TOKEN_URL", "https://api.hubapi.com/oauth/v1/token"),
			MaxRetries:   intEnv("CRM_MAX_RETRIES", 2),
		},
		Sync: Sync{
			Workers:         intEnv("CRMSYNC_WORKERS", 4),
			BatchSize:       intEnv("CRMSYNC_BATCH_SIZE", 50),
			PollInterval:    durationEnv("CRMSYNC_POLL_INTERVAL", time.Second),
			LockTTL:         durationEnv("CRMSYNC_LOCK_TTL", 30*time.Second),
			MaxAttempts:     intEnv("CRMSYNC_MAX_ATTEMPTS", 5),
			BackoffBase:     durationEnv("CRMSYNC_BACKOFF_BASE", time.Second),
			BackoffMax:      durationEnv("CRMSYNC_BACKOFF_MAX", 5*time.Minute),
			Lease:           durationEnv("CRMSYNC_LEASE", 2*time.Minute),
			TrustPayload:    boolEnv("CRMSYNC_WEBHOOK_TRUST_PAYLOAD", false),
			WebhookAttempts: intEnv("CRMSYNC_WEBHOOK_MAX_ATTEMPTS", 5),
		},
		Temporal: Temporal{
			Address:     os.Getenv("TEMPORAL_ADDRESS"),
			Namespace:   envOr("TEMPORAL_NAMESPACE", "default"),
			TaskQueue:   envOr("TEMPORAL_TASK_QUEUE", "crmsync"),
			Schedule:    os.Getenv("CRMSYNC_SYNC_SCHEDULE"),
			WorkspaceID: os.Getenv("CRMSYNC_SYNC_WORKSPACE"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.CRM.Client {
	case "memory":
	case "hubspot":
		hasRefresh := c.CRM.ClientID != "" && c.CRM.ClientSecret != "" && c.CRM.RefreshToken != ""
		if c.CRM.AccessToken == "" && !hasRefresh {
			return errors.New("CRM_ACCESS_TOKEN or CRM_CLIENT_ID/CRM_CLIENT_SECRET/CRM_REFRESH_TOKEN is required")
		}
	default:
		return fmt.Errorf("unknown CRMSYNC_CLIENT %q", c.CRM.Client)
	}
	if c.Sync.LockTTL <= 0 {
		return errors.New("CRMSYNC_LOCK_TTL must be positive")
	}
	if c.Temporal.Schedule != "" && c.Temporal.WorkspaceID == "" {
		return errors.New("CRMSYNC_SYNC_WORKSPACE is required when CRMSYNC_SYNC_SCHEDULE is set")
	}
	return nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using default %s", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using default %t", name, raw, fallback)
		return fallback
	}
	return value
}
