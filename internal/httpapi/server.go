package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

const (
	scopeSyncRead     = "sync:read"
	scopeSyncTrigger  = "sync:trigger"
	scopeResolve      = "conflicts:resolve"
	scopeSettings     = "settings:write"
	scopeRecordsRead  = "records:read"
	scopeRecordsWrite = "records:write"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	svc         *crmsync.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
	router      http.Handler
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *crmsync.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *crmsync.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With("component", "httpapi"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(correlationMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/dashboard", s.handleDashboard)
	r.Post("/v1/webhooks/{accountID}", s.handleWebhook)

	r.Route("/v1/workspaces/{workspaceID}", func(r chi.Router) {
		r.With(s.authorize(scopeSyncTrigger)).Post("/sync/trigger", s.handleTriggerSync)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/conflicts", s.handleListConflicts)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/conflicts/{conflictID}", s.handleGetConflict)
		r.With(s.authorize(scopeResolve)).Post("/sync/conflicts/resolve", s.handleBulkResolve)
		r.With(s.authorize(scopeResolve)).Post("/sync/conflicts/{conflictID}/resolve", s.handleResolveConflict)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/queue", s.handleQueue)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/failures", s.handleFailures)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/metrics", s.handleMetrics)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/stream", s.handleStream)
		r.With(s.authorize(scopeSyncRead)).Get("/sync/objects/{entityType}", s.handleGetObject)
		r.With(s.authorize(scopeSettings)).Put("/sync/objects/{entityType}", s.handleConfigureObject)
		r.With(s.authorize(scopeSettings)).Put("/sync/settings", s.handleConfigureWorkspace)
		r.With(s.authorize(scopeSyncTrigger)).Post("/sync/dead-letter/{itemID}/replay", s.handleDeadLetterReplay)
		r.With(s.authorize(scopeSyncTrigger)).Post("/sync/dead-letter/{itemID}/ack", s.handleDeadLetterAck)

		r.With(s.authorize(scopeRecordsRead)).Get("/records/{entityType}", s.handleListRecords)
		r.With(s.authorize(scopeRecordsWrite)).Post("/records/{entityType}", s.handleCreateRecord)
		r.With(s.authorize(scopeRecordsRead)).Get("/records/{entityType}/{entityID}", s.handleGetRecord)
		r.With(s.authorize(scopeRecordsWrite)).Patch("/records/{entityType}/{entityID}", s.handleUpdateRecord)
		r.With(s.authorize(scopeRecordsWrite)).Delete("/records/{entityType}/{entityID}", s.handleDeleteRecord)
	})
	return r
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if correlationID == "" {
			correlationID = uuid.NewString()
			r.Header.Set("X-Correlation-Id", correlationID)
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r)
	})
}

// authorize checks the bearer token against the workspace in the path and
// the scope the route requires, then applies the per-operator rate limit.
func (s *Server) authorize(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			workspaceID := chi.URLParam(r, "workspaceID")
			header := r.Header.Get("Authorization")
			if header == "" {
				// Browsers cannot set headers on websocket upgrades.
				if token := r.URL.Query().Get("access_token"); token != "" {
					header = "Bearer " + token
				}
			}
			claims, authErr := authorizeBearer(header, s.cfg.JWTSecret, workspaceID, requiredScope, s.now())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil {
				key := workspaceID + "|" + claims.Subject
				if !s.rateLimiter.allow(key, s.now()) {
					retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeServiceError maps sync engine errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, crmsync.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "unknown_account", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrConflictClosed):
		writeError(w, http.StatusConflict, "conflict_closed", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrLockBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "entity_busy", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrSyncDisabled):
		writeError(w, http.StatusConflict, "sync_disabled", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

// parseDay accepts YYYY-MM-DD or RFC3339; empty yields the zero time.
func parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if day, err := time.Parse(time.DateOnly, raw); err == nil {
		return day, nil
	}
	return time.Parse(time.RFC3339, raw)
}
