// Package crmclient talks to a HubSpot-style /crm/v3/objects API.
package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

const DefaultBaseURL = "https://api.hubapi.com"

// objectPaths names each entity type's object collection.
var objectPaths = map[crmsync.EntityType]string{
	crmsync.EntityPerson:       "contacts",
	crmsync.EntityOrganization: "companies",
	crmsync.EntityDeal:         "deals",
	crmsync.EntityActivity:     "tasks",
}

type Options struct {
	BaseURL string
	// TokenSource authorizes every request. When nil, AccessToken is used
	// as a static bearer token.
	TokenSource oauth2.TokenSource
	AccessToken string
	HTTPClient  *http.Client
	UserAgent   string
	// Properties lists what Get requests per entity type. Defaults to the
	// targets of the built-in mapping rules.
	Properties map[crmsync.EntityType][]string
	// MaxRetries bounds in-call retries of network failures and 5xx
	// responses. Creates and rate limits are never retried here; they go
	// back to the queue.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client implements crmsync.ExternalClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokenCache
	userAgent  string
	properties map[crmsync.EntityType][]string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ crmsync.ExternalClient = (*Client)(nil)

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("crm base url: %w", err)
	}
	source, refreshable := opts.TokenSource, opts.TokenSource != nil
	if source == nil {
		token := strings.TrimSpace(opts.AccessToken)
		if token == "" {
			return nil, fmt.Errorf("crm access token or token source is required")
		}
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 20 * time.Second}
	}
	tokens := &tokenCache{source: source, refreshable: refreshable}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: tokens, Base: base.Transport},
		Timeout:   base.Timeout,
	}
	properties := map[crmsync.EntityType][]string{}
	for _, entityType := range crmsync.EntityTypes() {
		properties[entityType] = ruleTargets(crmsync.DefaultRules(entityType))
	}
	for entityType, names := range opts.Properties {
		properties[entityType] = append([]string(nil), names...)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		properties: properties,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

// RefreshTokenSource returns a token source that exchanges a long-lived
// refresh token at tokenURL on every call. The client caches what it returns.
func RefreshTokenSource(ctx context.Context, clientID, clientSecret, tokenURL, refreshToken string) oauth2.TokenSource {
	return &refreshSource{
		ctx: ctx,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		refreshToken: refreshToken,
	}
}

type refreshSource struct {
	ctx    context.Context
	config *oauth2.Config

	mu           sync.Mutex
	refreshToken string
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.config.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	if token.RefreshToken != "" {
		s.refreshToken = token.RefreshToken
	}
	return token, nil
}

// tokenCache reuses a token until it expires or the CRM rejects it.
type tokenCache struct {
	source      oauth2.TokenSource
	refreshable bool

	mu    sync.Mutex
	token *oauth2.Token
}

func (c *tokenCache) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid() {
		return c.token, nil
	}
	token, err := c.source.Token()
	if err != nil {
		return nil, err
	}
	c.token = token
	return token, nil
}

// invalidate drops the cached token and reports whether the next call can
// get a different one.
func (c *tokenCache) invalidate() bool {
	if !c.refreshable {
		return false
	}
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	return true
}

func ruleTargets(rules []crmsync.MappingRule) []string {
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		if rule.Target != "" {
			out = append(out, rule.Target)
		}
	}
	return out
}

type objectBody struct {
	Properties map[string]string `json:"properties"`
}

type objectResponse struct {
	ID                    string                       `json:"id"`
	Properties            map[string]*string           `json:"properties"`
	PropertiesWithHistory map[string][]propertyVersion `json:"propertiesWithHistory"`
	UpdatedAt             time.Time                    `json:"updatedAt"`
	Archived              bool                         `json:"archived"`
}

type propertyVersion struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Category      string `json:"category"`
	CorrelationID string `json:"correlationId"`
}

func (c *Client) Create(ctx context.Context, entityType crmsync.EntityType, properties crmsync.Fields) (string, error) {
	path, err := objectPath(entityType, "")
	if err != nil {
		return "", err
	}
	var created objectResponse
	if err := c.do(ctx, http.MethodPost, path, nil, objectBody{Properties: encodeProperties(properties)}, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", crmsync.Transient(fmt.Errorf("create %s: response carried no id", entityType))
	}
	return created.ID, nil
}

func (c *Client) Update(ctx context.Context, entityType crmsync.EntityType, externalID string, properties crmsync.Fields) error {
	path, err := objectPath(entityType, externalID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, path, nil, objectBody{Properties: encodeProperties(properties)}, nil)
}

func (c *Client) Delete(ctx context.Context, entityType crmsync.EntityType, externalID string) error {
	path, err := objectPath(entityType, externalID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) Get(ctx context.Context, entityType crmsync.EntityType, externalID string) (crmsync.ExternalRecord, error) {
	path, err := objectPath(entityType, externalID)
	if err != nil {
		return crmsync.ExternalRecord{}, err
	}
	query := url.Values{}
	if names := c.properties[entityType]; len(names) > 0 {
		joined := strings.Join(names, ",")
		query.Set("properties", joined)
		query.Set("propertiesWithHistory", joined)
	}
	query.Set("archived", "false")
	var object objectResponse
	if err := c.do(ctx, http.MethodGet, path, query, nil, &object); err != nil {
		return crmsync.ExternalRecord{}, err
	}
	if object.Archived {
		return crmsync.ExternalRecord{}, crmsync.Permanent(fmt.Errorf("%w: %s %s is archived", crmsync.ErrExternalNotFound, entityType, externalID))
	}
	return decodeObject(object), nil
}

func objectPath(entityType crmsync.EntityType, externalID string) (string, error) {
	collection, ok := objectPaths[entityType]
	if !ok {
		return "", crmsync.Permanent(fmt.Errorf("%w: no crm object for entity type %q", crmsync.ErrInvalidInput, entityType))
	}
	path := "/crm/v3/objects/" + collection
	if externalID != "" {
		path += "/" + url.PathEscape(externalID)
	}
	return path, nil
}

// encodeProperties renders values the way the CRM stores them: strings,
// with numbers in their shortest form and booleans as true/false.
func encodeProperties(fields crmsync.Fields) map[string]string {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		switch v := value.(type) {
		case nil:
			out[name] = ""
		case string:
			out[name] = v
		case float64:
			out[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			out[name] = strconv.Itoa(v)
		case int64:
			out[name] = strconv.FormatInt(v, 10)
		case bool:
			out[name] = strconv.FormatBool(v)
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}

func decodeObject(object objectResponse) crmsync.ExternalRecord {
	record := crmsync.ExternalRecord{
		ID:                object.ID,
		Properties:        crmsync.Fields{},
		PropertyUpdatedAt: map[string]time.Time{},
		UpdatedAt:         object.UpdatedAt,
	}
	for name, value := range object.Properties {
		// The CRM reports unset properties as null; they are absent here so
		// they never read as a change to the empty string.
		if value == nil {
			continue
		}
		record.Properties[name] = *value
	}
	for name, versions := range object.PropertiesWithHistory {
		for _, version := range versions {
			if version.Timestamp.After(record.PropertyUpdatedAt[name]) {
				record.PropertyUpdatedAt[name] = version.Timestamp
			}
		}
	}
	return record
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return crmsync.Permanent(fmt.Errorf("%w: encode request: %v", crmsync.ErrInvalidInput, err))
		}
		body = encoded
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	// A POST may have created the object before the failure surfaced, so
	// creates are not retried in-call.
	retries := c.maxRetries
	if method == http.MethodPost {
		retries = 0
	}
	refreshed := false
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return crmsync.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < retries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return crmsync.Transient(waitErr)
				}
				continue
			}
			return crmsync.Transient(fmt.Errorf("%s %s: %w", method, path, err))
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return crmsync.Transient(fmt.Errorf("%s %s: read response: %w", method, path, readErr))
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return crmsync.Transient(fmt.Errorf("%s %s: decode response: %w", method, path, err))
			}
			return nil
		}
		if resp.StatusCode == http.StatusUnauthorized && !refreshed && c.tokens.invalidate() {
			refreshed = true
			attempt--
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return crmsync.Transient(waitErr)
			}
			continue
		}
		return classify(resp, respBody, method, path)
	}
}

// classify turns a non-2xx response into a crmsync.SyncError.
func classify(resp *http.Response, body []byte, method, path string) error {
	syncErr := &crmsync.SyncError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil {
		syncErr.Code = parsed.Category
		if strings.TrimSpace(parsed.Message) != "" {
			syncErr.Message = parsed.Message
		}
	}
	if syncErr.Message == "" {
		syncErr.Message = http.StatusText(resp.StatusCode)
	}
	syncErr.Message = fmt.Sprintf("%s %s: %s", method, path, syncErr.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		syncErr.Kind = crmsync.ErrorRateLimited
		syncErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusNotFound:
		syncErr.Kind = crmsync.ErrorPermanent
		syncErr.Err = crmsync.ErrExternalNotFound
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		syncErr.Kind = crmsync.ErrorTransient
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		syncErr.Kind = crmsync.ErrorPermanent
		syncErr.Err = crmsync.ErrInvalidInput
	default:
		syncErr.Kind = crmsync.ErrorPermanent
	}
	return syncErr
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Missing or
// malformed headers yield one second.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Second
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return time.Second
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
		return 0
	}
	return time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
