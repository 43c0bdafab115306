package crmsync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ExternalClient is the external CRM's object API. Implementations classify
// failures with SyncError so rate limits surface with their Retry-After.
type ExternalClient interface {
	Create(ctx context.Context, entityType EntityType, properties Fields) (string, error)
	Update(ctx context.Context, entityType EntityType, externalID string, properties Fields) error
	Delete(ctx context.Context, entityType EntityType, externalID string) error
	Get(ctx context.Context, entityType EntityType, externalID string) (ExternalRecord, error)
}

// ClientCall is one request observed by MemoryClient.
type ClientCall struct {
	Method     string
	EntityType EntityType
	ExternalID string
	Properties Fields
}

// MemoryClient is an in-process external CRM. It backs the memory profile
// and tests, and records every call.
type MemoryClient struct {
	mu       sync.Mutex
	objects  map[EntityType]map[string]ExternalRecord
	calls    []ClientCall
	failures map[string][]error
	nextID   int
	now      func() time.Time
	// Latency delays each call, honoring context cancellation.
	Latency time.Duration
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects:  map[EntityType]map[string]ExternalRecord{},
		failures: map[string][]error{},
		nextID:   1000,
		now:      utcNow,
	}
}

// FailNext makes the next calls to method return errs in order.
func (c *MemoryClient) FailNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// Seed stores an object as if it had been created externally.
func (c *MemoryClient) Seed(entityType EntityType, externalID string, properties Fields) ExternalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	record := ExternalRecord{ID: externalID, Properties: properties.Clone(), PropertyUpdatedAt: map[string]time.Time{}, UpdatedAt: now}
	for field := range record.Properties {
		record.PropertyUpdatedAt[field] = now
	}
	c.bucket(entityType)[externalID] = record
	return record
}

// Edit changes properties out of band, the way a user of the external CRM
// would. It is not recorded as a call.
func (c *MemoryClient) Edit(entityType EntityType, externalID string, properties Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.bucket(entityType)[externalID]
	if !ok {
		return
	}
	c.apply(&record, properties)
	c.bucket(entityType)[externalID] = record
}

func (c *MemoryClient) Object(entityType EntityType, externalID string) (ExternalRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.bucket(entityType)[externalID]
	if !ok {
		return ExternalRecord{}, false
	}
	return cloneExternal(record), true
}

func (c *MemoryClient) Calls() []ClientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClientCall(nil), c.calls...)
}

// Writes counts calls that change external state.
func (c *MemoryClient) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method != "get" {
			n++
		}
	}
	return n
}

func (c *MemoryClient) Create(ctx context.Context, entityType EntityType, properties Fields) (string, error) {
	if err := c.begin(ctx, "create", ClientCall{EntityType: entityType, Properties: properties.Clone()}); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	externalID := strconv.Itoa(c.nextID)
	record := ExternalRecord{ID: externalID, Properties: Fields{}, PropertyUpdatedAt: map[string]time.Time{}}
	c.apply(&record, properties)
	c.bucket(entityType)[externalID] = record
	c.calls[len(c.calls)-1].ExternalID = externalID
	return externalID, nil
}

func (c *MemoryClient) Update(ctx context.Context, entityType EntityType, externalID string, properties Fields) error {
	if err := c.begin(ctx, "update", ClientCall{EntityType: entityType, ExternalID: externalID, Properties: properties.Clone()}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.bucket(entityType)[externalID]
	if !ok || record.Archived {
		return &SyncError{Kind: ErrorPermanent, StatusCode: 404, Message: "object " + externalID + " not found", Err: ErrExternalNotFound}
	}
	c.apply(&record, properties)
	c.bucket(entityType)[externalID] = record
	return nil
}

func (c *MemoryClient) Delete(ctx context.Context, entityType EntityType, externalID string) error {
	if err := c.begin(ctx, "delete", ClientCall{EntityType: entityType, ExternalID: externalID}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.bucket(entityType)[externalID]
	if !ok || record.Archived {
		return &SyncError{Kind: ErrorPermanent, StatusCode: 404, Message: "object " + externalID + " not found", Err: ErrExternalNotFound}
	}
	record.Archived = true
	record.UpdatedAt = c.now()
	c.bucket(entityType)[externalID] = record
	return nil
}

func (c *MemoryClient) Get(ctx context.Context, entityType EntityType, externalID string) (ExternalRecord, error) {
	if err := c.begin(ctx, "get", ClientCall{EntityType: entityType, ExternalID: externalID}); err != nil {
		return ExternalRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.bucket(entityType)[externalID]
	if !ok || record.Archived {
		return ExternalRecord{}, &SyncError{Kind: ErrorPermanent, StatusCode: 404, Message: "object " + externalID + " not found", Err: ErrExternalNotFound}
	}
	return cloneExternal(record), nil
}

func (c *MemoryClient) begin(ctx context.Context, method string, call ClientCall) error {
	if c.Latency > 0 {
		if err := sleepContext(ctx, c.Latency); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	call.Method = method
	c.calls = append(c.calls, call)
	if queued := c.failures[method]; len(queued) > 0 {
		err := queued[0]
		c.failures[method] = queued[1:]
		return err
	}
	return nil
}

func (c *MemoryClient) bucket(entityType EntityType) map[string]ExternalRecord {
	bucket, ok := c.objects[entityType]
	if !ok {
		bucket = map[string]ExternalRecord{}
		c.objects[entityType] = bucket
	}
	return bucket
}

func (c *MemoryClient) apply(record *ExternalRecord, properties Fields) {
	now := c.now()
	if record.Properties == nil {
		record.Properties = Fields{}
	}
	if record.PropertyUpdatedAt == nil {
		record.PropertyUpdatedAt = map[string]time.Time{}
	}
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := properties[key]
		if current, ok := record.Properties[key]; ok && valuesEqual(current, value) {
			continue
		}
		record.Properties[key] = value
		record.PropertyUpdatedAt[key] = now
	}
	record.UpdatedAt = now
}

func cloneExternal(record ExternalRecord) ExternalRecord {
	out := record
	out.Properties = record.Properties.Clone()
	out.PropertyUpdatedAt = make(map[string]time.Time, len(record.PropertyUpdatedAt))
	for k, v := range record.PropertyUpdatedAt {
		out.PropertyUpdatedAt[k] = v
	}
	return out
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
