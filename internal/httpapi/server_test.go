package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/crmsync/internal/crmsync"
	"github.com/agentworkforce/crmsync/internal/database/dbtest"
)

const (
	testSecret  = "test-jwt-secret"
	testAccount = "portal-1"
	hookSecret  = "s3cret"
)

var allScopes = []string{scopeSyncRead, scopeSyncTrigger, scopeResolve, scopeSettings, scopeRecordsRead, scopeRecordsWrite}

type fixture struct {
	t      *testing.T
	svc    *crmsync.Service
	client *crmsync.MemoryClient
	server *Server
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := crmsync.NewMemoryClient()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := crmsync.NewService(dbtest.NewDB(t), crmsync.NewRegistry(client), crmsync.Options{
		Logger:     logger,
		Dispatcher: crmsync.DispatcherOptions{Workers: 1},
	})
	require.NoError(t, err)
	return &fixture{
		t:      t,
		svc:    svc,
		client: client,
		server: NewServerWithConfig(svc, ServerConfig{JWTSecret: testSecret, Logger: logger}),
		token:  mustToken(t, "ws_1", "ops-bot", allScopes),
	}
}

func mustToken(t *testing.T, workspaceID, subject string, scopes []string) string {
	t.Helper()
	token, err := SignToken(testSecret, workspaceID, subject, scopes, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return token
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func (f *fixture) do(r request) *httptest.ResponseRecorder {
	f.t.Helper()
	var body []byte
	switch typed := r.body.(type) {
	case nil:
	case string:
		body = []byte(typed)
	default:
		data, err := json.Marshal(typed)
		require.NoError(f.t, err)
		body = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(body))
	if _, ok := r.headers["Authorization"]; !ok {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func (f *fixture) drain() {
	f.t.Helper()
	for i := 0; i < 5; i++ {
		n, err := f.svc.Dispatcher().RunOnce(context.Background())
		require.NoError(f.t, err)
		if n == 0 {
			return
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(request{method: http.MethodGet, path: "/health", headers: map[string]string{"Authorization": ""}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue", headers: map[string]string{"Authorization": ""}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_2/sync/queue"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	readOnly := mustToken(t, "ws_1", "viewer", []string{scopeSyncRead})
	rec = f.do(request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/ws_1/sync/trigger",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
		body:    map[string]any{"entityType": "person"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "forbidden", body["code"])
	assert.Contains(t, body["message"], scopeSyncTrigger)

	forged, err := SignToken("other-secret", "ws_1", "ops-bot", allScopes, time.Now().Add(time.Hour))
	require.NoError(t, err)
	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue", headers: map[string]string{"Authorization": "Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := SignToken(testSecret, "ws_1", "ops-bot", allScopes, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue", headers: map[string]string{"Authorization": "Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := mustToken(t, "*", "admin", []string{scopeSyncRead})
	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_9/sync/queue", headers: map[string]string{"Authorization": "Bearer " + admin}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerOperator(t *testing.T) {
	f := newFixture(t)
	f.server = NewServerWithConfig(f.svc, ServerConfig{JWTSecret: testSecret, RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec := f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRecordMutationsQueueSync(t *testing.T) {
	f := newFixture(t)

	rec := f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/records/person",
		body:   map[string]any{"id": "p_1", "fields": map[string]any{"email": "a@x.com", "first_name": "Ada"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	change := decode[crmsync.RecordChange](t, rec)
	require.NotNil(t, change.Item)
	assert.Equal(t, crmsync.OpCreate, change.Item.Operation)

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/queue?status=pending"})
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[struct {
		Depth map[crmsync.QueueStatus]int `json:"depth"`
		Items []crmsync.SyncQueueItem     `json:"items"`
	}](t, rec)
	assert.Equal(t, 1, queue.Depth[crmsync.QueuePending])
	require.Len(t, queue.Items, 1)

	f.drain()
	object, ok := f.client.Object(crmsync.EntityPerson, "1001")
	require.True(t, ok)
	assert.Equal(t, "Ada", object.Properties["firstname"])

	rec = f.do(request{
		method: http.MethodPatch,
		path:   "/v1/workspaces/ws_1/records/person/p_1",
		body:   map[string]any{"fields": map[string]any{"job_title": "CTO"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f.drain()
	object, _ = f.client.Object(crmsync.EntityPerson, "1001")
	assert.Equal(t, "CTO", object.Properties["jobtitle"])

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/records/person/p_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	record := decode[crmsync.Record](t, rec)
	assert.Equal(t, "CTO", record.Fields["job_title"])

	rec = f.do(request{method: http.MethodDelete, path: "/v1/workspaces/ws_1/records/person/p_1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.drain()
	object, ok = f.client.Object(crmsync.EntityPerson, "1001")
	require.True(t, ok)
	assert.True(t, object.Archived)

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/records/ticket/p_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/records/person/missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSyncAndObjectSettings(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRecord(context.Background(), "ws_1", crmsync.EntityDeal, "d_1", crmsync.Fields{"title": "Renewal"})
	require.NoError(t, err)

	rec := f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/sync/trigger",
		body:   map[string]any{"entityType": "deal", "direction": "to_external"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[crmsync.TriggerResult](t, rec)
	assert.Equal(t, 1, result.Synced)

	rec = f.do(request{
		method: http.MethodPut,
		path:   "/v1/workspaces/ws_1/sync/objects/deal",
		body:   map[string]any{"enabled": false, "direction": "bidirectional"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/objects/deal"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[crmsync.ObjectSettings](t, rec).Enabled)

	rec = f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/sync/trigger",
		body:   map[string]any{"entityType": "deal"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "sync_disabled", decode[map[string]any](t, rec)["code"])

	rec = f.do(request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync/trigger", body: "{"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookConflictResolvedOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(request{
		method: http.MethodPut,
		path:   "/v1/workspaces/ws_1/sync/settings",
		body:   map[string]any{"accountId": testAccount, "webhookSecret": hookSecret},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), hookSecret)

	_, err := f.svc.CreateRecord(ctx, "ws_1", crmsync.EntityPerson, "p_1", crmsync.Fields{"email": "a@x.com"})
	require.NoError(t, err)
	f.drain()
	_, err = f.svc.UpdateRecord(ctx, crmsync.EntityKey{WorkspaceID: "ws_1", EntityType: crmsync.EntityPerson, EntityID: "p_1"}, crmsync.Fields{"email": "in@x.com"})
	require.NoError(t, err)
	f.client.Edit(crmsync.EntityPerson, "1001", crmsync.Fields{"email": "ex@x.com"})

	payload := `{"eventId": 77, "subscriptionType": "contact.propertyChange", "objectId": 1001, "propertyName": "email", "propertyValue": "ex@x.com"}`
	rec = f.do(request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/" + testAccount,
		headers: map[string]string{"Authorization": "", SignatureHeader: "sha256=deadbeef"},
		body:    payload,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/portal-unknown",
		headers: map[string]string{"Authorization": "", SignatureHeader: crmsync.Sign(hookSecret, []byte(payload))},
		body:    payload,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/" + testAccount,
		headers: map[string]string{"Authorization": "", SignatureHeader: crmsync.Sign(hookSecret, []byte(payload))},
		body:    payload,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[crmsync.IngestResult](t, rec).Accepted)

	_, err = f.svc.ProcessWebhooks(ctx, 0)
	require.NoError(t, err)

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/conflicts?status=pending&entityType=person"})
	require.Equal(t, http.StatusOK, rec.Code)
	conflicts := decode[struct {
		Items []crmsync.SyncConflict `json:"items"`
	}](t, rec)
	require.Len(t, conflicts.Items, 1)
	conflictID := conflicts.Items[0].ID

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/conflicts/" + conflictID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/sync/conflicts/" + conflictID + "/resolve",
		body:   map[string]any{"strategy": "prefer_internal"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolution := decode[crmsync.Resolution](t, rec)
	assert.Equal(t, crmsync.ConflictResolved, resolution.Conflict.Status)
	assert.Equal(t, "ops-bot", resolution.Conflict.ResolvedBy)
	assert.Len(t, resolution.Enqueued, 1)

	rec = f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/sync/conflicts/" + conflictID + "/resolve",
		body:   map[string]any{"strategy": "prefer_internal"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/sync/conflicts/resolve",
		body:   map[string]any{"strategy": "merge"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterReplayAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.FailNext("create", crmsync.Permanent(assert.AnError), crmsync.Permanent(assert.AnError))
	first, err := f.svc.CreateRecord(ctx, "ws_1", crmsync.EntityPerson, "p_1", crmsync.Fields{"email": "a@x.com"})
	require.NoError(t, err)
	second, err := f.svc.CreateRecord(ctx, "ws_1", crmsync.EntityPerson, "p_2", crmsync.Fields{"email": "b@x.com"})
	require.NoError(t, err)
	f.drain()

	rec := f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/failures?limit=10"})
	require.Equal(t, http.StatusOK, rec.Code)
	failures := decode[struct {
		Items []crmsync.SyncQueueItem `json:"items"`
	}](t, rec)
	assert.Len(t, failures.Items, 2)

	rec = f.do(request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync/dead-letter/" + first.Item.ID + "/replay"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, crmsync.QueuePending, decode[crmsync.SyncQueueItem](t, rec).Status)

	rec = f.do(request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync/dead-letter/" + second.Item.ID + "/ack"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, crmsync.QueueIgnored, decode[crmsync.SyncQueueItem](t, rec).Status)

	rec = f.do(request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync/dead-letter/" + second.Item.ID + "/ack"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.drain()
	_, ok := f.client.Object(crmsync.EntityPerson, "1001")
	assert.True(t, ok)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRecord(context.Background(), "ws_1", crmsync.EntityPerson, "p_1", crmsync.Fields{"email": "a@x.com"})
	require.NoError(t, err)
	f.drain()

	rec := f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[struct {
		Items []crmsync.SyncMetric `json:"items"`
	}](t, rec)
	require.Len(t, metrics.Items, 1)
	assert.Equal(t, int64(1), metrics.Items[0].Succeeded)

	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/metrics?from=yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(request{method: http.MethodGet, path: "/v1/workspaces/ws_1/sync/metrics?from=2024-05-02&to=2024-05-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t)
	f.server = NewServerWithConfig(f.svc, ServerConfig{JWTSecret: testSecret, MaxBodyBytes: 16})
	rec := f.do(request{
		method: http.MethodPost,
		path:   "/v1/workspaces/ws_1/records/person",
		body:   map[string]any{"fields": map[string]any{"email": "long-enough@x.com"}},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDashboardServesHTML(t *testing.T) {
	f := newFixture(t)
	rec := f.do(request{method: http.MethodGet, path: "/dashboard"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "/sync/stream")
}

func TestStreamPushesQueueEvents(t *testing.T) {
	f := newFixture(t)
	httpServer := httptest.NewServer(f.server)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, httpServer.URL+"/v1/workspaces/ws_1/sync/stream", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, "snapshot", snapshot["kind"])

	_, err = f.svc.CreateRecord(context.Background(), "ws_1", crmsync.EntityPerson, "p_1", crmsync.Fields{"email": "a@x.com"})
	require.NoError(t, err)
	f.drain()

	var event crmsync.Event
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, crmsync.EventQueue, event.Kind)
	assert.Equal(t, "p_1", event.EntityID)
}

func TestStreamRequiresToken(t *testing.T) {
	f := newFixture(t)
	httpServer := httptest.NewServer(f.server)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, httpServer.URL+"/v1/workspaces/ws_1/sync/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, httpServer.URL+"/v1/workspaces/ws_1/sync/stream?access_token="+f.token, nil)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}
