package mappingfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/crmsync/internal/crmsync"
	"github.com/agentworkforce/crmsync/internal/database/dbtest"
)

const sample = `{
  "workspaces": [
    {
      "id": "ws_1",
      "accountId": "portal-1",
      "webhookSecret": "${CRMSYNC_TEST_HOOK_SECRET}",
      "deletePolicy": "hard_delete",
      "objects": {
        "person": {
          "direction": "to_external",
          "rules": [
            {"source": "nickname", "target": "firstname", "transform": "trim"},
            {"source": "phone", "target": ""}
          ]
        },
        "deal": {"enabled": false}
      }
    }
  ]
}`

func newService(t *testing.T) *crmsync.Service {
	t.Helper()
	svc, err := crmsync.NewService(dbtest.NewDB(t), crmsync.NewRegistry(crmsync.NewMemoryClient()), crmsync.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return svc
}

func TestParseValidFile(t *testing.T) {
	file, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, file.Workspaces, 1)
	ws := file.Workspaces[0]
	assert.Equal(t, crmsync.DeleteHard, ws.DeletePolicy)
	require.Contains(t, ws.Objects, crmsync.EntityPerson)
	assert.Len(t, ws.Objects[crmsync.EntityPerson].Rules, 2)
	require.NotNil(t, ws.Objects[crmsync.EntityDeal].Enabled)
	assert.False(t, *ws.Objects[crmsync.EntityDeal].Enabled)
}

func TestParseRejectsInvalidFiles(t *testing.T) {
	for name, body := range map[string]string{
		"not json":          `{`,
		"missing id":        `{"workspaces": [{"accountId": "x"}]}`,
		"unknown type":      `{"workspaces": [{"id": "ws_1", "objects": {"ticket": {}}}]}`,
		"unknown transform": `{"workspaces": [{"id": "ws_1", "objects": {"person": {"rules": [{"source": "a", "transform": "reverse"}]}}}]}`,
		"unknown field":     `{"workspaces": [{"id": "ws_1", "color": "blue"}]}`,
		"bad direction":     `{"workspaces": [{"id": "ws_1", "objects": {"deal": {"direction": "sideways"}}}]}`,
		"duplicate":         `{"workspaces": [{"id": "ws_1"}, {"id": "ws_1"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.ErrorIs(t, err, crmsync.ErrInvalidInput)
		})
	}
}

func TestApplyConfiguresService(t *testing.T) {
	t.Setenv("CRMSYNC_TEST_HOOK_SECRET", "from-env")
	ctx := context.Background()
	svc := newService(t)
	file, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.NoError(t, Apply(ctx, svc, file))

	person, err := svc.GetObjectSettings(ctx, "ws_1", crmsync.EntityPerson)
	require.NoError(t, err)
	assert.True(t, person.Enabled)
	assert.Equal(t, crmsync.DirectionToExternal, person.Direction)
	assert.Len(t, person.Rules, 2)

	deal, err := svc.GetObjectSettings(ctx, "ws_1", crmsync.EntityDeal)
	require.NoError(t, err)
	assert.False(t, deal.Enabled)
	assert.Equal(t, crmsync.DirectionBidirectional, deal.Direction)

	workspace, err := svc.Settings().GetWorkspace(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, "portal-1", workspace.AccountID)
	assert.Equal(t, "from-env", workspace.WebhookSecret)
	assert.Equal(t, crmsync.DeleteHard, workspace.DeletePolicy)
}

func TestWatchReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t)
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workspaces": [{"id": "ws_1", "objects": {"deal": {"enabled": true}}}]}`), 0o600))

	require.NoError(t, Watch(ctx, path, svc, slog.New(slog.NewTextHandler(io.Discard, nil))))
	deal, err := svc.GetObjectSettings(ctx, "ws_1", crmsync.EntityDeal)
	require.NoError(t, err)
	require.True(t, deal.Enabled)

	// An invalid edit leaves the previous settings in place.
	require.NoError(t, os.WriteFile(path, []byte(`{"workspaces": [{"id": ""}]}`), 0o600))
	time.Sleep(3 * reloadDebounce)
	deal, err = svc.GetObjectSettings(ctx, "ws_1", crmsync.EntityDeal)
	require.NoError(t, err)
	assert.True(t, deal.Enabled)

	require.NoError(t, os.WriteFile(path, []byte(`{"workspaces": [{"id": "ws_1", "objects": {"deal": {"enabled": false}}}]}`), 0o600))
	assert.Eventually(t, func() bool {
		deal, err := svc.GetObjectSettings(ctx, "ws_1", crmsync.EntityDeal)
		return err == nil && !deal.Enabled
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchFailsOnInvalidInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workspaces": "nope"}`), 0o600))
	err := Watch(context.Background(), path, newService(t), nil)
	assert.ErrorIs(t, err, crmsync.ErrInvalidInput)
}
