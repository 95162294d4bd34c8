package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "fleet.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "fleet.db")})
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))
	assert.Equal(t, "sqlite", db.Driver())
}

func TestWebhookPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := webhooks.Registration{
		ID: "wh_1", Name: "ci", URL: "http://ci.local/hook", Events: []string{"job:completed", "*"},
		Secret: "s", Active: true, CreatedAt: 10, TotalFired: 2,
	}
	require.NoError(t, s.SaveWebhook(ctx, reg))
	reg.Active = false
	require.NoError(t, s.SaveWebhook(ctx, reg))

	got, err := s.Webhooks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"job:completed", "*"}, got[0].Events)
	assert.False(t, got[0].Active)
	assert.True(t, got[0].HasSecret)
	assert.EqualValues(t, 2, got[0].TotalFired)

	require.NoError(t, s.DeleteWebhook(ctx, "wh_1"))
	got, err = s.Webhooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepoPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := router.Record{
		Identity:     router.Identity{Name: "dao", Capabilities: []string{"contracts"}, AcceptsTasksFrom: []string{"*"}},
		RegisteredAt: 100,
		LastSeen:     200,
	}
	require.NoError(t, s.SaveRepo(ctx, rec))
	rec.Identity.Capabilities = append(rec.Identity.Capabilities, "audit")
	rec.LastSeen = 300
	require.NoError(t, s.SaveRepo(ctx, rec))

	repos, err := s.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, []string{"contracts", "audit"}, repos[0].Identity.Capabilities)
	assert.EqualValues(t, 100, repos[0].RegisteredAt)
	assert.EqualValues(t, 300, repos[0].UpdatedAt)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
	_, err = Open(config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}
