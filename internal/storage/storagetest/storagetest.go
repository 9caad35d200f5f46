// Package storagetest opens migrated in-memory gateways for tests.
package storagetest

import (
	"context"
	"testing"

	"flowchat/internal/config"
	"flowchat/internal/models"
	"flowchat/internal/storage"

	"github.com/stretchr/testify/require"
)

// NewGateway returns a gateway over a fresh sqlite :memory: database.
func NewGateway(t testing.TB) *storage.Gateway {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err, "open db")
	require.NoError(t, storage.Migrate(db, "sqlite3"), "migrate db")
	t.Cleanup(func() { db.Close() })
	return storage.NewGateway(db, "sqlite3")
}

// NewRoom creates a room named name.
func NewRoom(t testing.TB, gw *storage.Gateway, name string) *models.Room {
	t.Helper()
	room, err := gw.CreateRoom(context.Background(), name, "", "")
	require.NoError(t, err, "create room")
	return room
}
