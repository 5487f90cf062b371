// Package storagetest opens migrated SQLite record stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/image-pipeline/internal/storage"
	"github.com/cuongbtq/image-pipeline/shared/database"
	"github.com/cuongbtq/image-pipeline/shared/logger"
	"github.com/stretchr/testify/require"
)

// New returns a Storage backed by a fresh SQLite file in t's temp dir
func New(t testing.TB) *storage.Storage {
	t.Helper()

	log := logger.NewNop().Logger
	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "records.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, storage.Migrate(context.Background(), client.GetDB()))

	return storage.NewStorage(client.GetDB(), log)
}
