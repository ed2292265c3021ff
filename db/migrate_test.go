package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/databroker/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "broker.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"schema_migrations",
		"agencies",
		"published_awards",
		"submissions",
		"submission_windows",
		"certify_history",
		"jobs",
		"job_dependencies",
		"staged_files",
		"staged_records",
		"file_status",
		"error_data",
		"warning_data",
	} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}
}

func TestMigrate(t *testing.T) {
	t.Run("records every migration", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "broker.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		all, err := Migrations()
		require.NoError(t, err)
		require.NotEmpty(t, all)
		assert.Equal(t, "000", all[0].Version)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(all), count)

		var checksum string
		require.NoError(t, db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = '003'").Scan(&checksum))
		assert.Equal(t, all[3].Checksum, checksum)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "broker.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		applied, err := MigrateContext(context.Background(), db, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, applied)

		applied, err = MigrateContext(context.Background(), db, nil)
		require.NoError(t, err, "running migrations multiple times should be safe")
		assert.Empty(t, applied)
	})

	t.Run("refuses an edited migration", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "broker.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		_, err = db.Exec("UPDATE schema_migrations SET checksum = 'deadbeef' WHERE version = '002'")
		require.NoError(t, err)

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, errors.IsConfiguration(err))
		assert.Contains(t, err.Error(), "002_create_submissions.sql changed")
	})

	t.Run("fails on a closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "broker.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})
}
