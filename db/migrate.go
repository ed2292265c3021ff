package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFiles embed.FS

const migrationDir = "sqlite/migrations"

// Migration is one embedded schema file. The version is the numeric prefix
// of the file name; files apply in name order.
type Migration struct {
	Version  string
	Name     string
	Checksum string
	body     string
}

// Migrations lists the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationFiles.ReadFile(path.Join(migrationDir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", entry.Name())
		}
		version, _, _ := strings.Cut(entry.Name(), "_")
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			Checksum: strconv.FormatUint(xxhash.Sum64(data), 16),
			body:     string(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Migrate runs all pending migrations of the broker schema.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(conn *sql.DB, logger *zap.SugaredLogger) error {
	_, err := MigrateContext(context.Background(), conn, logger)
	return err
}

// MigrateContext applies pending migrations, each in its own transaction,
// and returns the ones it applied. A migration whose file changed after it
// was applied is a configuration error: the schema no longer matches the code.
func MigrateContext(ctx context.Context, conn *sql.DB, logger *zap.SugaredLogger) ([]Migration, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, m := range all {
		if sum, ok := applied[m.Version]; ok {
			if sum != "" && sum != m.Checksum {
				return done, errors.NewConfigurationError(
					"migration %s changed after it was applied (checksum %s, now %s)", m.Name, sum, m.Checksum)
			}
			logger.Debugw("Skipping migration (already applied)", "migration", m.Name)
			continue
		}

		logger.Infow("Applying migration", "migration", m.Name, "version", m.Version)
		if err := apply(ctx, conn, m); err != nil {
			return done, err
		}
		done = append(done, m)
	}

	logger.Infow("Migrations complete", "total_migrations", len(all), "applied", len(done))
	return done, nil
}

// appliedChecksums maps applied versions to their recorded checksum.
// Before migration 000 has run the map is empty.
func appliedChecksums(ctx context.Context, conn *sql.DB) (map[string]string, error) {
	var exists bool
	if err := conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations')`,
	).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	applied := make(map[string]string)
	if !exists {
		return applied, nil
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	// 000 creates the table, then records itself
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
		m.Version, m.Name, m.Checksum); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}
