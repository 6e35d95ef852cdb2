package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"luxmap/internal/utils"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db     *sql.DB
	logger utils.ExtendedLogger
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sql.DB, logger utils.ExtendedLogger) *MigrationRunner {
	return &MigrationRunner{db: db, logger: logger}
}

// RunMigrations applies every migration in fsys that is not yet recorded in
// schema_migrations, in version order.
func (mr *MigrationRunner) RunMigrations(fsys fs.FS) (int, error) {
	if err := mr.createMigrationsTable(); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := mr.getAppliedMigrations()
	if err != nil {
		return 0, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	mr.logger.Debugf("📊 Found %d migration files, %d already applied", len(migrations), len(applied))

	count := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		mr.logger.Infof("🔄 Running migration %d: %s", migration.Version, migration.Name)
		if err := mr.runMigration(migration); err != nil {
			return count, fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	_, err := mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// LoadMigrations reads NNN_name.sql files from the root of fsys, or from a
// "migrations" directory when present, sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	dir := "."
	if info, err := fs.Stat(fsys, "migrations"); err == nil && info.IsDir() {
		dir = "migrations"
	}

	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var migrations []Migration
	for _, file := range files {
		filename := path.Base(file)
		// Filename format: "001_initial_schema.sql"
		if len(filename) < 9 || filename[3] != '_' {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(filename[:3], "%d", &version); err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    filename[4 : len(filename)-4],
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (mr *MigrationRunner) getAppliedMigrations() (map[int]bool, error) {
	rows, err := mr.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (mr *MigrationRunner) runMigration(migration Migration) error {
	tx, err := mr.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	mr.logger.Infof("✅ Applied migration %d: %s", migration.Version, migration.Name)
	return nil
}
