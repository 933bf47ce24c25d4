package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"database/sql"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// Dialect names the backing SQL dialect a Migrator targets.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a driver name from Config into a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported store dialect: %s", driver)
	}
}

// MigrationInfo summarizes the current migration state.
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Migrator runs the forward-only, transactional schema migrations a fresh
// Athena deployment needs before serving traffic.
type Migrator struct {
	dialect Dialect
	db      *sql.DB
	migrate *migrate.Migrate
}

// NewMigrator opens db (already connected) and prepares the embedded
// migration set for dialect.
func NewMigrator(dialect Dialect, db *sql.DB) (*Migrator, error) {
	var dbDriver database.Driver
	var err error

	switch dialect {
	case DialectPostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	case DialectSQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: "schema_migrations"})
	default:
		return nil, fmt.Errorf("unsupported store dialect: %s", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	srcDriver, err := sourceDriverFor(dialect)
	if err != nil {
		return nil, err
	}

	mig, err := migrate.NewWithInstance("iofs", srcDriver, string(dialect), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{dialect: dialect, db: db, migrate: mig}, nil
}

func sourceDriverFor(dialect Dialect) (source.Driver, error) {
	var fsys fs.FS
	var path string

	switch dialect {
	case DialectPostgres:
		fsys, path = postgresMigrationsFS, "migrations/postgres"
	case DialectSQLite:
		fsys, path = sqliteMigrationsFS, "migrations/sqlite"
	default:
		return nil, fmt.Errorf("unsupported store dialect: %s", dialect)
	}
	return iofs.New(fsys, path)
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down: %w", err)
	}
	return nil
}

// DownAll rolls back every applied migration.
func (m *Migrator) DownAll(ctx context.Context) error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down all: %w", err)
	}
	return nil
}

// Goto migrates forward or backward to the given version.
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration goto %d: %w", version, err)
	}
	return nil
}

// Force sets the recorded migration version without running any
// migration, clearing a dirty flag left by a failed apply.
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force %d: %w", version, err)
	}
	return nil
}

// Version returns the currently applied migration version.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get version: %w", err)
	}
	return version, dirty, nil
}

// Info reports how many of the embedded migrations have been applied.
func (m *Migrator) Info(ctx context.Context) (*MigrationInfo, error) {
	currentVersion, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	migrations, err := m.availableMigrations()
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.version <= currentVersion {
			applied++
		}
	}

	return &MigrationInfo{
		CurrentVersion:    currentVersion,
		Dirty:             dirty,
		TotalMigrations:   len(migrations),
		AppliedMigrations: applied,
		PendingMigrations: len(migrations) - applied,
	}, nil
}

// Close releases the migrator's source and database handles. The
// caller's *sql.DB passed to NewMigrator is closed by this call too,
// matching golang-migrate's ownership model.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration db: %w", dbErr)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

func (m *Migrator) availableMigrations() ([]migrationFile, error) {
	var fsys fs.FS
	var path string

	switch m.dialect {
	case DialectPostgres:
		fsys, path = postgresMigrationsFS, "migrations/postgres"
	case DialectSQLite:
		fsys, path = sqliteMigrationsFS, "migrations/sqlite"
	default:
		return nil, fmt.Errorf("unsupported store dialect: %s", m.dialect)
	}

	entries, err := fs.ReadDir(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var migrations []migrationFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		if seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		migrations = append(migrations, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
