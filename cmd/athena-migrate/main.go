// Command athena-migrate applies and inspects Athena's durable-store
// schema migrations outside of normal server startup.
//
// Usage:
//
//	athena-migrate up                  # apply all pending migrations
//	athena-migrate down                # roll back the last migration
//	athena-migrate status               # show applied/pending counts
//	athena-migrate version              # show the current version
//	athena-migrate goto <version>       # migrate to a specific version
//	athena-migrate force <version>      # force-set the version (clears dirty)
//	athena-migrate reset                # roll back every migration
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		runUp(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		runVersion(os.Args[2:])
	case "goto":
		runGoto(os.Args[2:])
	case "force":
		runForce(os.Args[2:])
	case "reset":
		runReset(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Athena durable-store migrations

Usage:
  athena-migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Roll back the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force-set migration version (clears a dirty flag)
  reset     Roll back every migration
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database driver: postgres, sqlite (default: from config)
  --db-url <url>      Database connection string (default: from config)`)
}

func openMigrator(fs *flag.FlagSet, args []string) (*store.Migrator, error) {
	configPath := fs.String("config", "", "path to config file")
	dbType := fs.String("db-type", "", "database driver (postgres, sqlite)")
	dbURL := fs.String("db-url", "", "database connection string")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	driver := *dbType
	dsn := *dbURL

	if dsn == "" {
		loader := config.NewLoader()
		if *configPath != "" {
			loader = loader.WithConfigPath(*configPath)
		}
		cfg, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if driver == "" {
			driver = cfg.Store.Driver
		}
		dsn = cfg.Store.DSN()
	}

	dialect, err := store.ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(sqlDriverName(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	migrator, err := store.NewMigrator(dialect, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}

func sqlDriverName(dialect store.Dialect) string {
	switch dialect {
	case store.DialectPostgres:
		return "postgres"
	case store.DialectSQLite:
		return "sqlite3"
	default:
		return ""
	}
}

func runUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	m, err := openMigrator(fs, args)
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	if err := m.Up(context.Background()); err != nil {
		fail("migration up", err)
	}
	fmt.Println("migrations applied")
}

func runDown(args []string) {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	all := fs.Bool("all", false, "roll back every migration")
	m, err := openMigrator(fs, args)
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	ctx := context.Background()
	if *all {
		if err := m.DownAll(ctx); err != nil {
			fail("migration down --all", err)
		}
	} else if err := m.Down(ctx); err != nil {
		fail("migration down", err)
	}
	fmt.Println("rollback complete")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	m, err := openMigrator(fs, args)
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	info, err := m.Info(context.Background())
	if err != nil {
		fail("get status", err)
	}
	fmt.Printf("version=%d dirty=%t applied=%d pending=%d total=%d\n",
		info.CurrentVersion, info.Dirty, info.AppliedMigrations, info.PendingMigrations, info.TotalMigrations)
}

func runVersion(args []string) {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	m, err := openMigrator(fs, args)
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	version, dirty, err := m.Version(context.Background())
	if err != nil {
		fail("get version", err)
	}
	fmt.Printf("version=%d dirty=%t\n", version, dirty)
}

func runGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: athena-migrate goto <version>")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid version %q: %v\n", args[0], err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("goto", flag.ExitOnError)
	m, err := openMigrator(fs, args[1:])
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	if err := m.Goto(context.Background(), uint(version)); err != nil {
		fail("migration goto", err)
	}
	fmt.Printf("migrated to version %d\n", version)
}

func runForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: athena-migrate force <version>")
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid version %q: %v\n", args[0], err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("force", flag.ExitOnError)
	m, err := openMigrator(fs, args[1:])
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	if err := m.Force(context.Background(), int(version)); err != nil {
		fail("migration force", err)
	}
	fmt.Printf("forced version to %d\n", version)
}

func runReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	m, err := openMigrator(fs, args)
	if err != nil {
		fail("create migrator", err)
	}
	defer m.Close()

	if err := m.DownAll(context.Background()); err != nil {
		fail("reset", err)
	}
	fmt.Println("all migrations rolled back")
}

func fail(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
