package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/anchorworks/escrowd/admin/internal/admin"
	"github.com/anchorworks/escrowd/api/config"
	"github.com/anchorworks/escrowd/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	pgHostFlag := flag.String("pg-host", "", "Postgres host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "", "Postgres port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "", "Postgres database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "", "Postgres username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "Postgres password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "", "Postgres sslmode (or set POSTGRES_SSLMODE env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run escrow database migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last escrow database migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show escrow database migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all escrow tables and the goose version table")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Flags override environment variables when set.
	overrideEnvs(map[string]*string{
		"POSTGRES_HOST":     pgHostFlag,
		"POSTGRES_PORT":     pgPortFlag,
		"POSTGRES_DB":       pgDatabaseFlag,
		"POSTGRES_USER":     pgUsernameFlag,
		"POSTGRES_PASSWORD": pgPasswordFlag,
		"POSTGRES_SSLMODE":  pgSSLModeFlag,
	})

	cfg, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrateUp(log, cfg)
	case *pgMigrateDownFlag:
		return admin.PgMigrateDown(log, cfg)
	case *pgMigrateStatusFlag:
		return admin.PgMigrateStatus(log, cfg)
	case *resetDBFlag:
		return admin.ResetDB(log, cfg, *dryRunFlag, *yesFlag)
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}

func overrideEnvs(flags map[string]*string) {
	for key, value := range flags {
		if *value != "" {
			os.Setenv(key, *value)
		}
	}
}
