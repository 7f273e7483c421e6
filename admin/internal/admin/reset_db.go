package admin

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anchorworks/escrowd/api/config"
)

// ResetDB drops every escrow table from the Postgres database, including the
// goose version table, so the schema can be rebuilt from scratch with
// PgMigrateUp.
func ResetDB(log *slog.Logger, cfg config.PgConfig, dryRun, skipConfirm bool) error {
	ctx := context.Background()

	db, err := openPgDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tableQuery := `
		SELECT tablename
		FROM pg_tables
		WHERE schemaname = 'public'
		  AND (tablename IN (
		        'commitments', 'milestone_signals', 'voter_snapshots',
		        'payout_claims', 'marketcap_confirmations', 'marketcap_pairs',
		        'price_snapshots', 'vote_reward_distributions',
		        'vote_reward_allocations', 'vote_reward_claims',
		        'webhook_deliveries', 'audit_events'
		      ) OR tablename = 'goose_db_version')
		ORDER BY tablename
	`

	rows, err := db.QueryContext(ctx, tableQuery)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table list: %w", err)
	}

	if len(tables) == 0 {
		fmt.Println("No escrow tables found")
		return nil
	}

	fmt.Printf("⚠️  WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), cfg.Database)
	for _, table := range tables {
		fmt.Printf("  - %s\n", table)
	}

	if dryRun {
		fmt.Println("\n[DRY RUN] Would drop the above tables")
		return nil
	}

	// Prompt for confirmation unless --yes flag is set
	if !skipConfirm {
		fmt.Printf("\n⚠️  This is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Printf("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Printf("\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Println()
	}

	fmt.Println("Dropping tables...")
	for _, table := range tables {
		if err := dropTable(ctx, db, table); err != nil {
			return err
		}
		fmt.Printf("  ✓ Dropped table %s\n", table)
	}

	log.Info("escrow database reset complete", "tables_dropped", len(tables))
	return nil
}

func dropTable(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}
