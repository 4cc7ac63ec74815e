package main

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/mbd888/outreach/internal/migrate"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args]",
	Short: "Apply the PostgreSQL schema",
	Long: `Run a goose command against DATABASE_URL. Commands: ` + strings.Join(migrate.Commands, ", ") + `.
SQLite databases are migrated automatically on open.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrate")
		}

		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		if err := migrate.Run(cmd.Context(), db, args[0], args[1:]...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
		return nil
	},
}
