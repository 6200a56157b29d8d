package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	version, err := db.MigrationVersion(ctx)
	if err != nil {
		slog.Error("Failed to read migration version", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Database is at version %d\n", version)
}
