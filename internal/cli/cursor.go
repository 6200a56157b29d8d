package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/crosslane/internal/core/config"
	"github.com/vietddude/crosslane/internal/core/cursor"
	redisclient "github.com/vietddude/crosslane/internal/infra/redis"
	"github.com/vietddude/crosslane/internal/infra/storage"
	"github.com/vietddude/crosslane/internal/infra/storage/postgres"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or move an event consumer cursor",
}

var resetCursorCmd = &cobra.Command{
	Use:   "reset [consumer] [offset]",
	Short: "Move a consumer cursor to an event offset; already recorded events are skipped on replay",
	Args:  cobra.ExactArgs(2),
	Run:   runResetCursor,
}

var pauseCursorCmd = &cobra.Command{
	Use:   "pause [consumer] [reason]",
	Short: "Pause a consumer",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runPauseCursor,
}

var resumeCursorCmd = &cobra.Command{
	Use:   "resume [consumer]",
	Short: "Resume a paused consumer",
	Args:  cobra.ExactArgs(1),
	Run:   runResumeCursor,
}

func init() {
	cursorCmd.AddCommand(resetCursorCmd, pauseCursorCmd, resumeCursorCmd)
	rootCmd.AddCommand(cursorCmd)
}

// cursorStore returns the cursor store the running service uses: redis
// when configured, postgres otherwise.
func cursorStore(ctx context.Context, cfg *config.AppConfig, db *postgres.DB) storage.CursorRepository {
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		return redisclient.NewCursorStore(client)
	}
	return postgres.NewCursorRepo(db)
}

func withCursors(fn func(ctx context.Context, repo storage.CursorRepository) error) {
	cfg := loadConfig()

	ctx := context.Background()
	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	if err := fn(ctx, cursorStore(ctx, cfg, db)); err != nil {
		slog.Error("Cursor command failed", "error", err)
		os.Exit(1)
	}
}

func runResetCursor(cmd *cobra.Command, args []string) {
	consumer := args[0]
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid offset: %v\n", err)
		os.Exit(1)
	}

	withCursors(func(ctx context.Context, repo storage.CursorRepository) error {
		manager := cursor.NewManager(repo)
		if _, err := manager.Ensure(ctx, consumer); err != nil {
			return err
		}
		if err := manager.Reset(ctx, consumer, offset); err != nil {
			return err
		}
		fmt.Printf("Successfully reset cursor for %s to offset %d\n", consumer, offset)
		return nil
	})
}

func runPauseCursor(cmd *cobra.Command, args []string) {
	reason := "paused from cli"
	if len(args) == 2 {
		reason = args[1]
	}
	withCursors(func(ctx context.Context, repo storage.CursorRepository) error {
		if err := cursor.NewManager(repo).Pause(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Paused %s\n", args[0])
		return nil
	})
}

func runResumeCursor(cmd *cobra.Command, args []string) {
	withCursors(func(ctx context.Context, repo storage.CursorRepository) error {
		if err := cursor.NewManager(repo).Resume(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Resumed %s\n", args[0])
		return nil
	})
}
