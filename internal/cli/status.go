package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/crosslane/internal/core/config"
	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/ingest"
	"github.com/vietddude/crosslane/internal/infra/storage"
	"github.com/vietddude/crosslane/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transfer, order and ledger counts from the database",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statuses = []domain.TransferStatus{
	domain.TransferReceived,
	domain.TransferProcessing,
	domain.TransferProcessed,
	domain.TransferFailed,
	domain.TransferPendingAction,
	domain.TransferRecovered,
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	received := postgres.NewReceivedRepo(db)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	_, _ = fmt.Fprintln(w, "CHAIN\tRECEIVER\tSTATUS\tCOUNT")
	for _, c := range cfg.Chains {
		if c.Receiver == "" {
			continue
		}
		scope := storage.Scope{Selector: c.Selector, Contract: config.MustAddress(c.Receiver)}
		for _, st := range statuses {
			n, err := received.CountByStatus(ctx, scope, st)
			if err != nil {
				slog.Error("Failed to count transfers", "chain", c.Name, "error", err)
				os.Exit(1)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", c.Name, c.Receiver, st, n)
		}
	}
	_ = w.Flush()
	fmt.Println()

	counts := []struct {
		name  string
		count func(context.Context) (int, error)
	}{
		{"orders", postgres.NewOrderRepo(db).Count},
		{"ledger records", postgres.NewLedgerRepo(db).Count},
		{"incidents", postgres.NewIncidentRepo(db).Count},
	}
	_, _ = fmt.Fprintln(w, "TABLE\tCOUNT")
	for _, c := range counts {
		n, err := c.count(ctx)
		if err != nil {
			slog.Error("Failed to count", "table", c.name, "error", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.name, n)
	}
	_ = w.Flush()
	fmt.Println()

	consumer := cfg.Ingest.Consumer
	if consumer == "" {
		consumer = ingest.DefaultConsumer
	}
	cur, err := cursorStore(ctx, cfg, db).Get(ctx, consumer)
	if err != nil {
		fmt.Printf("Cursor %s: %v\n", consumer, err)
		return
	}
	_, _ = fmt.Fprintln(w, "CONSUMER\tOFFSET\tSTATE\tUPDATED")
	_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cur.Consumer, cur.Offset, cursor.StateDescription(cur.State), cur.UpdatedAt.Format("2006-01-02 15:04:05"))
	_ = w.Flush()
	if reason, ok := cur.Metadata[cursor.MetaPauseReason].(string); ok && reason != "" {
		fmt.Printf("Paused: %s\n", reason)
	}
}

func openDB(ctx context.Context, cfg *config.AppConfig) *postgres.DB {
	if cfg.Database.URL == "" {
		slog.Error("database.url is not set")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db
}
