package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"foreign key", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectorRoundTrip(t *testing.T) {
	// Selectors use the full uint64 range.
	sel := domain.Selector(16015286601757825753)
	got, err := parseSelector(selectorText(sel))
	if err != nil {
		t.Fatalf("parseSelector failed: %v", err)
	}
	if got != sel {
		t.Errorf("expected %d, got %d", sel, got)
	}

	if _, err := parseSelector("-1"); err == nil {
		t.Error("expected error for negative selector")
	}
}

func TestAssetColumns(t *testing.T) {
	token, amount := assetColumns(nil)
	if token.Valid || amount.Valid {
		t.Error("expected NULL columns for a message without asset")
	}
	asset, err := assetFromColumns(token, amount)
	if err != nil || asset != nil {
		t.Errorf("expected nil asset, got %v (%v)", asset, err)
	}

	usdc := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	token, amount = assetColumns(&domain.TokenAmount{Token: usdc, Amount: big.NewInt(1234)})
	asset, err = assetFromColumns(token, amount)
	if err != nil {
		t.Fatalf("assetFromColumns failed: %v", err)
	}
	if asset.Token != usdc || asset.Amount.Int64() != 1234 {
		t.Errorf("unexpected asset: %+v", asset)
	}

	if _, err := assetFromColumns(sql.NullString{String: usdc.Hex(), Valid: true}, sql.NullString{String: "1.5", Valid: true}); err == nil {
		t.Error("expected error for fractional amount")
	}
}

func TestRecordRowToDomain(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	msg := common.HexToHash("0x01")
	row := recordRow{
		ID:           7,
		DedupeKey:    common.HexToHash("0xbeef").Hex(),
		User:         common.HexToAddress("0xa11ce").Hex(),
		Selector:     "100",
		Source:       common.HexToAddress("0x5e0d").Hex(),
		Counterparty: common.HexToAddress("0xb0b").Hex(),
		Status:       string(domain.RecordSent),
		Feature:      string(domain.FeatureTokenTransfer),
		MessageID:    msg.Hex(),
		Token:        common.HexToAddress("0xc0").Hex(),
		Amount:       "500",
		OccurredAt:   now,
		RecordedAt:   now,
	}

	rec, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain failed: %v", err)
	}
	detail, ok := rec.Detail.(domain.AssetDetail)
	if !ok {
		t.Fatalf("expected AssetDetail, got %T", rec.Detail)
	}
	if detail.MessageID != msg || detail.Asset.Amount.Int64() != 500 {
		t.Errorf("unexpected detail: %+v", detail)
	}
	if rec.MetadataHash != (common.Hash{}) {
		t.Errorf("expected empty metadata hash, got %s", rec.MetadataHash)
	}

	row.Feature = "UNKNOWN"
	if _, err := row.toDomain(); !errors.Is(err, domain.ErrUnknownFeature) {
		t.Errorf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestNewRecordColumns(t *testing.T) {
	records := []*domain.Record{
		{
			RecordInput: domain.RecordInput{
				User:     common.HexToAddress("0xa11ce"),
				Selector: 100,
				Status:   domain.RecordCreated,
				Detail:   domain.OrderDetail{OrderID: 3},
			},
			DedupeKey: common.HexToHash("0x01"),
		},
		{
			RecordInput: domain.RecordInput{
				User:     common.HexToAddress("0xa11ce"),
				Selector: 100,
				Status:   domain.RecordSent,
				Detail:   domain.MessageDetail{MessageID: common.HexToHash("0x02")},
			},
			DedupeKey: common.HexToHash("0x03"),
		},
	}

	c, err := newRecordColumns(records)
	if err != nil {
		t.Fatalf("newRecordColumns failed: %v", err)
	}
	if c.orderIDs[0] != 3 || c.features[0] != string(domain.FeatureAutomatedOrder) {
		t.Errorf("unexpected order columns: %d %s", c.orderIDs[0], c.features[0])
	}
	if c.tokens[0] != "" || c.amounts[1] != "0" {
		t.Errorf("expected empty token and zero amount, got %q %q", c.tokens[0], c.amounts[1])
	}

	records[0].Detail = nil
	if _, err := newRecordColumns(records); err == nil {
		t.Error("expected error for record without detail")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}

	data, err := fs.ReadFile(migrations, files[0])
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for _, table := range []string{"ledger_records", "received_transfers", "orders", "incidents", "profiles", "cursors"} {
		if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("migration does not create %s", table)
		}
	}
}

// profileTable applies the two profile statements the way postgres would.
type profileTable struct {
	versions map[string]int64
	queries  []string
}

type rowsAffected int64

func (n rowsAffected) LastInsertId() (int64, error) { return 0, nil }
func (n rowsAffected) RowsAffected() (int64, error) { return int64(n), nil }

func (p *profileTable) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	p.queries = append(p.queries, query)
	wallet, version := args[0].(string), args[2].(int64)
	current, exists := p.versions[wallet]
	switch query {
	case insertProfileQuery:
		if exists {
			return rowsAffected(0), nil
		}
	case updateProfileQuery:
		if !exists || current != version-1 {
			return rowsAffected(0), nil
		}
	default:
		return nil, fmt.Errorf("unexpected query %q", query)
	}
	p.versions[wallet] = version
	return rowsAffected(1), nil
}

func TestSaveProfile_Versions(t *testing.T) {
	ctx := context.Background()
	table := &profileTable{versions: make(map[string]int64)}
	wallet := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	save := func(version uint64) error {
		return saveProfile(ctx, table, &domain.Profile{
			Wallet:     wallet,
			Commitment: common.HexToHash("0x01"),
			Version:    version,
			UpdatedAt:  time.Unix(1_700_000_000, 0),
		})
	}

	tests := []struct {
		name     string
		version  uint64
		conflict bool
	}{
		{"first version", 1, false},
		{"first version again", 1, true},
		{"second version", 2, false},
		{"skipped version", 4, true},
		{"third version", 3, false},
		{"stale version", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := save(tt.version)
			if tt.conflict && !errors.Is(err, storage.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if !tt.conflict && err != nil {
				t.Fatalf("save failed: %v", err)
			}
		})
	}

	if got := table.versions[wallet.Hex()]; got != 3 {
		t.Errorf("expected stored version 3, got %d", got)
	}
	if table.queries[0] != insertProfileQuery || table.queries[2] != updateProfileQuery {
		t.Error("expected insert for version 1 and update afterwards")
	}
}
