package control

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/config"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
	"github.com/vietddude/crosslane/internal/transfer"
)

const testConfig = `
owner: "0x00000000000000000000000000000000000000aa"
chains:
  - id: 1
    selector: 101
    name: source
    fee_token: "0x0000000000000000000000000000000000000011"
    sender: "0x0000000000000000000000000000000000005e4d"
  - id: 2
    selector: 202
    name: dest
    receiver: "0x0000000000000000000000000000000000004ec1"
lanes:
  - source: 101
    dest: 202
lane_tokens:
  - source: 101
    dest: 202
    source_token: "0x00000000000000000000000000000000000000c0"
    dest_token: "0x00000000000000000000000000000000000000c2"
    decimals: 6
    symbol: USDC
fees:
  base: 10
verifier:
  tokens:
    - address: "0x00000000000000000000000000000000000000c0"
      name: USD Coin
      symbol: USDC
      decimals: 6
      total_supply: "1000000000"
security:
  mode: MONITOR
balances:
  - selector: 101
    account: "0x0000000000000000000000000000000000000a11"
    token: "0x00000000000000000000000000000000000000c0"
    amount: "1000"
  - selector: 101
    account: "0x0000000000000000000000000000000000005e4d"
    token: "0x0000000000000000000000000000000000000011"
    amount: "100"
`

var (
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	usdcDest = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	receiver = common.HexToAddress("0x0000000000000000000000000000000000004ec1")
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Server.Port = 0
	cfg.Server.GRPCPort = 0

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	return app
}

func balance(t *testing.T, app *App, sel domain.Selector, who, token common.Address) int64 {
	t.Helper()
	bal, err := app.Book().Balance(context.Background(), funds.Account{Selector: sel, Address: who}, token)
	if err != nil {
		t.Fatal(err)
	}
	return bal.Int64()
}

func TestApp_TransferToLedger(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	sender, ok := app.Sender(101)
	if !ok {
		t.Fatal("sender on 101 not built")
	}
	if _, ok := app.Receiver(202); !ok {
		t.Fatal("receiver on 202 not built")
	}

	rcpt, err := sender.SendToken(ctx, transfer.TokenRequest{
		Origin:    alice,
		Dest:      202,
		Receiver:  receiver,
		Recipient: bob,
		Token:     usdc,
		Amount:    big.NewInt(250),
	})
	if err != nil {
		t.Fatalf("SendToken failed: %v", err)
	}

	deliveries := app.Pump(ctx)
	if len(deliveries) != 1 || deliveries[0].Err != nil {
		t.Fatalf("unexpected deliveries %+v", deliveries)
	}
	if deliveries[0].Outcome.Status != domain.TransferProcessed {
		t.Errorf("expected PROCESSED, got %s", deliveries[0].Outcome.Status)
	}
	if got := balance(t, app, 202, bob, usdcDest); got != 250 {
		t.Errorf("expected bob to hold 250 on dest, got %d", got)
	}

	stats, err := app.Ingester().RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Appended != 3 {
		t.Errorf("expected 3 records appended, got %+v", stats)
	}
	n, err := app.Ledger().UserRecordCount(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 records for alice, got %d", n)
	}

	rr := httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/transfers/"+rcpt.MessageID.Hex(), nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected transfer lookup to succeed, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestApp_UnknownLaneRejected(t *testing.T) {
	app := newTestApp(t)
	sender, _ := app.Sender(101)

	_, err := sender.SendToken(context.Background(), transfer.TokenRequest{
		Origin:    alice,
		Dest:      303,
		Receiver:  receiver,
		Recipient: bob,
		Token:     usdc,
		Amount:    big.NewInt(1),
	})
	if err == nil {
		t.Fatal("expected send to an unknown chain to fail")
	}
	if got := balance(t, app, 101, alice, usdc); got != 1000 {
		t.Errorf("rejected send must not move funds, alice has %d", got)
	}
}

func TestApp_Lifecycle(t *testing.T) {
	app := newTestApp(t)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
