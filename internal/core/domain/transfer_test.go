package domain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TransferStatus
		want     bool
	}{
		{TransferReceived, TransferProcessing, true},
		{TransferProcessing, TransferProcessed, true},
		{TransferProcessing, TransferFailed, true},
		{TransferProcessing, TransferPendingAction, true},
		{TransferFailed, TransferProcessing, true},
		{TransferFailed, TransferRecovered, true},
		{TransferPendingAction, TransferProcessed, true},
		{TransferProcessed, TransferFailed, false},
		{TransferProcessed, TransferProcessing, false},
		{TransferRecovered, TransferProcessing, false},
		{TransferReceived, TransferProcessed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !TransferProcessed.IsTerminal() || !TransferRecovered.IsTerminal() {
		t.Error("PROCESSED and RECOVERED should be terminal")
	}
	if TransferFailed.IsTerminal() {
		t.Error("FAILED should not be terminal")
	}
}

func TestEnvelopeKind(t *testing.T) {
	asset := &TokenAmount{Token: common.HexToAddress("0x01"), Amount: big.NewInt(5)}

	if k := (&Envelope{}).Kind(); k != KindMessage {
		t.Errorf("expected message, got %s", k)
	}
	if k := (&Envelope{Asset: asset}).Kind(); k != KindToken {
		t.Errorf("expected token, got %s", k)
	}
	if k := (&Envelope{Asset: asset, Action: "stake"}).Kind(); k != KindAction {
		t.Errorf("expected action, got %s", k)
	}
}

func TestRecordDetailRoundTrip(t *testing.T) {
	msgID := common.HexToHash("0xabc")
	details := []RecordDetail{
		MessageDetail{MessageID: msgID},
		AssetDetail{MessageID: msgID, Asset: TokenAmount{Token: common.HexToAddress("0x02"), Amount: big.NewInt(7)}},
		ActionDetail{
			MessageID:  msgID,
			Asset:      TokenAmount{Token: common.HexToAddress("0x02"), Amount: big.NewInt(7)},
			ActionHash: HashAction("swap"),
		},
		OrderDetail{OrderID: 9},
	}

	for _, d := range details {
		cols, err := FlattenDetail(d)
		if err != nil {
			t.Fatalf("FlattenDetail(%T) failed: %v", d, err)
		}
		back, err := cols.Detail()
		if err != nil {
			t.Fatalf("Detail() for %s failed: %v", cols.Feature, err)
		}
		if back.Feature() != d.Feature() {
			t.Errorf("feature mismatch: got %s, want %s", back.Feature(), d.Feature())
		}
	}

	if _, err := FlattenDetail(nil); err == nil {
		t.Error("expected error for nil detail")
	}
}
