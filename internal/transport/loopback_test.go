package transport

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
)

var (
	sender   = common.HexToAddress("0x5e4d")
	receiver = common.HexToAddress("0x4ec1")
	link     = common.HexToAddress("0x11")
	usdc     = common.HexToAddress("0xc0")
	usdcDest = common.HexToAddress("0xd0")
)

type recordingHandler struct {
	envs []*domain.Envelope
	err  error
}

func (h *recordingHandler) Receive(ctx context.Context, env *domain.Envelope) (domain.Outcome, error) {
	if h.err != nil {
		return domain.Outcome{}, h.err
	}
	h.envs = append(h.envs, env)
	return domain.Outcome{MessageID: env.MessageID, Status: domain.TransferProcessed}, nil
}

type staticMapper map[common.Address]common.Address

func (m staticMapper) LaneToken(src, dst domain.Selector, token common.Address) (domain.LaneToken, error) {
	dest, ok := m[token]
	if !ok {
		return domain.LaneToken{}, errors.New("not mapped")
	}
	return domain.LaneToken{Source: src, Dest: dst, SourceToken: token, DestToken: dest}, nil
}

func TestMessageID_Deterministic(t *testing.T) {
	a := MessageID(1, 1, sender, 2, receiver)
	b := MessageID(1, 1, sender, 2, receiver)
	c := MessageID(1, 2, sender, 2, receiver)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, common.Hash{}, a)
}

func TestFeeSchedule_Quote(t *testing.T) {
	f := FeeSchedule{Base: big.NewInt(100), PerByte: big.NewInt(2)}
	assert.Equal(t, int64(100), f.Quote(0).Int64())
	assert.Equal(t, int64(120), f.Quote(10).Int64())
	assert.Equal(t, int64(0), FeeSchedule{}.Quote(10).Int64())
}

func TestLoopback_SendAndDeliver(t *testing.T) {
	ctx := context.Background()
	book := funds.NewMemoryBook()
	src := funds.Account{Selector: 1, Address: sender}
	dst := funds.Account{Selector: 2, Address: receiver}
	require.NoError(t, book.Credit(ctx, src, usdc, big.NewInt(50)))

	lb := NewLoopback(book, staticMapper{usdc: usdcDest})
	h := &recordingHandler{}
	lb.Register(2, receiver, h)

	_, err := lb.QuoteFee(ctx, &domain.Envelope{}, link)
	assert.ErrorIs(t, err, ErrUnsupportedFeeToken)

	env := &domain.Envelope{
		Source: 1, Dest: 2, Sender: sender, Receiver: receiver,
		Asset: &domain.TokenAmount{Token: usdc, Amount: big.NewInt(30)},
	}
	id, err := lb.Send(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, MessageID(1, 1, sender, 2, receiver), id)
	assert.Equal(t, 1, lb.Pending())

	bal, _ := book.Balance(ctx, src, usdc)
	assert.Equal(t, int64(20), bal.Int64())

	res := lb.Deliver(ctx)
	require.Len(t, res, 1)
	require.NoError(t, res[0].Err)
	assert.Equal(t, domain.TransferProcessed, res[0].Outcome.Status)

	require.Len(t, h.envs, 1)
	assert.Equal(t, usdcDest, h.envs[0].Asset.Token)
	bal, _ = book.Balance(ctx, dst, usdcDest)
	assert.Equal(t, int64(30), bal.Int64())

	// replay does not credit twice
	_, err = lb.Redeliver(ctx, id)
	require.NoError(t, err)
	assert.Len(t, h.envs, 2)
	bal, _ = book.Balance(ctx, dst, usdcDest)
	assert.Equal(t, int64(30), bal.Int64())
}

func TestLoopback_RefusedDeliveryReturnsFunds(t *testing.T) {
	ctx := context.Background()
	book := funds.NewMemoryBook()
	src := funds.Account{Selector: 1, Address: sender}
	dst := funds.Account{Selector: 2, Address: receiver}
	require.NoError(t, book.Credit(ctx, src, usdc, big.NewInt(10)))

	lb := NewLoopback(book, nil)
	h := &recordingHandler{err: errors.New("source not allowed")}
	lb.Register(2, receiver, h)

	id, err := lb.Send(ctx, &domain.Envelope{
		Source: 1, Dest: 2, Sender: sender, Receiver: receiver,
		Asset: &domain.TokenAmount{Token: usdc, Amount: big.NewInt(10)},
	})
	require.NoError(t, err)

	res := lb.Deliver(ctx)
	require.Len(t, res, 1)
	assert.Error(t, res[0].Err)
	bal, _ := book.Balance(ctx, dst, usdc)
	assert.Equal(t, 0, bal.Sign())

	h.err = nil
	d, err := lb.Redeliver(ctx, id)
	require.NoError(t, err)
	require.NoError(t, d.Err)
	bal, _ = book.Balance(ctx, dst, usdc)
	assert.Equal(t, int64(10), bal.Int64())
}

func TestLoopback_Errors(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback(funds.NewMemoryBook(), staticMapper{})

	_, err := lb.Redeliver(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = lb.Send(ctx, &domain.Envelope{
		Source: 1, Dest: 2, Sender: sender, Receiver: receiver,
		Asset: &domain.TokenAmount{Token: usdc, Amount: big.NewInt(1)},
	})
	assert.ErrorIs(t, err, ErrUnsupportedToken)

	id, err := lb.Send(ctx, &domain.Envelope{Source: 1, Dest: 2, Sender: sender, Receiver: receiver})
	require.NoError(t, err)
	_, err = lb.Redeliver(ctx, id)
	assert.ErrorIs(t, err, ErrMessageQueued)

	res := lb.Deliver(ctx)
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, ErrNoHandler)
}
