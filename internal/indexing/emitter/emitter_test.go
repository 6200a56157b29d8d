package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/domain"
)

type fakeJetStream struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return &nats.PubAck{Stream: "CROSSLANE", Sequence: uint64(len(f.subjects))}, nil
}

func TestMemoryBus_ReadFromOffset(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	changed := bus.Changed()
	require.NoError(t, bus.EmitBatch(ctx, []*domain.Event{
		{Type: domain.EventTransferSent},
		{Type: domain.EventTransferReceived},
		{Type: domain.EventTransferProcessed},
	}))

	select {
	case <-changed:
	default:
		t.Fatal("expected change notification")
	}

	assert.Equal(t, uint64(3), bus.Head())

	events := bus.Read(1, 10)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTransferReceived, events[0].Type)
	assert.NotEmpty(t, events[0].ID, "events get an id on emit")
	assert.False(t, events[0].OccurredAt.IsZero())

	assert.Len(t, bus.Read(0, 2), 2)
	assert.Nil(t, bus.Read(3, 10))
}

func TestNATSEmitter_Subject(t *testing.T) {
	js := &fakeJetStream{}
	e := newNATSEmitter(js, "crosslane")

	ev := &domain.Event{Type: domain.EventTransferSent, Selector: 100}
	require.NoError(t, e.Emit(context.Background(), ev))

	require.Len(t, js.subjects, 1)
	assert.Equal(t, "crosslane.100.transfer_sent", js.subjects[0])

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(js.payloads[0], &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestFanout_SecondaryFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	broken := newNATSEmitter(&fakeJetStream{err: errors.New("nats down")}, "x")

	f := NewFanout(bus, broken)
	require.NoError(t, f.Emit(ctx, &domain.Event{Type: domain.EventOrderCreated}))
	assert.Equal(t, uint64(1), bus.Head())

	f = NewFanout(broken, bus)
	assert.Error(t, f.Emit(ctx, &domain.Event{Type: domain.EventOrderCreated}))
}
