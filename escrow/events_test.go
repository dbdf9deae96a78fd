package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"coopmarket/core/events"
)

type captureEmitter struct {
	emitted []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.emitted = append(c.emitted, evt) }

func TestTransitionEventAttributes(t *testing.T) {
	tx := &Transaction{
		ID: "tx-1", BuyerID: "p1", SellerID: "c1", ProductID: "pr1",
		Quantity: 2, Amount: 760, Fee: 7.60, TotalAmount: 767.60,
		Status: StatusEscrowed, EscrowRef: "ESC-ABC",
	}
	evt := NewEscrowedEvent(tx)
	require.Equal(t, EventTypeTransactionEscrowed, evt.EventType())

	attrs := evt.Attributes()
	require.Equal(t, "tx-1", attrs["transactionId"])
	require.Equal(t, "2", attrs["quantity"])
	require.Equal(t, "767.60", attrs["totalAmount"])
	require.Equal(t, "ESCROWED", attrs["status"])
	require.Equal(t, "ESC-ABC", attrs["escrowTransactionId"])

	disputed := NewDisputedEvent(tx, "p1", "wrong product")
	attrs = disputed.Attributes()
	require.Equal(t, "p1", attrs["raisedBy"])
	require.Equal(t, "wrong product", attrs["reason"])
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	engine, _, _ := newTestEngine(t, 1000)
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)
	ctx := context.Background()

	sim, err := engine.Simulate(ctx, testBuyerID, testProductID, 1)
	require.NoError(t, err)
	tx, err := engine.Create(ctx, testBuyerID, testProductID, 1, sim.Fee)
	require.NoError(t, err)
	_, qr, err := engine.Ship(ctx, tx.ID, testSellerID)
	require.NoError(t, err)
	_, err = engine.MarkDelivered(ctx, tx.ID, testBuyerID)
	require.NoError(t, err)
	_, err = engine.ConfirmDelivery(ctx, tx.ID, testBuyerID, qr.Signature)
	require.NoError(t, err)

	var kinds []string
	for _, evt := range emitter.emitted {
		kinds = append(kinds, evt.EventType())
	}
	require.Equal(t, []string{
		EventTypeTransactionEscrowed,
		EventTypeTransactionShipped,
		EventTypeTransactionDelivered,
		EventTypeTransactionSettled,
	}, kinds)
}
