package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coopmarket/escrow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEntityRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	party := &escrow.Party{ID: "p1", Name: "Amina", Phone: "+212600000001", WalletID: "W1", WalletActivated: true}
	require.NoError(t, store.PutParty(ctx, party))
	got, ok, err := store.GetParty(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, party, got)

	_, ok, err = store.GetParty(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	coop := &escrow.Cooperative{ID: "c1", Name: "Argane", Region: "Souss", Phone: "+212600000002", WalletID: "W2"}
	require.NoError(t, store.PutCooperative(ctx, coop))
	gotCoop, ok, err := store.GetCooperative(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, coop, gotCoop)

	product := &escrow.Product{ID: "pr1", CooperativeID: "c1", Name: "Huile", Price: 380, StockQuantity: 10}
	require.NoError(t, store.PutProduct(ctx, product))
	gotProduct, ok, err := store.GetProduct(ctx, "pr1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, product, gotProduct)

	// Upserting overwrites in place.
	product.StockQuantity = 4
	require.NoError(t, store.PutProduct(ctx, product))
	gotProduct, _, err = store.GetProduct(ctx, "pr1")
	require.NoError(t, err)
	require.EqualValues(t, 4, gotProduct.StockQuantity)
}

func seedTransaction(t *testing.T, store *Store, id string) *escrow.Transaction {
	t.Helper()
	tx := &escrow.Transaction{
		ID: id, BuyerID: "p1", SellerID: "c1", ProductID: "pr1",
		Quantity: 2, Amount: 760, Fee: 7.60, TotalAmount: 767.60,
		Status:    escrow.StatusInitiated,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.InTx(context.Background(), func(ts escrow.TxStore) error {
		return ts.InsertTransaction(context.Background(), tx)
	}))
	return tx
}

func TestTransactionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	tx := seedTransaction(t, store, "tx1")

	got, ok, err := store.GetTransaction(ctx, "tx1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tx.ID, got.ID)
	require.Equal(t, escrow.StatusInitiated, got.Status)
	require.Nil(t, got.SettledAt)

	settled := time.Now().UTC().Truncate(time.Second)
	tx.Status = escrow.StatusSettled
	tx.EscrowRef = "ESC-ABC"
	tx.QRSignature = "deadbeef"
	tx.SettledAt = &settled
	require.NoError(t, store.InTx(ctx, func(ts escrow.TxStore) error {
		return ts.UpdateTransaction(ctx, tx)
	}))

	got, _, err = store.GetTransaction(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusSettled, got.Status)
	require.Equal(t, "ESC-ABC", got.EscrowRef)
	require.Equal(t, "deadbeef", got.QRSignature)
	require.NotNil(t, got.SettledAt)
	require.True(t, got.SettledAt.Equal(settled))
}

func TestUpdateMissingTransaction(t *testing.T) {
	store := openTestStore(t)
	err := store.InTx(context.Background(), func(ts escrow.TxStore) error {
		return ts.UpdateTransaction(context.Background(), &escrow.Transaction{ID: "nope", Status: escrow.StatusEscrowed})
	})
	require.Error(t, err)
}

func TestLogsPreserveInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedTransaction(t, store, "tx1")

	base := time.Now().UTC().Truncate(time.Second)
	for i, status := range []escrow.Status{escrow.StatusInitiated, escrow.StatusEscrowed, escrow.StatusShipped} {
		require.NoError(t, store.AppendLog(ctx, &escrow.LogEntry{
			TransactionID: "tx1",
			Status:        status,
			Message:       string(status),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := store.TransactionLogs(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, escrow.StatusInitiated, logs[0].Status)
	require.Equal(t, escrow.StatusEscrowed, logs[1].Status)
	require.Equal(t, escrow.StatusShipped, logs[2].Status)
}

func TestDecrementStock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutProduct(ctx, &escrow.Product{ID: "pr1", CooperativeID: "c1", Name: "Huile", Price: 380, StockQuantity: 5}))

	err := store.InTx(ctx, func(ts escrow.TxStore) error {
		ok, err := ts.DecrementStock(ctx, "pr1", 3)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	product, _, err := store.GetProduct(ctx, "pr1")
	require.NoError(t, err)
	require.EqualValues(t, 2, product.StockQuantity)

	// Below remaining stock the update must refuse without going negative.
	err = store.InTx(ctx, func(ts escrow.TxStore) error {
		ok, err := ts.DecrementStock(ctx, "pr1", 3)
		require.NoError(t, err)
		require.False(t, ok)
		return errors.New("roll back")
	})
	require.Error(t, err)

	product, _, err = store.GetProduct(ctx, "pr1")
	require.NoError(t, err)
	require.EqualValues(t, 2, product.StockQuantity)
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.InTx(ctx, func(ts escrow.TxStore) error {
		if err := ts.InsertTransaction(ctx, &escrow.Transaction{
			ID: "tx-rollback", BuyerID: "p1", SellerID: "c1", ProductID: "pr1",
			Quantity: 1, Amount: 10, Fee: 5, TotalAmount: 15,
			Status: escrow.StatusInitiated, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := ts.AppendLog(ctx, &escrow.LogEntry{TransactionID: "tx-rollback", Status: escrow.StatusInitiated, Message: "init", CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, ok, err := store.GetTransaction(ctx, "tx-rollback")
	require.NoError(t, err)
	require.False(t, ok)
	logs, err := store.TransactionLogs(ctx, "tx-rollback")
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestIdempotencyKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "key-a", "idem-1", "hash-1", 201, []byte(`{"id":"tx1"}`)))

	cached, err = store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, 201, cached.Status)
	require.JSONEq(t, `{"id":"tx1"}`, string(cached.Body))

	// Same key with a different payload is a conflict, not a replay.
	_, err = store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-2")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	// Keys are scoped per API key.
	cached, err = store.LookupIdempotency(ctx, "key-b", "idem-1", "hash-1")
	require.NoError(t, err)
	require.Nil(t, cached)
}
