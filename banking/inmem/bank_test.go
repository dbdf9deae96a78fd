package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"coopmarket/banking"
)

func TestSimulateTransferFeeClamp(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("src", 10000)
	bank.CreateWallet("dst", 0)
	ctx := context.Background()

	cases := []struct {
		amount float64
		fee    float64
	}{
		{amount: 100, fee: 5},      // 1% below the floor
		{amount: 760, fee: 7.60},   // plain 1%
		{amount: 50000, fee: 100},  // 1% above the cap
		{amount: 500, fee: 5},      // exactly at the floor
		{amount: 10000, fee: 100},  // exactly at the cap
	}
	for _, tc := range cases {
		quote, err := bank.SimulateTransfer(ctx, banking.TransferRequest{SourceWallet: "src", DestinationWallet: "dst", Amount: tc.amount})
		require.NoError(t, err, "amount %.2f", tc.amount)
		require.InDelta(t, tc.fee, quote.Fee, 0.001, "amount %.2f", tc.amount)
		require.InDelta(t, tc.amount+tc.fee, quote.TotalWithFee, 0.001, "amount %.2f", tc.amount)
	}
}

func TestSimulateTransferHasNoSideEffects(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("src", 10) // far below the transfer amount
	bank.CreateWallet("dst", 0)

	_, err := bank.SimulateTransfer(context.Background(), banking.TransferRequest{SourceWallet: "src", DestinationWallet: "dst", Amount: 1000})
	require.NoError(t, err)
	require.InDelta(t, 10, bank.WalletBalance("src"), 0.001)
}

func TestExecuteTransfer(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("src", 1000)
	ctx := context.Background()

	result, err := bank.ExecuteTransfer(ctx, banking.TransferRequest{SourceWallet: "src", DestinationWallet: "HOLDING", Amount: 767.60})
	require.NoError(t, err)
	require.NotEmpty(t, result.TransactionID)
	require.Contains(t, result.Reference, "ESC-")
	require.NotEmpty(t, result.Raw)
	require.InDelta(t, 232.40, bank.WalletBalance("src"), 0.001)
	require.InDelta(t, 767.60, bank.WalletBalance("HOLDING"), 0.001)

	_, err = bank.ExecuteTransfer(ctx, banking.TransferRequest{SourceWallet: "src", DestinationWallet: "HOLDING", Amount: 500})
	require.ErrorIs(t, err, banking.ErrInsufficientBalance)

	_, err = bank.ExecuteTransfer(ctx, banking.TransferRequest{SourceWallet: "missing", DestinationWallet: "HOLDING", Amount: 10})
	require.ErrorIs(t, err, banking.ErrWalletNotFound)

	_, err = bank.ExecuteTransfer(ctx, banking.TransferRequest{SourceWallet: "src", DestinationWallet: "HOLDING", Amount: -1})
	require.ErrorIs(t, err, banking.ErrValidation)
}

func TestExecuteTransferRequiresActivation(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("src", 1000)
	bank.SetActivated("src", false)

	_, err := bank.ExecuteTransfer(context.Background(), banking.TransferRequest{SourceWallet: "src", DestinationWallet: "HOLDING", Amount: 10})
	require.ErrorIs(t, err, banking.ErrWalletNotActivated)
}

func TestReleaseEscrow(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("buyer", 1000)
	bank.CreateWallet("seller", 0)
	ctx := context.Background()

	_, err := bank.ExecuteTransfer(ctx, banking.TransferRequest{SourceWallet: "buyer", DestinationWallet: "HOLDING", Amount: 767.60})
	require.NoError(t, err)

	result, err := bank.ReleaseEscrow(ctx, banking.ReleaseRequest{BuyerWallet: "buyer", SellerWallet: "seller", Amount: 760, Reference: "ESC-TEST"})
	require.NoError(t, err)
	require.Contains(t, result.Reference, "REL-")
	require.InDelta(t, 760, bank.WalletBalance("seller"), 0.001)
	require.InDelta(t, 7.60, bank.WalletBalance("HOLDING"), 0.001)

	_, err = bank.ReleaseEscrow(ctx, banking.ReleaseRequest{SellerWallet: "seller", Amount: 500})
	require.ErrorIs(t, err, banking.ErrInsufficientBalance)

	_, err = bank.ReleaseEscrow(ctx, banking.ReleaseRequest{SellerWallet: "missing", Amount: 1})
	require.ErrorIs(t, err, banking.ErrWalletNotFound)
}

func TestGetBalance(t *testing.T) {
	bank := NewBank("HOLDING")
	bank.CreateWallet("w", 42.50)

	balance, err := bank.GetBalance(context.Background(), "w")
	require.NoError(t, err)
	require.InDelta(t, 42.50, balance.Amount, 0.001)
	require.Equal(t, "MAD", balance.Currency)

	_, err = bank.GetBalance(context.Background(), "missing")
	require.ErrorIs(t, err, banking.ErrWalletNotFound)
}
