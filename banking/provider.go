package banking

import (
	"context"
	"errors"
)

// Sentinel errors shared by every provider implementation. The escrow engine
// maps these onto its own error taxonomy, so implementations must return them
// (possibly wrapped) rather than inventing parallel values.
var (
	ErrWalletNotFound      = errors.New("banking: wallet not found")
	ErrWalletNotActivated  = errors.New("banking: wallet not activated")
	ErrInsufficientBalance = errors.New("banking: insufficient balance")
	ErrValidation          = errors.New("banking: invalid transfer request")
	ErrNetwork             = errors.New("banking: provider unreachable")
)

// Balance reports the funds held by a wallet.
type Balance struct {
	Amount   float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// TransferRequest describes a movement of funds between two wallets.
type TransferRequest struct {
	SourceWallet      string  `json:"sourceWallet"`
	DestinationWallet string  `json:"destination"`
	Amount            float64 `json:"amount"`
}

// Quote is the provider's answer to a transfer simulation.
type Quote struct {
	Fee          float64 `json:"frais"`
	TotalWithFee float64 `json:"totalAmountWithFee"`
}

// TransferResult captures the provider-side identity of an executed transfer.
type TransferResult struct {
	TransactionID string `json:"transactionId"`
	Reference     string `json:"reference"`
	Raw           []byte `json:"-"`
}

// ReleaseRequest asks the provider to settle escrowed funds in favour of the
// seller. The holding wallet is provider configuration rather than a request
// field; implementations that model escrow as a direct buyer to seller
// transfer may ignore it.
type ReleaseRequest struct {
	BuyerWallet  string  `json:"buyerWallet"`
	SellerWallet string  `json:"sellerWallet"`
	Amount       float64 `json:"amount"`
	Reference    string  `json:"transactionId"`
}

// ReleaseResult reports the settlement reference returned by the provider.
type ReleaseResult struct {
	Reference string `json:"result"`
	Raw       []byte `json:"-"`
}

// Provider is the banking capability consumed by the escrow engine. Both the
// live HTTP client and the in-memory reference implementation satisfy it; the
// engine does not care which one it is handed.
type Provider interface {
	// GetBalance returns the current balance of the wallet.
	GetBalance(ctx context.Context, walletID string) (Balance, error)
	// SimulateTransfer quotes the fee for moving funds without executing
	// anything. Safe to call repeatedly.
	SimulateTransfer(ctx context.Context, req TransferRequest) (Quote, error)
	// ExecuteTransfer moves funds and returns the provider reference.
	ExecuteTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	// ReleaseEscrow settles held funds in favour of the seller.
	ReleaseEscrow(ctx context.Context, req ReleaseRequest) (ReleaseResult, error)
}
