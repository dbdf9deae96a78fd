package inmem

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"coopmarket/banking"
)

const (
	defaultCurrency = "MAD"
	feeRate         = 0.01
	minFee          = 5.0
	maxFee          = 100.0
)

type wallet struct {
	balance   float64
	activated bool
}

// Bank is the in-memory reference implementation of the banking provider.
// Wallets live in a mutex-guarded map scoped to the process lifetime; it is a
// test and development fixture, not a durable ledger.
type Bank struct {
	mu       sync.Mutex
	wallets  map[string]*wallet
	holding  string
	currency string
}

var _ banking.Provider = (*Bank)(nil)

// NewBank constructs an empty bank with the supplied holding wallet already
// provisioned. All escrowed funds accumulate there until release.
func NewBank(holdingWallet string) *Bank {
	b := &Bank{
		wallets:  make(map[string]*wallet),
		holding:  strings.TrimSpace(holdingWallet),
		currency: defaultCurrency,
	}
	if b.holding != "" {
		b.wallets[b.holding] = &wallet{activated: true}
	}
	return b
}

// CreateWallet provisions an activated wallet with the given opening balance.
// Creating an existing wallet resets it.
func (b *Bank) CreateWallet(id string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[id] = &wallet{balance: balance, activated: true}
}

// SetActivated toggles wallet activation without touching the balance.
func (b *Bank) SetActivated(id string, activated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.wallets[id]; ok {
		w.activated = activated
	}
}

// WalletBalance returns the current balance, primarily for tests.
func (b *Bank) WalletBalance(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.wallets[id]; ok {
		return w.balance
	}
	return 0
}

// GetBalance implements banking.Provider.
func (b *Bank) GetBalance(_ context.Context, walletID string) (banking.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.wallets[walletID]
	if !ok {
		return banking.Balance{}, fmt.Errorf("%w: %s", banking.ErrWalletNotFound, walletID)
	}
	return banking.Balance{Amount: w.balance, Currency: b.currency}, nil
}

// SimulateTransfer quotes the platform fee for the requested transfer. The fee
// is a percentage of the amount clamped to [minFee, maxFee]. No balances move
// and no balance check happens here; quoting must stay side-effect free.
func (b *Bank) SimulateTransfer(_ context.Context, req banking.TransferRequest) (banking.Quote, error) {
	if err := b.validate(req); err != nil {
		return banking.Quote{}, err
	}
	fee := round2(req.Amount * feeRate)
	if fee < minFee {
		fee = minFee
	}
	if fee > maxFee {
		fee = maxFee
	}
	return banking.Quote{Fee: fee, TotalWithFee: round2(req.Amount + fee)}, nil
}

// ExecuteTransfer debits the source wallet and credits the destination with
// exactly the requested amount. Fees are expected to be folded into the amount
// by the caller.
func (b *Bank) ExecuteTransfer(_ context.Context, req banking.TransferRequest) (banking.TransferResult, error) {
	if err := b.validate(req); err != nil {
		return banking.TransferResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.wallets[req.SourceWallet]
	dst := b.wallets[req.DestinationWallet]
	if !src.activated {
		return banking.TransferResult{}, fmt.Errorf("%w: %s", banking.ErrWalletNotActivated, req.SourceWallet)
	}
	if src.balance < req.Amount {
		return banking.TransferResult{}, fmt.Errorf("%w: need %.2f, have %.2f", banking.ErrInsufficientBalance, req.Amount, src.balance)
	}
	src.balance = round2(src.balance - req.Amount)
	dst.balance = round2(dst.balance + req.Amount)
	id := uuid.NewString()
	return banking.TransferResult{
		TransactionID: id,
		Reference:     "ESC-" + strings.ToUpper(id[:8]),
		Raw:           []byte(fmt.Sprintf(`{"transactionId":%q,"amount":%.2f}`, id, req.Amount)),
	}, nil
}

// ReleaseEscrow moves settled funds from the holding wallet to the seller. The
// buyer wallet in the request is informational; the debit already happened at
// escrow time.
func (b *Bank) ReleaseEscrow(_ context.Context, req banking.ReleaseRequest) (banking.ReleaseResult, error) {
	if req.Amount <= 0 {
		return banking.ReleaseResult{}, fmt.Errorf("%w: release amount must be positive", banking.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	holding, ok := b.wallets[b.holding]
	if !ok {
		return banking.ReleaseResult{}, fmt.Errorf("%w: holding wallet %s", banking.ErrWalletNotFound, b.holding)
	}
	seller, ok := b.wallets[req.SellerWallet]
	if !ok {
		return banking.ReleaseResult{}, fmt.Errorf("%w: %s", banking.ErrWalletNotFound, req.SellerWallet)
	}
	if holding.balance < req.Amount {
		return banking.ReleaseResult{}, fmt.Errorf("%w: escrow balance %.2f below release %.2f", banking.ErrInsufficientBalance, holding.balance, req.Amount)
	}
	holding.balance = round2(holding.balance - req.Amount)
	seller.balance = round2(seller.balance + req.Amount)
	return banking.ReleaseResult{
		Reference: "REL-" + strings.ToUpper(uuid.NewString()[:8]),
		Raw:       []byte(fmt.Sprintf(`{"reference":%q,"amount":%.2f}`, req.Reference, req.Amount)),
	}, nil
}

func (b *Bank) validate(req banking.TransferRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", banking.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.wallets[req.SourceWallet]; !ok {
		return fmt.Errorf("%w: %s", banking.ErrWalletNotFound, req.SourceWallet)
	}
	if _, ok := b.wallets[req.DestinationWallet]; !ok {
		return fmt.Errorf("%w: %s", banking.ErrWalletNotFound, req.DestinationWallet)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
