package escrow

import (
	"math"
	"time"
)

// Status represents the lifecycle states of a marketplace transaction. The
// machine is linear with a dispute escape hatch to StatusFailed.
type Status string

const (
	StatusInitiated    Status = "INITIATED"
	StatusFeeSimulated Status = "FEE_SIMULATED"
	StatusEscrowed     Status = "ESCROWED"
	StatusShipped      Status = "SHIPPED"
	StatusDelivered    Status = "DELIVERED"
	StatusSettled      Status = "SETTLED"
	StatusFailed       Status = "FAILED"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusFeeSimulated, StatusEscrowed, StatusShipped, StatusDelivered, StatusSettled, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// FeeTolerance is the absolute tolerance, in currency units, used when a
// caller-supplied fee is compared against a freshly recomputed quote.
const FeeTolerance = 0.01

// Transaction is the central financial record. Buyer, seller and product
// references are immutable after creation; only the engine mutates the status
// and the fields derived from transitions. Transactions are never deleted.
type Transaction struct {
	ID          string     `json:"id"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	ProductID   string     `json:"productId"`
	Quantity    int64      `json:"quantity"`
	Amount      float64    `json:"amount"`
	Fee         float64    `json:"fee"`
	TotalAmount float64    `json:"totalAmount"`
	Status      Status     `json:"status"`
	EscrowRef   string     `json:"escrowTransactionId,omitempty"`
	QRSignature string     `json:"qrSignature,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.SettledAt != nil {
		settled := *t.SettledAt
		clone.SettledAt = &settled
	}
	return &clone
}

// Consistent reports whether totalAmount matches amount plus fee within the
// floating tolerance.
func (t *Transaction) Consistent() bool {
	return math.Abs(t.TotalAmount-(t.Amount+t.Fee)) <= FeeTolerance
}

// LogEntry is one append-only audit record tied to a transaction state
// transition. Entries are created by the engine and never mutated or deleted;
// creation-time ordering must be preserved.
type LogEntry struct {
	TransactionID string    `json:"transactionId"`
	Status        Status    `json:"status"`
	Message       string    `json:"message"`
	ProviderRaw   []byte    `json:"providerResponse,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Party is a marketplace account able to buy. The wallet must be activated
// before the party can participate in an escrow flow.
type Party struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	WalletID        string `json:"walletId"`
	WalletActivated bool   `json:"walletActivated"`
}

// Cooperative is a producer organisation selling products. Its wallet receives
// settled funds.
type Cooperative struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Region   string `json:"region"`
	Phone    string `json:"phone"`
	WalletID string `json:"walletId"`
}

// Product is the shared mutable resource whose stock the engine decrements
// atomically with escrow creation.
type Product struct {
	ID            string  `json:"id"`
	CooperativeID string  `json:"cooperativeId"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	StockQuantity int64   `json:"stockQuantity"`
}

// Simulation is the pure quote returned by Simulate. Nothing is persisted and
// prices are not locked between calls.
type Simulation struct {
	ProductCost float64 `json:"productCost"`
	Fee         float64 `json:"fee"`
	TotalCost   float64 `json:"totalCost"`
}

// Settlement reports the outcome of a confirmed delivery.
type Settlement struct {
	Status    Status    `json:"status"`
	SettledAt time.Time `json:"settledAt"`
}
