package escrow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"coopmarket/banking"
	"coopmarket/core/events"
)

// Store is the data access contract the engine depends on. Reads happen
// outside any unit of work; every multi-step mutation runs through InTx so
// that the set {transaction row, log entries, stock decrement} commits
// atomically or not at all.
type Store interface {
	GetParty(ctx context.Context, id string) (*Party, bool, error)
	GetCooperative(ctx context.Context, id string) (*Cooperative, bool, error)
	GetProduct(ctx context.Context, id string) (*Product, bool, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, bool, error)
	TransactionLogs(ctx context.Context, transactionID string) ([]LogEntry, error)
	// AppendLog writes a single audit entry outside any unit of work. Used
	// for reconciliation records that must survive a rollback.
	AppendLog(ctx context.Context, entry *LogEntry) error
	InTx(ctx context.Context, fn func(TxStore) error) error
}

// TxStore is the mutation surface available inside a unit of work.
type TxStore interface {
	InsertTransaction(ctx context.Context, tx *Transaction) error
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	AppendLog(ctx context.Context, entry *LogEntry) error
	// DecrementStock atomically reduces product stock, reporting false when
	// the remaining stock is below the requested quantity.
	DecrementStock(ctx context.Context, productID string, quantity int64) (bool, error)
}

// Notifier delivers best-effort SMS notices. Implementations must never
// block the caller; failures are swallowed, logged and retried downstream.
type Notifier interface {
	Notify(phone, message string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string) {}

// Engine owns every Transaction.status transition. It coordinates the data
// store, the banking provider, the QR signer and best-effort notifications;
// all collaborators are injected at construction, there is no process-global
// provider selection.
type Engine struct {
	store         Store
	bank          banking.Provider
	signer        *Signer
	holdingWallet string
	emitter       events.Emitter
	notifier      Notifier
	nowFn         func() time.Time
}

// NewEngine wires the engine with its required collaborators.
func NewEngine(store Store, bank banking.Provider, signer *Signer, holdingWallet string) *Engine {
	return &Engine{
		store:         store,
		bank:          bank,
		signer:        signer,
		holdingWallet: holdingWallet,
		emitter:       events.NoopEmitter{},
		notifier:      noopNotifier{},
		nowFn:         time.Now,
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNotifier configures the best-effort notifier. Passing nil resets it to a
// no-op.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		e.notifier = noopNotifier{}
		return
	}
	e.notifier = n
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// Simulate quotes the cost and fee for buying quantity units of a product. It
// is a pure computation with no side effects; prices are not locked between
// calls, so a later Create revalidates against a fresh quote.
func (e *Engine) Simulate(ctx context.Context, buyerID, productID string, quantity int64) (*Simulation, error) {
	buyer, product, err := e.loadBuyerAndProduct(ctx, buyerID, productID, quantity)
	if err != nil {
		return nil, err
	}
	productCost := round2(product.Price * float64(quantity))
	quote, err := e.bank.SimulateTransfer(ctx, banking.TransferRequest{
		SourceWallet:      buyer.WalletID,
		DestinationWallet: e.holdingWallet,
		Amount:            productCost,
	})
	if err != nil {
		return nil, wrapProvider("transfer simulation", productCost, 0, err)
	}
	return &Simulation{ProductCost: productCost, Fee: quote.Fee, TotalCost: quote.TotalWithFee}, nil
}

// Create runs the full escrow creation unit: it revalidates the supplied fee
// against a fresh simulation, checks the buyer's balance, debits the buyer
// into the holding wallet, persists the transaction with its audit trail and
// decrements product stock. All persistence steps commit atomically; the
// provider debit is the one side effect the store cannot roll back, and a
// reconciliation audit entry records it if a later local step fails.
func (e *Engine) Create(ctx context.Context, buyerID, productID string, quantity int64, simulatedFee float64) (*Transaction, error) {
	sim, err := e.Simulate(ctx, buyerID, productID, quantity)
	if err != nil {
		return nil, err
	}
	if math.Abs(simulatedFee-sim.Fee) > FeeTolerance {
		return nil, errFeeMismatch(simulatedFee, sim.Fee)
	}
	buyer, product, err := e.loadBuyerAndProduct(ctx, buyerID, productID, quantity)
	if err != nil {
		return nil, err
	}
	seller, ok, err := e.store.GetCooperative(ctx, product.CooperativeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound("cooperative %s not found for product %s", product.CooperativeID, productID)
	}
	balance, err := e.bank.GetBalance(ctx, buyer.WalletID)
	if err != nil {
		return nil, wrapProvider("balance query", sim.TotalCost, 0, err)
	}
	if balance.Amount < sim.TotalCost {
		return nil, errInsufficientBalance(sim.TotalCost, balance.Amount)
	}

	now := e.now()
	tx := &Transaction{
		ID:          uuid.NewString(),
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		ProductID:   product.ID,
		Quantity:    quantity,
		Amount:      sim.ProductCost,
		Fee:         sim.Fee,
		TotalAmount: sim.TotalCost,
		Status:      StatusInitiated,
		CreatedAt:   now,
	}

	var escrowed *banking.TransferResult
	err = e.store.InTx(ctx, func(ts TxStore) error {
		if err := ts.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		if err := ts.AppendLog(ctx, &LogEntry{
			TransactionID: tx.ID,
			Status:        StatusInitiated,
			Message:       fmt.Sprintf("purchase initiated: %d x %s", quantity, product.Name),
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		result, err := e.bank.ExecuteTransfer(ctx, banking.TransferRequest{
			SourceWallet:      buyer.WalletID,
			DestinationWallet: e.holdingWallet,
			Amount:            sim.TotalCost,
		})
		if err != nil {
			return wrapProvider("escrow transfer", sim.TotalCost, balance.Amount, err)
		}
		escrowed = &result
		tx.Status = StatusEscrowed
		tx.EscrowRef = result.Reference
		if err := ts.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		ok, err := ts.DecrementStock(ctx, product.ID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return errInsufficientStock("stock for product %s dropped below %d during escrow", product.ID, quantity)
		}
		return ts.AppendLog(ctx, &LogEntry{
			TransactionID: tx.ID,
			Status:        StatusEscrowed,
			Message:       fmt.Sprintf("funds escrowed, reference %s", result.Reference),
			ProviderRaw:   escrowed.Raw,
			CreatedAt:     now,
		})
	})
	if err != nil {
		if escrowed != nil {
			// The remote debit already happened and cannot be rolled back
			// locally. Record it for the out-of-band reconciliation job.
			_ = e.store.AppendLog(ctx, &LogEntry{
				TransactionID: tx.ID,
				Status:        StatusFailed,
				Message:       fmt.Sprintf("escrow creation rolled back after provider debit %s; reconciliation required", escrowed.Reference),
				ProviderRaw:   escrowed.Raw,
				CreatedAt:     e.now(),
			})
		}
		return nil, err
	}

	e.emit(NewEscrowedEvent(tx))
	e.notifier.Notify(seller.Phone, fmt.Sprintf("New order %s: %d x %s, %.2f MAD escrowed", tx.ID, quantity, product.Name, tx.TotalAmount))
	return tx.Clone(), nil
}

// Ship transitions an escrowed transaction to SHIPPED and issues the signed QR
// payload the seller attaches to the parcel. Seller only.
func (e *Engine) Ship(ctx context.Context, transactionID, actorID string) (*Transaction, *QRCode, error) {
	tx, err := e.loadTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	if tx.SellerID != actorID {
		return nil, nil, errUnauthorized("only the seller may ship transaction %s", transactionID)
	}
	if tx.Status != StatusEscrowed {
		return nil, nil, errInvalidState(tx.Status, "transaction must be escrowed before shipping")
	}
	payload := QRPayload{
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
		Timestamp:     tx.CreatedAt.UnixMilli(),
	}
	qr, err := e.signer.NewQRCode(payload)
	if err != nil {
		return nil, nil, err
	}
	tx.Status = StatusShipped
	tx.QRSignature = qr.Signature
	if err := e.applyTransition(ctx, tx, "seller marked the order as shipped"); err != nil {
		return nil, nil, err
	}
	e.emit(NewShippedEvent(tx))
	return tx.Clone(), &qr, nil
}

// MarkDelivered records the notice of receipt. This is separate from the
// cryptographic confirmation; no payment moves here. Buyer or seller.
func (e *Engine) MarkDelivered(ctx context.Context, transactionID, actorID string) (*Transaction, error) {
	tx, err := e.loadTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(tx, actorID, "mark delivery"); err != nil {
		return nil, err
	}
	if tx.Status != StatusShipped {
		return nil, errInvalidState(tx.Status, "transaction must be shipped before delivery")
	}
	tx.Status = StatusDelivered
	if err := e.applyTransition(ctx, tx, "delivery reported by "+actorID); err != nil {
		return nil, err
	}
	e.emit(NewDeliveredEvent(tx))
	return tx.Clone(), nil
}

// ConfirmDelivery verifies the QR signature, releases the escrowed amount to
// the seller and settles the transaction. The persistence steps commit
// atomically; the provider release is recorded in the audit trail.
func (e *Engine) ConfirmDelivery(ctx context.Context, transactionID, actorID, suppliedSignature string) (*Settlement, error) {
	tx, err := e.loadTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(tx, actorID, "confirm delivery"); err != nil {
		return nil, err
	}
	if tx.Status != StatusDelivered {
		return nil, errInvalidState(tx.Status, "transaction must be delivered before confirmation")
	}
	payload := QRPayload{
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
		Timestamp:     tx.CreatedAt.UnixMilli(),
	}
	now := e.now()
	if err := e.signer.Verify(payload, suppliedSignature, now); err != nil {
		return nil, err
	}
	buyer, ok, err := e.store.GetParty(ctx, tx.BuyerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound("buyer %s not found", tx.BuyerID)
	}
	seller, ok, err := e.store.GetCooperative(ctx, tx.SellerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound("cooperative %s not found", tx.SellerID)
	}

	var released *banking.ReleaseResult
	err = e.store.InTx(ctx, func(ts TxStore) error {
		// The seller receives the product amount; the fee stays with the
		// holding wallet.
		result, err := e.bank.ReleaseEscrow(ctx, banking.ReleaseRequest{
			BuyerWallet:  buyer.WalletID,
			SellerWallet: seller.WalletID,
			Amount:       tx.Amount,
			Reference:    tx.EscrowRef,
		})
		if err != nil {
			return wrapProvider("escrow release", tx.Amount, 0, err)
		}
		released = &result
		tx.Status = StatusSettled
		tx.SettledAt = &now
		if err := ts.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		return ts.AppendLog(ctx, &LogEntry{
			TransactionID: tx.ID,
			Status:        StatusSettled,
			Message:       fmt.Sprintf("escrow released to %s, reference %s", seller.ID, result.Reference),
			ProviderRaw:   released.Raw,
			CreatedAt:     now,
		})
	})
	if err != nil {
		if released != nil {
			_ = e.store.AppendLog(ctx, &LogEntry{
				TransactionID: tx.ID,
				Status:        StatusFailed,
				Message:       fmt.Sprintf("settlement rolled back after provider release %s; reconciliation required", released.Reference),
				ProviderRaw:   released.Raw,
				CreatedAt:     e.now(),
			})
		}
		return nil, err
	}

	e.emit(NewSettledEvent(tx))
	e.notifier.Notify(buyer.Phone, fmt.Sprintf("Order %s settled: %.2f MAD released to %s", tx.ID, tx.Amount, seller.Name))
	e.notifier.Notify(seller.Phone, fmt.Sprintf("Order %s settled: %.2f MAD received", tx.ID, tx.Amount))
	return &Settlement{Status: tx.Status, SettledAt: now}, nil
}

// Dispute forces a non-terminal transaction to FAILED. The audit entry carries
// the reason and the raiser; refunds and restocking are handled out of band.
func (e *Engine) Dispute(ctx context.Context, transactionID, actorID, reason string) (*Transaction, error) {
	tx, err := e.loadTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(tx, actorID, "dispute"); err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, errInvalidState(tx.Status, "settled or failed transactions cannot be disputed")
	}
	tx.Status = StatusFailed
	if err := e.applyTransition(ctx, tx, fmt.Sprintf("disputed by %s: %s", actorID, reason)); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(tx, actorID, reason))
	return tx.Clone(), nil
}

// Transaction returns the stored transaction.
func (e *Engine) Transaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return e.loadTransaction(ctx, transactionID)
}

// AuditTrail returns the append-only log entries for a transaction in
// creation order.
func (e *Engine) AuditTrail(ctx context.Context, transactionID string) ([]LogEntry, error) {
	if _, err := e.loadTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return e.store.TransactionLogs(ctx, transactionID)
}

func (e *Engine) applyTransition(ctx context.Context, tx *Transaction, message string) error {
	return e.store.InTx(ctx, func(ts TxStore) error {
		if err := ts.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		return ts.AppendLog(ctx, &LogEntry{
			TransactionID: tx.ID,
			Status:        tx.Status,
			Message:       message,
			CreatedAt:     e.now(),
		})
	})
}

func (e *Engine) loadTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, ok, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound("transaction %s not found", id)
	}
	return tx, nil
}

func (e *Engine) loadBuyerAndProduct(ctx context.Context, buyerID, productID string, quantity int64) (*Party, *Product, error) {
	if quantity < 1 {
		return nil, nil, errValidation("quantity must be a positive integer, got %d", quantity)
	}
	buyer, ok, err := e.store.GetParty(ctx, buyerID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errNotFound("buyer %s not found", buyerID)
	}
	if !buyer.WalletActivated || buyer.WalletID == "" {
		return nil, nil, errWalletNotActivated(buyerID)
	}
	product, ok, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errNotFound("product %s not found", productID)
	}
	if product.StockQuantity < quantity {
		return nil, nil, errInsufficientStock("product %s has %d in stock, %d requested", productID, product.StockQuantity, quantity)
	}
	return buyer, product, nil
}

func requireParty(tx *Transaction, actorID, action string) error {
	if actorID != tx.BuyerID && actorID != tx.SellerID {
		return errUnauthorized("%s is not a party to transaction %s and may not %s", actorID, tx.ID, action)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
