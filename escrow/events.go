package escrow

import (
	"fmt"
	"strconv"
)

const (
	EventTypeTransactionEscrowed  = "transaction.escrowed"
	EventTypeTransactionShipped   = "transaction.shipped"
	EventTypeTransactionDelivered = "transaction.delivered"
	EventTypeTransactionSettled   = "transaction.settled"
	EventTypeTransactionDisputed  = "transaction.disputed"
)

// TransitionEvent is the canonical payload emitted on every status change.
type TransitionEvent struct {
	kind  string
	tx    *Transaction
	extra map[string]string
}

func (e TransitionEvent) EventType() string { return e.kind }

func (e TransitionEvent) Attributes() map[string]string {
	attrs := make(map[string]string)
	if e.tx != nil {
		attrs["transactionId"] = e.tx.ID
		attrs["buyerId"] = e.tx.BuyerID
		attrs["sellerId"] = e.tx.SellerID
		attrs["productId"] = e.tx.ProductID
		attrs["quantity"] = strconv.FormatInt(e.tx.Quantity, 10)
		attrs["amount"] = fmt.Sprintf("%.2f", e.tx.Amount)
		attrs["fee"] = fmt.Sprintf("%.2f", e.tx.Fee)
		attrs["totalAmount"] = fmt.Sprintf("%.2f", e.tx.TotalAmount)
		attrs["status"] = string(e.tx.Status)
		if e.tx.EscrowRef != "" {
			attrs["escrowTransactionId"] = e.tx.EscrowRef
		}
	}
	for k, v := range e.extra {
		attrs[k] = v
	}
	return attrs
}

func newTransitionEvent(kind string, tx *Transaction) TransitionEvent {
	return TransitionEvent{kind: kind, tx: tx.Clone()}
}

// NewEscrowedEvent returns the canonical event for a newly escrowed
// transaction.
func NewEscrowedEvent(tx *Transaction) TransitionEvent {
	return newTransitionEvent(EventTypeTransactionEscrowed, tx)
}

// NewShippedEvent returns the canonical event emitted when the seller ships.
func NewShippedEvent(tx *Transaction) TransitionEvent {
	return newTransitionEvent(EventTypeTransactionShipped, tx)
}

// NewDeliveredEvent returns the canonical event for a notice of receipt.
func NewDeliveredEvent(tx *Transaction) TransitionEvent {
	return newTransitionEvent(EventTypeTransactionDelivered, tx)
}

// NewSettledEvent returns the canonical event for a settled transaction.
func NewSettledEvent(tx *Transaction) TransitionEvent {
	evt := newTransitionEvent(EventTypeTransactionSettled, tx)
	if tx != nil && tx.SettledAt != nil {
		evt.extra = map[string]string{"settledAt": tx.SettledAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")}
	}
	return evt
}

// NewDisputedEvent returns the canonical event carrying the dispute reason and
// the identity of the raiser.
func NewDisputedEvent(tx *Transaction, actorID, reason string) TransitionEvent {
	evt := newTransitionEvent(EventTypeTransactionDisputed, tx)
	evt.extra = map[string]string{"raisedBy": actorID, "reason": reason}
	return evt
}
