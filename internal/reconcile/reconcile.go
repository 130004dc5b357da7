// Package reconcile turns raw gateway status vocabulary into the canonical
// payment states and owns the per-transaction state machine that the push
// callback and the pull poll both write through.
package reconcile

import (
	"context"
	"log"
	"strings"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// Normalize maps a raw provider status onto the canonical set. It is total:
// any input, however malformed, yields exactly one canonical value, and
// anything unrecognized is PENDING — never a silent OK.
func Normalize(raw string) types.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "COMPLETE", "COMPLETED", "OK", "APPROVED", "CONFIRMED", "SUCCEEDED":
		return types.StatusOK
	case "FAILED", "ERROR", "REFUSED", "DECLINED", "CHARGEBACK":
		return types.StatusFailed
	case "CANCELED", "CANCELLED", "VOIDED":
		return types.StatusCanceled
	case "EXPIRED", "TIMEOUT", "TIMED_OUT":
		return types.StatusExpired
	case "", "UNPAID", "OPEN", "PENDING", "WAITING_PAYMENT", "CREATED", "PROCESSING", "IN_ANALYSIS":
		return types.StatusPending
	default:
		return types.StatusPending
	}
}

// Resolution is what the engine tells its caller to do after one status
// observation.
type Resolution struct {
	Transition types.StatusTransition
	// Confirmed is true only for the single observation that moved the
	// transaction to OK. Duplicate confirmations come back false.
	Confirmed bool
	// FailedTerminal is true when this observation applied a negative
	// terminal state.
	FailedTerminal bool
}

// Engine applies normalized observations to the transaction store.
type Engine struct {
	transactions types.TransactionStore
}

func NewEngine(transactions types.TransactionStore) *Engine {
	return &Engine{transactions: transactions}
}

// Observe records one raw status observation for the user's transaction.
// Terminal stored states are sinks: duplicates and out-of-order signals are
// logged and ignored, never re-applied.
func (e *Engine) Observe(ctx context.Context, userID int64, transactionID, rawStatus string) (Resolution, error) {
	status := Normalize(rawStatus)
	if status == types.StatusPending {
		// Nothing to write; CREATED->PENDING is carried by the first
		// meaningful observation and PENDING has no side effects.
		tr, err := e.transactions.TransitionStatus(ctx, userID, transactionID, types.StatusPending)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Transition: tr}, nil
	}

	tr, err := e.transactions.TransitionStatus(ctx, userID, transactionID, status)
	if err != nil {
		return Resolution{}, err
	}
	if !tr.Applied {
		log.Printf("Reconcile: already resolved user=%d tx=%s stored=%s observed=%s", userID, transactionID, tr.From, status)
		return Resolution{Transition: tr}, nil
	}

	return Resolution{
		Transition:     tr,
		Confirmed:      status == types.StatusOK,
		FailedTerminal: status.Terminal() && status != types.StatusOK,
	}, nil
}
