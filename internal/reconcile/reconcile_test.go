package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/store"
	"github.com/BatmanBruc/bat-bot-funnel/types"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want types.PaymentStatus
	}{
		{"PAID", types.StatusOK},
		{"paid", types.StatusOK},
		{"  Approved ", types.StatusOK},
		{"CONCLUIDA_WHO_KNOWS", types.StatusPending},
		{"FAILED", types.StatusFailed},
		{"declined", types.StatusFailed},
		{"CHARGEBACK", types.StatusFailed},
		{"CANCELLED", types.StatusCanceled},
		{"voided", types.StatusCanceled},
		{"EXPIRED", types.StatusExpired},
		{"timed_out", types.StatusExpired},
		{"", types.StatusPending},
		{"WAITING_PAYMENT", types.StatusPending},
		{"IN_ANALYSIS", types.StatusPending},
		{"garbage-from-provider", types.StatusPending},
	}
	for _, tc := range cases {
		if got := Normalize(tc.raw); got != tc.want {
			t.Errorf("Normalize(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func seedTransaction(t *testing.T, txs *store.MemoryTransactionStore, userID int64, txID string) {
	t.Helper()
	err := txs.SavePending(context.Background(), &types.PendingTransaction{
		TransactionID: txID,
		UserID:        userID,
		AmountCents:   1990,
		Status:        types.StatusCreated,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
}

func TestObserveConfirmsOnce(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryTransactionStore(5 * time.Minute)
	engine := NewEngine(txs)
	seedTransaction(t, txs, 1, "tx-1")

	res, err := engine.Observe(ctx, 1, "tx-1", "PAID")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !res.Confirmed {
		t.Fatal("first OK observation should confirm")
	}
	if res.Transition.From != types.StatusCreated || res.Transition.To != types.StatusOK {
		t.Fatalf("unexpected transition %+v", res.Transition)
	}

	res, err = engine.Observe(ctx, 1, "tx-1", "PAID")
	if err != nil {
		t.Fatalf("duplicate observe: %v", err)
	}
	if res.Confirmed {
		t.Fatal("duplicate OK observation must not confirm again")
	}
	if res.Transition.Applied {
		t.Fatal("terminal status is a sink, write must be skipped")
	}
}

func TestObserveTerminalSinkRejectsLateFailure(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryTransactionStore(5 * time.Minute)
	engine := NewEngine(txs)
	seedTransaction(t, txs, 2, "tx-2")

	if _, err := engine.Observe(ctx, 2, "tx-2", "OK"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	res, err := engine.Observe(ctx, 2, "tx-2", "FAILED")
	if err != nil {
		t.Fatalf("late failure observe: %v", err)
	}
	if res.Confirmed || res.FailedTerminal || res.Transition.Applied {
		t.Fatalf("late FAILED after OK must be ignored, got %+v", res)
	}

	tx, err := txs.GetActive(ctx, 2)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if tx.Status != types.StatusOK {
		t.Fatalf("stored status = %s, want OK", tx.Status)
	}
}

func TestObserveNegativeTerminal(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryTransactionStore(5 * time.Minute)
	engine := NewEngine(txs)
	seedTransaction(t, txs, 3, "tx-3")

	res, err := engine.Observe(ctx, 3, "tx-3", "DECLINED")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !res.FailedTerminal || res.Confirmed {
		t.Fatalf("DECLINED should be a negative terminal, got %+v", res)
	}

	// A confirmation arriving after a negative terminal dies in the sink too.
	res, err = engine.Observe(ctx, 3, "tx-3", "PAID")
	if err != nil {
		t.Fatalf("observe after failure: %v", err)
	}
	if res.Confirmed || res.Transition.Applied {
		t.Fatalf("OK after FAILED must not apply, got %+v", res)
	}
}

func TestObserveUnknownStatusStaysPending(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryTransactionStore(5 * time.Minute)
	engine := NewEngine(txs)
	seedTransaction(t, txs, 4, "tx-4")

	res, err := engine.Observe(ctx, 4, "tx-4", "SOMETHING_NEW")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if res.Confirmed || res.FailedTerminal {
		t.Fatalf("unknown status must map to PENDING, got %+v", res)
	}

	tx, err := txs.GetActive(ctx, 4)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if tx.Status.Terminal() {
		t.Fatalf("stored status = %s, want non-terminal", tx.Status)
	}
}

func TestObserveSupersededTransactionSkipped(t *testing.T) {
	ctx := context.Background()
	txs := store.NewMemoryTransactionStore(5 * time.Minute)
	engine := NewEngine(txs)
	seedTransaction(t, txs, 5, "tx-old")
	seedTransaction(t, txs, 5, "tx-new")

	res, err := engine.Observe(ctx, 5, "tx-old", "PAID")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if res.Confirmed || res.Transition.Applied {
		t.Fatalf("observation for superseded tx must be skipped, got %+v", res)
	}
}
