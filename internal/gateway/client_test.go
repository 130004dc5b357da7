package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

func TestCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/charges" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["amount_cents"].(float64) != 1891 {
			t.Errorf("amount_cents = %v", body["amount_cents"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transaction_id": "tx-abc",
			"qr_payload":     "00020126pix",
			"status":         "CREATED",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "BRL")
	tx, err := c.Create(context.Background(), 42, 1891)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.TransactionID != "tx-abc" || tx.QRPayload != "00020126pix" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.UserID != 42 || tx.AmountCents != 1891 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.Status != types.StatusCreated {
		t.Fatalf("status = %s, want CREATED", tx.Status)
	}
	if tx.ExpiresAt.IsZero() {
		t.Fatal("expiry must default when the provider omits it")
	}
}

func TestCreateRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"transaction_id": "tx-retry",
			"qr_payload":     "code",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "BRL")
	tx, err := c.Create(context.Background(), 1, 1990)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.TransactionID != "tx-retry" {
		t.Fatalf("transaction id = %q", tx.TransactionID)
	}
	if calls != 2 {
		t.Fatalf("gateway called %d times, want 2", calls)
	}
}

func TestCreateDoesNotRetryClientErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"amount too small"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "BRL")
	_, err := c.Create(context.Background(), 1, 1)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Fatalf("error should carry the status code, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("gateway called %d times, want 1", calls)
	}
}

func TestQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges/tx-q" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "WAITING_PAYMENT"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "BRL")
	raw, err := c.Query(context.Background(), "tx-q")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if raw != "WAITING_PAYMENT" {
		t.Fatalf("raw status = %q", raw)
	}
}
