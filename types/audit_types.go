package types

import (
	"context"
	"time"
)

type User struct {
	UserID    int64
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentRecord is the relational audit row for a confirmed payment.
type PaymentRecord struct {
	UserID        int64
	TransactionID string
	Gateway       string
	Currency      string
	AmountCents   int64
	CreatedAt     time.Time
}

const (
	EventEntry            = "entry"
	EventPaymentCreated   = "payment_created"
	EventPaymentReused    = "payment_reused"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
	EventReminderSent     = "reminder_sent"
	EventFollowupSent     = "followup_sent"
	EventAccessDelivered  = "access_delivered"
)

// AuditStore is the read-mostly relational trail behind the funnel,
// exposed read-only to dashboards.
type AuditStore interface {
	UpsertUser(ctx context.Context, user User) error
	// RecordPayment inserts once per transaction id and reports whether
	// the row was new.
	RecordPayment(ctx context.Context, p PaymentRecord) (inserted bool, err error)
	RecordFunnelEvent(ctx context.Context, userID int64, event string) error
	FunnelCounts(ctx context.Context) (map[string]int64, error)
}
