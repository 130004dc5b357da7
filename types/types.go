package types

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// UserState is one user's position in the funnel. Created on first entry,
// never deleted; once Paid is set the followup index is frozen.
type UserState struct {
	UserID            int64     `json:"user_id"`
	ChatID            int64     `json:"chat_id"`
	Paid              bool      `json:"paid"`
	Blocked           bool      `json:"blocked"`
	FollowupIndex     int       `json:"followup_index"`
	LastOfferAmount   int64     `json:"last_offer_amount"`
	LadderAnchorAt    time.Time `json:"ladder_anchor_at"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// PendingTransaction is the single active payment request for a user.
// Amounts are integer cents.
type PendingTransaction struct {
	TransactionID string        `json:"transaction_id"`
	UserID        int64         `json:"user_id"`
	AmountCents   int64         `json:"amount_cents"`
	Status        PaymentStatus `json:"status"`
	QRPayload     string        `json:"qr_payload"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// ScheduledTask is one entry in the due queue. At most one exists per
// (UserID, Kind); scheduling again replaces the due time.
type ScheduledTask struct {
	UserID int64     `json:"user_id"`
	Kind   TaskKind  `json:"kind"`
	DueAt  time.Time `json:"due_at"`
}

// DeliveryRecord marks whether access has been granted to a user.
// Delivered flips false to true exactly once.
type DeliveryRecord struct {
	UserID      int64     `json:"user_id"`
	Delivered   bool      `json:"delivered"`
	AccessKey   string    `json:"access_key"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// StatusTransition is the outcome of a reconciliation write. Applied is
// false when the stored status was already terminal (or the observation
// referenced a superseded transaction) and nothing changed.
type StatusTransition struct {
	Applied bool
	From    PaymentStatus
	To      PaymentStatus
}

// SendRequest is what the core hands to the presentation layer.
type SendRequest struct {
	ChatID   int64
	Template TemplateKind
	Params   map[string]string
}

// Notifier delivers SendRequests. Implementations must return
// ErrRecipientBlocked when the recipient can no longer be reached so the
// campaign can stop scheduling for that user.
type Notifier interface {
	Send(ctx context.Context, req SendRequest) error
}

// ErrRecipientBlocked signals that the user blocked the bot.
var ErrRecipientBlocked = errors.New("recipient blocked the bot")

type UserStateStore interface {
	// EnsureUser creates the baseline state if absent and refreshes
	// chat id and last-interaction time. Idempotent.
	EnsureUser(ctx context.Context, userID, chatID int64) (*UserState, error)
	GetUser(ctx context.Context, userID int64) (*UserState, error)
	MarkPaid(ctx context.Context, userID int64) error
	// AdvanceFollowupIndex raises the index to next if next is greater
	// than the stored value and returns the stored value afterwards.
	// The index never decreases.
	AdvanceFollowupIndex(ctx context.Context, userID int64, next int) (int, error)
	// SetOffer records the active offer amount and the ladder anchor
	// timestamp that followup offsets are measured from.
	SetOffer(ctx context.Context, userID int64, amountCents int64, anchor time.Time) error
	MarkBlocked(ctx context.Context, userID int64) error
}

type TransactionStore interface {
	// SavePending stores tx as the user's active transaction, registers it
	// in the pending lookup and maps its external id back to the user.
	SavePending(ctx context.Context, tx *PendingTransaction) error
	// GetActive returns the user's latest transaction record, terminal or
	// not; ErrNotFound when the user never created one.
	GetActive(ctx context.Context, userID int64) (*PendingTransaction, error)
	// GetReusable returns the active transaction when it is non-terminal,
	// matches amountCents and is younger than the reuse window.
	GetReusable(ctx context.Context, userID int64, amountCents int64, now time.Time) (*PendingTransaction, error)
	// ResolveUser maps an external transaction id to its user.
	ResolveUser(ctx context.Context, transactionID string) (int64, error)
	// TransitionStatus applies next to the user's transaction atomically.
	// Terminal stored statuses are sinks: the write is skipped and the
	// stored status reported back. Observations for a transaction id other
	// than the stored one are skipped the same way.
	TransitionStatus(ctx context.Context, userID int64, transactionID string, next PaymentStatus) (StatusTransition, error)
	// RemovePending evicts the user from pending lookups; the record
	// itself stays for audit.
	RemovePending(ctx context.Context, userID int64) error
	// ListPending returns up to limit users with an unresolved transaction.
	ListPending(ctx context.Context, limit int) ([]int64, error)
	RecordGatewayError(ctx context.Context, userID int64, stage, detail string) error
}

type ScheduleStore interface {
	// Schedule upserts the (userID, kind) task, replacing any previous due
	// time. Equal due times pop in insertion order.
	Schedule(ctx context.Context, userID int64, kind TaskKind, dueAt time.Time) error
	// Cancel removes the task if present; absence is not an error.
	Cancel(ctx context.Context, userID int64, kind TaskKind) error
	// PopDue atomically removes and returns every task with DueAt <= now.
	PopDue(ctx context.Context, now time.Time) ([]ScheduledTask, error)
}

type DeliveryStore interface {
	// Claim atomically flips the user's record to claimed. It returns true
	// exactly once until Release is called.
	Claim(ctx context.Context, userID int64) (bool, error)
	// Release undoes a claim whose produce step failed.
	Release(ctx context.Context, userID int64) error
	SaveDelivered(ctx context.Context, rec *DeliveryRecord) error
	Get(ctx context.Context, userID int64) (*DeliveryRecord, error)
	// SaveAccessKey maps a portal access key back to its user.
	SaveAccessKey(ctx context.Context, accessKey string, userID int64, ttl time.Duration) error
}

// UserLocker serializes the create-or-reuse decision per user so two
// concurrent payment requests cannot both create a transaction.
type UserLocker interface {
	WithUserLock(ctx context.Context, userID int64, fn func(context.Context) error) error
}

// GatewayClient talks to the external payment provider. Both calls may
// fail transiently and are retried by the implementation.
type GatewayClient interface {
	Create(ctx context.Context, userID int64, amountCents int64) (*PendingTransaction, error)
	// Query returns the provider's raw status string for a transaction.
	Query(ctx context.Context, transactionID string) (string, error)
}
