// Package delivery grants portal access exactly once per user. The guard
// claims before it produces: a duplicate confirmation, whether it comes
// from the callback path or the poll path, finds the claim taken and never
// re-invokes the producer.
package delivery

import (
	"context"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/google/uuid"
)

// Producer yields the access payload. It runs only for the one caller
// that wins the claim.
type Producer func(ctx context.Context) (accessKey string, err error)

type Result struct {
	// DeliveredNow is true for the invocation that actually granted
	// access.
	DeliveredNow bool
	AccessKey    string
}

type Guard struct {
	records types.DeliveryStore
	now     func() time.Time
}

func NewGuard(records types.DeliveryStore) *Guard {
	return &Guard{records: records, now: time.Now}
}

// NewAccessKey mints a portal access key.
func NewAccessKey() string {
	return uuid.New().String()
}

// DeliverIfNeeded performs the atomic claim-then-act. Losing the claim is
// a no-op that replays the recorded payload. If the producer fails the
// claim is released so a later confirmation can retry.
func (g *Guard) DeliverIfNeeded(ctx context.Context, userID int64, producer Producer) (Result, error) {
	claimed, err := g.records.Claim(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		rec, err := g.records.Get(ctx, userID)
		if err != nil {
			if err == types.ErrNotFound {
				// Claim holder has not persisted yet; report already
				// delivered without a payload rather than double-produce.
				return Result{}, nil
			}
			return Result{}, err
		}
		return Result{AccessKey: rec.AccessKey}, nil
	}

	accessKey, err := producer(ctx)
	if err != nil {
		_ = g.records.Release(ctx, userID)
		return Result{}, err
	}

	if err := g.records.SaveDelivered(ctx, &types.DeliveryRecord{
		UserID:      userID,
		Delivered:   true,
		AccessKey:   accessKey,
		DeliveredAt: g.now().UTC(),
	}); err != nil {
		return Result{}, err
	}
	return Result{DeliveredNow: true, AccessKey: accessKey}, nil
}
