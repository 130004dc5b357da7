package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// RedisTransactionStore keeps the active payment request per user, the
// pending lookup set the poll loop scans, and the external-id map used to
// route gateway callbacks back to a user.
type RedisTransactionStore struct {
	client      *RedisClient
	reuseWindow time.Duration
	errTTL      time.Duration
}

func NewRedisTransactionStore(redisClient *RedisClient, reuseWindow time.Duration) *RedisTransactionStore {
	if reuseWindow <= 0 {
		reuseWindow = 5 * time.Minute
	}
	return &RedisTransactionStore{
		client:      redisClient,
		reuseWindow: reuseWindow,
		errTTL:      24 * time.Hour,
	}
}

func (s *RedisTransactionStore) txKey(userID int64) string {
	return s.client.generateKey("tx", fmt.Sprintf("%d", userID))
}

func (s *RedisTransactionStore) pendingKey() string {
	return s.client.generateKey("tx", "pending")
}

func (s *RedisTransactionStore) idMapKey() string {
	return s.client.generateKey("tx", "ids")
}

func (s *RedisTransactionStore) errKey(userID int64) string {
	return s.client.generateKey("txerr", fmt.Sprintf("%d", userID))
}

func (s *RedisTransactionStore) SavePending(ctx context.Context, tx *types.PendingTransaction) error {
	if tx.Status == "" {
		tx.Status = types.StatusCreated
	}
	err := s.client.HSet(ctx, s.txKey(tx.UserID), map[string]interface{}{
		"transaction_id": tx.TransactionID,
		"amount":         strconv.FormatInt(tx.AmountCents, 10),
		"status":         string(tx.Status),
		"qr_payload":     tx.QRPayload,
		"created_at":     strconv.FormatInt(tx.CreatedAt.UTC().Unix(), 10),
		"expires_at":     strconv.FormatInt(tx.ExpiresAt.UTC().Unix(), 10),
	})
	if err != nil {
		return err
	}
	if err := s.client.client.HSet(ctx, s.idMapKey(), tx.TransactionID, strconv.FormatInt(tx.UserID, 10)).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.pendingKey(), strconv.FormatInt(tx.UserID, 10))
}

func (s *RedisTransactionStore) GetActive(ctx context.Context, userID int64) (*types.PendingTransaction, error) {
	data, err := s.client.HGetAll(ctx, s.txKey(userID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data["transaction_id"] == "" {
		return nil, types.ErrNotFound
	}

	tx := &types.PendingTransaction{
		TransactionID: data["transaction_id"],
		UserID:        userID,
		Status:        types.PaymentStatus(data["status"]),
		QRPayload:     data["qr_payload"],
		CreatedAt:     unixField(data, "created_at"),
		ExpiresAt:     unixField(data, "expires_at"),
	}
	tx.AmountCents, _ = strconv.ParseInt(data["amount"], 10, 64)
	if tx.Status == "" {
		tx.Status = types.StatusPending
	}
	return tx, nil
}

func (s *RedisTransactionStore) GetReusable(ctx context.Context, userID int64, amountCents int64, now time.Time) (*types.PendingTransaction, error) {
	tx, err := s.GetActive(ctx, userID)
	if err != nil {
		if err == types.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, nil
	}
	if tx.AmountCents != amountCents {
		return nil, nil
	}
	if now.Sub(tx.CreatedAt) > s.reuseWindow {
		return nil, nil
	}
	return tx, nil
}

func (s *RedisTransactionStore) ResolveUser(ctx context.Context, transactionID string) (int64, error) {
	raw, err := s.client.HGet(ctx, s.idMapKey(), transactionID)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, types.ErrNotFound
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Terminal stored statuses are sinks; observations for a superseded
// transaction id are skipped the same way. One atomic step so the callback
// path and the poll path cannot both apply.
var transitionScript = `
local tid = redis.call("HGET", KEYS[1], "transaction_id")
if not tid or tid ~= ARGV[1] then
  return {0, redis.call("HGET", KEYS[1], "status") or ""}
end
local cur = redis.call("HGET", KEYS[1], "status") or ""
if cur == "OK" or cur == "FAILED" or cur == "CANCELED" or cur == "EXPIRED" then
  return {0, cur}
end
redis.call("HSET", KEYS[1], "status", ARGV[2])
return {1, cur}
`

func (s *RedisTransactionStore) TransitionStatus(ctx context.Context, userID int64, transactionID string, next types.PaymentStatus) (types.StatusTransition, error) {
	res, err := s.client.Eval(ctx, transitionScript, []string{s.txKey(userID)}, transactionID, string(next))
	if err != nil {
		return types.StatusTransition{}, err
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return types.StatusTransition{}, fmt.Errorf("unexpected script result %T", res)
	}
	applied, _ := parts[0].(int64)
	from, _ := parts[1].(string)

	tr := types.StatusTransition{
		Applied: applied == 1,
		From:    types.PaymentStatus(from),
	}
	if tr.Applied {
		tr.To = next
	} else {
		tr.To = tr.From
	}
	return tr, nil
}

func (s *RedisTransactionStore) RemovePending(ctx context.Context, userID int64) error {
	return s.client.SRem(ctx, s.pendingKey(), strconv.FormatInt(userID, 10))
}

func (s *RedisTransactionStore) ListPending(ctx context.Context, limit int) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.pendingKey())
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			// Junk member: drop it so the poll loop stays clean.
			_ = s.client.SRem(ctx, s.pendingKey(), m)
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (s *RedisTransactionStore) RecordGatewayError(ctx context.Context, userID int64, stage, detail string) error {
	key := s.errKey(userID)
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"stage":  stage,
		"detail": detail,
		"ts":     strconv.FormatInt(time.Now().UTC().Unix(), 10),
	})
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.errTTL)
}
