package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// RedisUserStore keeps one hash per user plus a set of blocked users.
type RedisUserStore struct {
	client *RedisClient
}

func NewRedisUserStore(redisClient *RedisClient) *RedisUserStore {
	return &RedisUserStore{client: redisClient}
}

func (s *RedisUserStore) userKey(userID int64) string {
	return s.client.generateKey("user", fmt.Sprintf("%d", userID))
}

func (s *RedisUserStore) blockedKey() string {
	return s.client.generateKey("user", "blocked")
}

var ensureUserScript = `
redis.call("HSETNX", KEYS[1], "created_at", ARGV[2])
redis.call("HSETNX", KEYS[1], "paid", "0")
redis.call("HSETNX", KEYS[1], "followup_idx", "0")
redis.call("HSET", KEYS[1], "chat_id", ARGV[1], "last_interaction_at", ARGV[2])
return 1
`

func (s *RedisUserStore) EnsureUser(ctx context.Context, userID, chatID int64) (*types.UserState, error) {
	now := time.Now().UTC()
	_, err := s.client.Eval(ctx, ensureUserScript, []string{s.userKey(userID)},
		strconv.FormatInt(chatID, 10), strconv.FormatInt(now.Unix(), 10))
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *RedisUserStore) GetUser(ctx context.Context, userID int64) (*types.UserState, error) {
	data, err := s.client.HGetAll(ctx, s.userKey(userID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, types.ErrNotFound
	}

	state := &types.UserState{UserID: userID}
	state.ChatID, _ = strconv.ParseInt(data["chat_id"], 10, 64)
	state.Paid = data["paid"] == "1"
	state.FollowupIndex, _ = strconv.Atoi(data["followup_idx"])
	state.LastOfferAmount, _ = strconv.ParseInt(data["last_amount"], 10, 64)
	state.LadderAnchorAt = unixField(data, "ladder_anchor_at")
	state.LastInteractionAt = unixField(data, "last_interaction_at")
	state.CreatedAt = unixField(data, "created_at")

	blocked, err := s.client.client.SIsMember(ctx, s.blockedKey(), strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return nil, err
	}
	state.Blocked = blocked
	return state, nil
}

func (s *RedisUserStore) MarkPaid(ctx context.Context, userID int64) error {
	return s.client.HSet(ctx, s.userKey(userID), map[string]interface{}{"paid": "1"})
}

var advanceFollowupScript = `
local cur = tonumber(redis.call("HGET", KEYS[1], "followup_idx") or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call("HSET", KEYS[1], "followup_idx", nxt)
  return nxt
end
return cur
`

func (s *RedisUserStore) AdvanceFollowupIndex(ctx context.Context, userID int64, next int) (int, error) {
	res, err := s.client.Eval(ctx, advanceFollowupScript, []string{s.userKey(userID)}, next)
	if err != nil {
		return 0, err
	}
	idx, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	return int(idx), nil
}

func (s *RedisUserStore) SetOffer(ctx context.Context, userID int64, amountCents int64, anchor time.Time) error {
	return s.client.HSet(ctx, s.userKey(userID), map[string]interface{}{
		"last_amount":      strconv.FormatInt(amountCents, 10),
		"ladder_anchor_at": strconv.FormatInt(anchor.UTC().Unix(), 10),
	})
}

func (s *RedisUserStore) MarkBlocked(ctx context.Context, userID int64) error {
	return s.client.SAdd(ctx, s.blockedKey(), strconv.FormatInt(userID, 10))
}

func unixField(data map[string]string, field string) time.Time {
	sec, err := strconv.ParseInt(data[field], 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
