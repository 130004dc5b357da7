package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// RedisDeliveryStore backs the exactly-once access delivery. The claim is
// a SET NX key separate from the record hash: whoever wins the claim is
// the only writer of the record, no matter how many confirmation paths
// fire at once.
type RedisDeliveryStore struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisDeliveryStore(redisClient *RedisClient) *RedisDeliveryStore {
	return &RedisDeliveryStore{
		client: redisClient,
		ttl:    30 * 24 * time.Hour,
	}
}

func (s *RedisDeliveryStore) claimKey(userID int64) string {
	return s.client.generateKey("access", "claim", fmt.Sprintf("%d", userID))
}

func (s *RedisDeliveryStore) recordKey(userID int64) string {
	return s.client.generateKey("access", "delivery", fmt.Sprintf("%d", userID))
}

func (s *RedisDeliveryStore) accessKeyKey(accessKey string) string {
	return s.client.generateKey("portal", "key", accessKey)
}

func (s *RedisDeliveryStore) Claim(ctx context.Context, userID int64) (bool, error) {
	return s.client.SetNX(ctx, s.claimKey(userID), "1", s.ttl)
}

func (s *RedisDeliveryStore) Release(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, s.claimKey(userID))
}

func (s *RedisDeliveryStore) SaveDelivered(ctx context.Context, rec *types.DeliveryRecord) error {
	key := s.recordKey(rec.UserID)
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"delivered":    "1",
		"access_key":   rec.AccessKey,
		"delivered_at": strconv.FormatInt(rec.DeliveredAt.UTC().Unix(), 10),
	})
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl)
}

func (s *RedisDeliveryStore) Get(ctx context.Context, userID int64) (*types.DeliveryRecord, error) {
	data, err := s.client.HGetAll(ctx, s.recordKey(userID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, types.ErrNotFound
	}
	return &types.DeliveryRecord{
		UserID:      userID,
		Delivered:   data["delivered"] == "1",
		AccessKey:   data["access_key"],
		DeliveredAt: unixField(data, "delivered_at"),
	}, nil
}

func (s *RedisDeliveryStore) SaveAccessKey(ctx context.Context, accessKey string, userID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	key := s.accessKeyKey(accessKey)
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"user_id":    strconv.FormatInt(userID, 10),
		"created_at": strconv.FormatInt(time.Now().UTC().Unix(), 10),
	})
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, ttl)
}
