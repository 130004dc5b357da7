package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// RedisScheduleStore is the durable due queue: one sorted set whose member
// is "kind:user" and whose score encodes the due second plus an insertion
// sequence, so tasks with equal due times pop in the order they were
// scheduled. ZADD on an existing member replaces its score, which is
// exactly the upsert the (user, kind) uniqueness invariant needs.
type RedisScheduleStore struct {
	client *RedisClient
}

// seqModulo leaves room for a million schedules within one second while
// keeping scores inside float64's exact-integer range.
const seqModulo = 1_000_000

func NewRedisScheduleStore(redisClient *RedisClient) *RedisScheduleStore {
	return &RedisScheduleStore{client: redisClient}
}

func (s *RedisScheduleStore) dueKey() string {
	return s.client.generateKey("campaign", "due")
}

func (s *RedisScheduleStore) seqKey() string {
	return s.client.generateKey("campaign", "seq")
}

func taskMember(userID int64, kind types.TaskKind) string {
	return fmt.Sprintf("%s:%d", kind, userID)
}

func parseTaskMember(member string) (int64, types.TaskKind, error) {
	kind, rawID, ok := strings.Cut(member, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed task member %q", member)
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed task member %q: %v", member, err)
	}
	return userID, types.TaskKind(kind), nil
}

func (s *RedisScheduleStore) Schedule(ctx context.Context, userID int64, kind types.TaskKind, dueAt time.Time) error {
	seq, err := s.client.Incr(ctx, s.seqKey())
	if err != nil {
		return err
	}
	score := float64(dueAt.UTC().Unix()*seqModulo + seq%seqModulo)
	return s.client.ZAdd(ctx, s.dueKey(), score, taskMember(userID, kind))
}

func (s *RedisScheduleStore) Cancel(ctx context.Context, userID int64, kind types.TaskKind) error {
	return s.client.ZRem(ctx, s.dueKey(), taskMember(userID, kind))
}

// Range and removal happen in one script so two pollers never double-pop.
var popDueScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "WITHSCORES")
for i = 1, #due, 2 do
  redis.call("ZREM", KEYS[1], due[i])
end
return due
`

func (s *RedisScheduleStore) PopDue(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	// Everything scheduled within the current second is due.
	maxScore := (now.UTC().Unix()+1)*seqModulo - 1
	res, err := s.client.Eval(ctx, popDueScript, []string{s.dueKey()}, strconv.FormatInt(maxScore, 10))
	if err != nil {
		return nil, err
	}
	pairs, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result %T", res)
	}

	tasks := make([]types.ScheduledTask, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		member, _ := pairs[i].(string)
		rawScore, _ := pairs[i+1].(string)

		userID, kind, err := parseTaskMember(member)
		if err != nil {
			// A malformed member was already removed by the script; skip it.
			continue
		}
		score, _ := strconv.ParseFloat(rawScore, 64)
		tasks = append(tasks, types.ScheduledTask{
			UserID: userID,
			Kind:   kind,
			DueAt:  time.Unix(int64(score)/seqModulo, 0).UTC(),
		})
	}
	return tasks, nil
}
