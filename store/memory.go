package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
)

// In-memory implementations of every store port. They back the tests and
// single-process local runs; production wiring uses the Redis stores.

type MemoryUserStore struct {
	mu    sync.Mutex
	users map[int64]*types.UserState
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[int64]*types.UserState)}
}

func (s *MemoryUserStore) EnsureUser(ctx context.Context, userID, chatID int64) (*types.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &types.UserState{UserID: userID, CreatedAt: time.Now().UTC()}
		s.users[userID] = u
	}
	u.ChatID = chatID
	u.LastInteractionAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) GetUser(ctx context.Context, userID int64) (*types.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) MarkPaid(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Paid = true
	}
	return nil
}

func (s *MemoryUserStore) AdvanceFollowupIndex(ctx context.Context, userID int64, next int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, types.ErrNotFound
	}
	if next > u.FollowupIndex {
		u.FollowupIndex = next
	}
	return u.FollowupIndex, nil
}

func (s *MemoryUserStore) SetOffer(ctx context.Context, userID int64, amountCents int64, anchor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.LastOfferAmount = amountCents
	u.LadderAnchorAt = anchor.UTC()
	return nil
}

func (s *MemoryUserStore) MarkBlocked(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Blocked = true
	}
	return nil
}

type MemoryTransactionStore struct {
	mu          sync.Mutex
	reuseWindow time.Duration
	byUser      map[int64]*types.PendingTransaction
	byID        map[string]int64
	pending     map[int64]bool
}

func NewMemoryTransactionStore(reuseWindow time.Duration) *MemoryTransactionStore {
	if reuseWindow <= 0 {
		reuseWindow = 5 * time.Minute
	}
	return &MemoryTransactionStore{
		reuseWindow: reuseWindow,
		byUser:      make(map[int64]*types.PendingTransaction),
		byID:        make(map[string]int64),
		pending:     make(map[int64]bool),
	}
}

func (s *MemoryTransactionStore) SavePending(ctx context.Context, tx *types.PendingTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Status == "" {
		tx.Status = types.StatusCreated
	}
	cp := *tx
	s.byUser[tx.UserID] = &cp
	s.byID[tx.TransactionID] = tx.UserID
	s.pending[tx.UserID] = true
	return nil
}

func (s *MemoryTransactionStore) GetActive(ctx context.Context, userID int64) (*types.PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byUser[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryTransactionStore) GetReusable(ctx context.Context, userID int64, amountCents int64, now time.Time) (*types.PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byUser[userID]
	if !ok {
		return nil, nil
	}
	if tx.Status.Terminal() || tx.AmountCents != amountCents || now.Sub(tx.CreatedAt) > s.reuseWindow {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryTransactionStore) ResolveUser(ctx context.Context, transactionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.byID[transactionID]
	if !ok {
		return 0, types.ErrNotFound
	}
	return userID, nil
}

func (s *MemoryTransactionStore) TransitionStatus(ctx context.Context, userID int64, transactionID string, next types.PaymentStatus) (types.StatusTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byUser[userID]
	if !ok {
		return types.StatusTransition{}, nil
	}
	if tx.TransactionID != transactionID || tx.Status.Terminal() {
		return types.StatusTransition{Applied: false, From: tx.Status, To: tx.Status}, nil
	}
	from := tx.Status
	tx.Status = next
	return types.StatusTransition{Applied: true, From: from, To: next}, nil
}

func (s *MemoryTransactionStore) RemovePending(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
	return nil
}

func (s *MemoryTransactionStore) ListPending(ctx context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryTransactionStore) RecordGatewayError(ctx context.Context, userID int64, stage, detail string) error {
	return nil
}

type memoryTask struct {
	task types.ScheduledTask
	seq  int64
}

type MemoryScheduleStore struct {
	mu    sync.Mutex
	seq   int64
	tasks map[string]*memoryTask
}

func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{tasks: make(map[string]*memoryTask)}
}

func (s *MemoryScheduleStore) Schedule(ctx context.Context, userID int64, kind types.TaskKind, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.tasks[taskMember(userID, kind)] = &memoryTask{
		task: types.ScheduledTask{UserID: userID, Kind: kind, DueAt: dueAt.UTC()},
		seq:  s.seq,
	}
	return nil
}

func (s *MemoryScheduleStore) Cancel(ctx context.Context, userID int64, kind types.TaskKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskMember(userID, kind))
	return nil
}

func (s *MemoryScheduleStore) PopDue(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*memoryTask, 0)
	for member, t := range s.tasks {
		if !t.task.DueAt.After(now) {
			due = append(due, t)
			delete(s.tasks, member)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].task.DueAt.Equal(due[j].task.DueAt) {
			return due[i].task.DueAt.Before(due[j].task.DueAt)
		}
		return due[i].seq < due[j].seq
	})

	tasks := make([]types.ScheduledTask, 0, len(due))
	for _, t := range due {
		tasks = append(tasks, t.task)
	}
	return tasks, nil
}

// Outstanding reports whether a (user, kind) task is still queued. Test
// helper; the Redis store has no need for it.
func (s *MemoryScheduleStore) Outstanding(userID int64, kind types.TaskKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskMember(userID, kind)]
	return ok
}

type MemoryDeliveryStore struct {
	mu      sync.Mutex
	claims  map[int64]bool
	records map[int64]*types.DeliveryRecord
	keys    map[string]int64
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{
		claims:  make(map[int64]bool),
		records: make(map[int64]*types.DeliveryRecord),
		keys:    make(map[string]int64),
	}
}

func (s *MemoryDeliveryStore) Claim(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[userID] {
		return false, nil
	}
	s.claims[userID] = true
	return true, nil
}

func (s *MemoryDeliveryStore) Release(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, userID)
	return nil
}

func (s *MemoryDeliveryStore) SaveDelivered(ctx context.Context, rec *types.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Delivered = true
	s.records[rec.UserID] = &cp
	return nil
}

func (s *MemoryDeliveryStore) Get(ctx context.Context, userID int64) (*types.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryDeliveryStore) SaveAccessKey(ctx context.Context, accessKey string, userID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[accessKey] = userID
	return nil
}

type MemoryAuditStore struct {
	mu       sync.Mutex
	payments map[string]types.PaymentRecord
	events   map[string]int64
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		payments: make(map[string]types.PaymentRecord),
		events:   make(map[string]int64),
	}
}

func (s *MemoryAuditStore) UpsertUser(ctx context.Context, user types.User) error {
	return nil
}

func (s *MemoryAuditStore) RecordPayment(ctx context.Context, p types.PaymentRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.TransactionID]; ok {
		return false, nil
	}
	s.payments[p.TransactionID] = p
	return true, nil
}

func (s *MemoryAuditStore) RecordFunnelEvent(ctx context.Context, userID int64, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event]++
	return nil
}

func (s *MemoryAuditStore) FunnelCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64, len(s.events))
	for k, v := range s.events {
		counts[k] = v
	}
	return counts, nil
}
