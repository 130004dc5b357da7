package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/internal/ladder"
	"github.com/BatmanBruc/bat-bot-funnel/store"
	"github.com/BatmanBruc/bat-bot-funnel/types"
)

type sentMessage struct {
	chatID   int64
	template types.TemplateKind
	params   map[string]string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	blocked map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{blocked: make(map[int64]bool)}
}

func (n *fakeNotifier) Send(ctx context.Context, req types.SendRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked[req.ChatID] {
		return types.ErrRecipientBlocked
	}
	n.sent = append(n.sent, sentMessage{chatID: req.ChatID, template: req.Template, params: req.Params})
	return nil
}

func (n *fakeNotifier) templates() []types.TemplateKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.TemplateKind, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.template
	}
	return out
}

func (n *fakeNotifier) count(kind types.TemplateKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m.template == kind {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last() sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentMessage{}
	}
	return n.sent[len(n.sent)-1]
}

type fakeGateway struct {
	mu       sync.Mutex
	creates  int
	failNext bool
	queryErr error
	now      func() time.Time
}

func (g *fakeGateway) Create(ctx context.Context, userID int64, amountCents int64) (*types.PendingTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext {
		return nil, errors.New("gateway unavailable")
	}
	g.creates++
	now := g.now().UTC()
	return &types.PendingTransaction{
		TransactionID: fmt.Sprintf("tx-%d-%d", userID, g.creates),
		UserID:        userID,
		AmountCents:   amountCents,
		Status:        types.StatusCreated,
		QRPayload:     "qr-payload",
		CreatedAt:     now,
		ExpiresAt:     now.Add(30 * time.Minute),
	}, nil
}

func (g *fakeGateway) Query(ctx context.Context, transactionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return "", g.queryErr
	}
	return "WAITING_PAYMENT", nil
}

func (g *fakeGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

type testEnv struct {
	users    *store.MemoryUserStore
	txs      *store.MemoryTransactionStore
	sched    *store.MemoryScheduleStore
	deliver  *store.MemoryDeliveryStore
	audit    *store.MemoryAuditStore
	gateway  *fakeGateway
	notifier *fakeNotifier
	now      time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestDriver(t *testing.T) (*Driver, *testEnv) {
	t.Helper()
	env := &testEnv{
		users:    store.NewMemoryUserStore(),
		txs:      store.NewMemoryTransactionStore(5 * time.Minute),
		sched:    store.NewMemoryScheduleStore(),
		deliver:  store.NewMemoryDeliveryStore(),
		audit:    store.NewMemoryAuditStore(),
		gateway:  &fakeGateway{},
		notifier: newFakeNotifier(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.gateway.now = func() time.Time { return env.now }

	d := NewDriver(
		Config{
			ReminderDelay:   2 * time.Minute,
			BaseAmountCents: 1990,
			PortalBaseURL:   "https://portal.example/portal",
			GatewayName:     "pix",
			Currency:        "BRL",
		},
		env.users,
		env.txs,
		env.sched,
		env.deliver,
		env.gateway,
		env.notifier,
		env.audit,
		ladder.Default(),
		store.NewMemoryUserLocker(),
	)
	d.now = func() time.Time { return env.now }
	return d, env
}

func confirmViaCallback(t *testing.T, d *Driver, env *testEnv, userID int64) {
	t.Helper()
	tx, err := env.txs.GetActive(context.Background(), userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if err := d.OnPaymentCallback(context.Background(), CallbackPayload{TransactionID: tx.TransactionID, RawStatus: "PAID"}); err != nil {
		t.Fatalf("callback: %v", err)
	}
}

func TestEntrySendsOffer(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnEntry(ctx, 1, 100); err != nil {
		t.Fatalf("entry: %v", err)
	}
	msg := env.notifier.last()
	if msg.template != types.TemplateStartOffer || msg.chatID != 100 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.params["amount_cents"] != "1990" {
		t.Fatalf("offer amount = %q", msg.params["amount_cents"])
	}
}

func TestPaymentRequestCreatesAndSchedules(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	if env.gateway.createCount() != 1 {
		t.Fatalf("creates = %d, want 1", env.gateway.createCount())
	}
	if !env.sched.Outstanding(1, types.TaskReminder) {
		t.Fatal("reminder not scheduled")
	}
	if !env.sched.Outstanding(1, types.TaskFollowup) {
		t.Fatal("followup not scheduled")
	}
	msg := env.notifier.last()
	if msg.template != types.TemplatePaymentCode {
		t.Fatalf("last message = %s", msg.template)
	}
	if msg.params["qr_payload"] != "qr-payload" {
		t.Fatalf("payment code params %+v", msg.params)
	}

	// Reminder due at +2m: not yet at +1m, due at +2m.
	early, _ := env.sched.PopDue(ctx, env.now.Add(time.Minute))
	if len(early) != 0 {
		t.Fatalf("tasks popped early: %+v", early)
	}
	due, _ := env.sched.PopDue(ctx, env.now.Add(2*time.Minute))
	if len(due) != 1 || due[0].Kind != types.TaskReminder {
		t.Fatalf("due at +2m = %+v, want the reminder", due)
	}
}

func TestPaymentRequestReusesFreshTransaction(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("first request: %v", err)
	}
	env.advance(time.Minute)
	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if env.gateway.createCount() != 1 {
		t.Fatalf("creates = %d, want 1 (reuse within window)", env.gateway.createCount())
	}
	if env.notifier.last().params["reused"] != "true" {
		t.Fatal("second payment code should flag reuse")
	}
}

func TestPaymentRequestCreatesAgainOutsideWindow(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("first request: %v", err)
	}
	env.advance(6 * time.Minute)
	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if env.gateway.createCount() != 2 {
		t.Fatalf("creates = %d, want 2 (window expired)", env.gateway.createCount())
	}
}

func TestPaymentRequestDifferentAmountCreatesNew(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := d.OnPaymentRequest(ctx, 1, 100, 1891); err != nil {
		t.Fatalf("discounted request: %v", err)
	}
	if env.gateway.createCount() != 2 {
		t.Fatalf("creates = %d, want 2 (amount changed)", env.gateway.createCount())
	}
}

func TestPaymentRequestGatewayFailure(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()
	env.gateway.failNext = true

	err := d.OnPaymentRequest(ctx, 1, 100, 1990)
	if err == nil {
		t.Fatal("expected an error")
	}
	if env.notifier.count(types.TemplatePaymentRetry) != 1 {
		t.Fatal("user should get a retry prompt")
	}
	if env.sched.Outstanding(1, types.TaskReminder) || env.sched.Outstanding(1, types.TaskFollowup) {
		t.Fatal("no task may exist for a transaction that was never created")
	}
}

func TestDuplicateConfirmationDeliversOnce(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	tx, _ := env.txs.GetActive(ctx, 1)

	for i := 0; i < 3; i++ {
		if err := d.OnPaymentCallback(ctx, CallbackPayload{TransactionID: tx.TransactionID, RawStatus: "PAID"}); err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
	}

	if got := env.notifier.count(types.TemplateAccessGranted); got != 1 {
		t.Fatalf("access granted %d times, want 1", got)
	}
	state, _ := env.users.GetUser(ctx, 1)
	if !state.Paid {
		t.Fatal("user should be marked paid")
	}

	counts, _ := env.audit.FunnelCounts(ctx)
	if counts[types.EventPaymentConfirmed] != 1 || counts[types.EventAccessDelivered] != 1 {
		t.Fatalf("funnel counts %+v", counts)
	}
}

func TestConfirmationCancelsScheduledTasks(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	confirmViaCallback(t, d, env, 1)

	due, _ := env.sched.PopDue(ctx, env.now.Add(24*time.Hour))
	if len(due) != 0 {
		t.Fatalf("tasks survived confirmation: %+v", due)
	}
}

func TestCallbackForUnknownTransactionIsDropped(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.OnPaymentCallback(context.Background(), CallbackPayload{TransactionID: "tx-nobody", RawStatus: "PAID"})
	if err != nil {
		t.Fatalf("unknown tx should be dropped silently, got %v", err)
	}
}

func TestFailedTerminalKeepsLadderRunning(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	tx, _ := env.txs.GetActive(ctx, 1)
	if err := d.OnPaymentCallback(ctx, CallbackPayload{TransactionID: tx.TransactionID, RawStatus: "DECLINED"}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	pending, _ := env.txs.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending lookup should be evicted, got %v", pending)
	}
	state, _ := env.users.GetUser(ctx, 1)
	if state.Paid {
		t.Fatal("failed payment must not mark paid")
	}
	if !env.sched.Outstanding(1, types.TaskFollowup) {
		t.Fatal("followup must survive a failed payment")
	}
}

func TestReminderFire(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	if err := d.OnReminderFire(ctx, 1); err != nil {
		t.Fatalf("reminder fire: %v", err)
	}
	if env.notifier.count(types.TemplateReminder) != 1 {
		t.Fatal("reminder not sent")
	}
	if env.gateway.createCount() != 1 {
		t.Fatal("reminder must never create a transaction")
	}
}

func TestReminderFireNoopAfterPaid(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	confirmViaCallback(t, d, env, 1)

	before := env.notifier.count(types.TemplateReminder)
	if err := d.OnReminderFire(ctx, 1); err != nil {
		t.Fatalf("reminder fire: %v", err)
	}
	if env.notifier.count(types.TemplateReminder) != before {
		t.Fatal("reminder must not fire for a paid user")
	}
}

func TestFollowupFireAdvancesAndSchedulesFromAnchor(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()
	anchor := env.now

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}

	env.advance(5 * time.Minute)
	if err := d.OnFollowupFire(ctx, 1); err != nil {
		t.Fatalf("followup fire: %v", err)
	}

	msg := env.notifier.last()
	if msg.template != types.TemplateFollowup {
		t.Fatalf("last message = %s", msg.template)
	}
	if msg.params["discount_pct"] != "5" || msg.params["amount_cents"] != "1891" {
		t.Fatalf("followup params %+v", msg.params)
	}

	state, _ := env.users.GetUser(ctx, 1)
	if state.FollowupIndex != 1 {
		t.Fatalf("followup index = %d, want 1", state.FollowupIndex)
	}

	// Next rung is due at anchor+10m, not fire-time+10m.
	early, _ := env.sched.PopDue(ctx, anchor.Add(9*time.Minute))
	for _, task := range early {
		if task.Kind == types.TaskFollowup {
			t.Fatalf("next followup popped early: %+v", early)
		}
	}
	due, _ := env.sched.PopDue(ctx, anchor.Add(10*time.Minute))
	found := false
	for _, task := range due {
		if task.Kind == types.TaskFollowup && task.UserID == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("next followup missing at anchor+10m: %+v", due)
	}
}

func TestFollowupIndexNeverDecreases(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	if _, err := env.users.AdvanceFollowupIndex(ctx, 1, 5); err != nil {
		t.Fatalf("advance: %v", err)
	}

	env.advance(25 * time.Minute)
	if err := d.OnFollowupFire(ctx, 1); err != nil {
		t.Fatalf("followup fire: %v", err)
	}

	state, _ := env.users.GetUser(ctx, 1)
	if state.FollowupIndex != 6 {
		t.Fatalf("followup index = %d, want 6", state.FollowupIndex)
	}
	msg := env.notifier.last()
	if msg.params["discount_pct"] != "40" {
		t.Fatalf("fire at index 5 should use the 40%% rung, got %+v", msg.params)
	}
}

func TestFollowupEndsAfterLastRung(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	if _, err := env.users.AdvanceFollowupIndex(ctx, 1, 8); err != nil {
		t.Fatalf("advance: %v", err)
	}
	env.sched.Cancel(ctx, 1, types.TaskFollowup)

	before := env.notifier.count(types.TemplateFollowup)
	if err := d.OnFollowupFire(ctx, 1); err != nil {
		t.Fatalf("followup fire: %v", err)
	}
	if env.notifier.count(types.TemplateFollowup) != before {
		t.Fatal("exhausted ladder must not send")
	}
	if env.sched.Outstanding(1, types.TaskFollowup) {
		t.Fatal("exhausted ladder must not reschedule")
	}
}

func TestFollowupHaltsWhenPaid(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	confirmViaCallback(t, d, env, 1)

	before := env.notifier.count(types.TemplateFollowup)
	if err := d.OnFollowupFire(ctx, 1); err != nil {
		t.Fatalf("followup fire: %v", err)
	}
	if env.notifier.count(types.TemplateFollowup) != before {
		t.Fatal("paid user must not receive followups")
	}
}

func TestBlockedRecipientHaltsCampaign(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	env.notifier.blocked[100] = true

	env.advance(5 * time.Minute)
	if err := d.OnFollowupFire(ctx, 1); err != nil {
		t.Fatalf("followup fire against blocked user: %v", err)
	}

	state, _ := env.users.GetUser(ctx, 1)
	if !state.Blocked {
		t.Fatal("user should be marked blocked")
	}
	if env.sched.Outstanding(1, types.TaskReminder) || env.sched.Outstanding(1, types.TaskFollowup) {
		t.Fatal("blocked user's tasks must be canceled")
	}
}

func TestStatusCheckGatewayErrorIsNotANegative(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	env.gateway.queryErr = errors.New("timeout")

	if err := d.OnStatusCheck(ctx, 1, 100); err != nil {
		t.Fatalf("status check: %v", err)
	}
	if env.notifier.count(types.TemplateCheckWait) != 1 {
		t.Fatal("a flaky gateway should read as still-waiting")
	}
	state, _ := env.users.GetUser(ctx, 1)
	if state.Paid {
		t.Fatal("flaky gateway must not flip paid")
	}
}

func TestStatusCheckReplaysAccessWhenPaid(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	confirmViaCallback(t, d, env, 1)
	firstAccess := env.notifier.last()

	if err := d.OnStatusCheck(ctx, 1, 100); err != nil {
		t.Fatalf("status check: %v", err)
	}
	replay := env.notifier.last()
	if replay.template != types.TemplateAccessGranted {
		t.Fatalf("paid status check should replay access, got %s", replay.template)
	}
	if replay.params["access_key"] != firstAccess.params["access_key"] {
		t.Fatal("replayed access key must match the original")
	}
}

func TestStatusCheckWithoutTransaction(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnStatusCheck(ctx, 1, 100); err != nil {
		t.Fatalf("status check: %v", err)
	}
	if env.notifier.last().template != types.TemplateCheckWait {
		t.Fatal("no transaction should read as still-waiting")
	}
}

func TestPaymentPollStaysSilentWhilePending(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	sentBefore := len(env.notifier.templates())

	if err := d.OnPaymentPoll(ctx, 1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(env.notifier.templates()) != sentBefore {
		t.Fatal("a pending poll must not message the user")
	}
}

func TestPaymentPollFinalizesConfirmed(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	tx, _ := env.txs.GetActive(ctx, 1)
	// The callback lands first; the poll sees the stored OK and finalizes
	// without a second delivery.
	if _, err := env.txs.TransitionStatus(ctx, 1, tx.TransactionID, types.StatusOK); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := d.OnPaymentPoll(ctx, 1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	state, _ := env.users.GetUser(ctx, 1)
	if !state.Paid {
		t.Fatal("poll should finalize a stored OK")
	}
	if got := env.notifier.count(types.TemplateAccessGranted); got != 1 {
		t.Fatalf("access granted %d times, want 1", got)
	}
}

func TestConcurrentPaymentRequestsCreateOne(t *testing.T) {
	d, env := newTestDriver(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.OnPaymentRequest(ctx, 1, 100, 1990); err != nil {
				t.Errorf("payment request: %v", err)
			}
		}()
	}
	wg.Wait()

	if env.gateway.createCount() != 1 {
		t.Fatalf("creates = %d, want 1 under the user lock", env.gateway.createCount())
	}
}
