// Package campaign is the funnel control loop. The driver reacts to the
// five funnel events, reads and mutates the stores, and emits the next
// scheduling decision; it never formats message content.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/internal/delivery"
	"github.com/BatmanBruc/bat-bot-funnel/internal/ladder"
	"github.com/BatmanBruc/bat-bot-funnel/internal/reconcile"
	"github.com/BatmanBruc/bat-bot-funnel/types"
)

type Config struct {
	ReminderDelay   time.Duration
	BaseAmountCents int64
	PortalBaseURL   string
	GatewayName     string
	Currency        string
	AccessKeyTTL    time.Duration
}

type Driver struct {
	cfg        Config
	users      types.UserStateStore
	txs        types.TransactionStore
	sched      types.ScheduleStore
	deliveries types.DeliveryStore
	guard      *delivery.Guard
	engine     *reconcile.Engine
	gateway    types.GatewayClient
	notifier   types.Notifier
	audit      types.AuditStore
	ladder     *ladder.Ladder
	locker     types.UserLocker

	now func() time.Time
}

func NewDriver(
	cfg Config,
	users types.UserStateStore,
	txs types.TransactionStore,
	sched types.ScheduleStore,
	deliveries types.DeliveryStore,
	gw types.GatewayClient,
	notifier types.Notifier,
	audit types.AuditStore,
	l *ladder.Ladder,
	locker types.UserLocker,
) *Driver {
	if cfg.ReminderDelay <= 0 {
		cfg.ReminderDelay = 2 * time.Minute
	}
	if cfg.AccessKeyTTL <= 0 {
		cfg.AccessKeyTTL = 7 * 24 * time.Hour
	}
	if l == nil {
		l = ladder.Default()
	}
	return &Driver{
		cfg:        cfg,
		users:      users,
		txs:        txs,
		sched:      sched,
		deliveries: deliveries,
		guard:      delivery.NewGuard(deliveries),
		engine:     reconcile.NewEngine(txs),
		gateway:    gw,
		notifier:   notifier,
		audit:      audit,
		ladder:     l,
		locker:     locker,
		now:        time.Now,
	}
}

// OnEntry initializes the user's funnel state and presents the base offer.
// Idempotent: a duplicate start just refreshes the interaction time.
func (d *Driver) OnEntry(ctx context.Context, userID, chatID int64) error {
	state, err := d.users.EnsureUser(ctx, userID, chatID)
	if err != nil {
		return err
	}
	d.recordEvent(ctx, userID, types.EventEntry)

	if state.Paid {
		return d.send(ctx, userID, chatID, types.TemplateAlreadyPaid, nil)
	}
	return d.send(ctx, userID, chatID, types.TemplateStartOffer, map[string]string{
		"amount_cents": strconv.FormatInt(d.cfg.BaseAmountCents, 10),
		"currency":     d.cfg.Currency,
	})
}

// OnPaymentRequest reuses a fresh pending transaction or creates a new one,
// then schedules the reminder and the next follow-up. Create-or-reuse runs
// under the per-user lock so repeated button presses cannot double-charge.
func (d *Driver) OnPaymentRequest(ctx context.Context, userID, chatID int64, amountCents int64) error {
	if amountCents <= 0 {
		amountCents = d.cfg.BaseAmountCents
	}
	state, err := d.users.EnsureUser(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if state.Paid {
		return d.send(ctx, userID, chatID, types.TemplateAlreadyPaid, nil)
	}

	return d.locker.WithUserLock(ctx, userID, func(ctx context.Context) error {
		now := d.now().UTC()

		tx, err := d.txs.GetReusable(ctx, userID, amountCents, now)
		if err != nil {
			return err
		}
		reused := tx != nil
		if !reused {
			tx, err = d.gateway.Create(ctx, userID, amountCents)
			if err != nil {
				// No task may be scheduled for a transaction that does
				// not exist; surface a generic retry prompt instead.
				_ = d.txs.RecordGatewayError(ctx, userID, "create", err.Error())
				_ = d.send(ctx, userID, chatID, types.TemplatePaymentRetry, nil)
				return fmt.Errorf("gateway create for user %d: %w", userID, err)
			}
			if err := d.txs.SavePending(ctx, tx); err != nil {
				return err
			}
		}

		if err := d.users.SetOffer(ctx, userID, amountCents, now); err != nil {
			return err
		}
		if err := d.sched.Schedule(ctx, userID, types.TaskReminder, now.Add(d.cfg.ReminderDelay)); err != nil {
			return err
		}

		// The fire handler re-reads the stored index; here we only pick
		// the due time for the user's current rung.
		idx := state.FollowupIndex
		if step, ok := d.ladder.Step(idx); ok {
			if err := d.sched.Schedule(ctx, userID, types.TaskFollowup, now.Add(step.Offset)); err != nil {
				return err
			}
		}

		if reused {
			d.recordEvent(ctx, userID, types.EventPaymentReused)
		} else {
			d.recordEvent(ctx, userID, types.EventPaymentCreated)
		}
		return d.send(ctx, userID, chatID, types.TemplatePaymentCode, map[string]string{
			"amount_cents":   strconv.FormatInt(tx.AmountCents, 10),
			"currency":       d.cfg.Currency,
			"qr_payload":     tx.QRPayload,
			"transaction_id": tx.TransactionID,
			"reused":         strconv.FormatBool(reused),
		})
	})
}

// OnReminderFire re-sends the active payment instructions once. It never
// creates a new transaction.
func (d *Driver) OnReminderFire(ctx context.Context, userID int64) error {
	state, err := d.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if state.Paid || state.Blocked {
		return nil
	}

	tx, err := d.txs.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}

	d.recordEvent(ctx, userID, types.EventReminderSent)
	return d.send(ctx, userID, state.ChatID, types.TemplateReminder, map[string]string{
		"amount_cents":   strconv.FormatInt(tx.AmountCents, 10),
		"currency":       d.cfg.Currency,
		"qr_payload":     tx.QRPayload,
		"transaction_id": tx.TransactionID,
	})
}

// OnFollowupFire applies the ladder policy: re-check paid, send the offer
// for the stored index, advance, and schedule the next rung relative to
// the original trigger.
func (d *Driver) OnFollowupFire(ctx context.Context, userID int64) error {
	state, err := d.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if state.Paid || state.Blocked {
		return nil
	}

	idx := state.FollowupIndex
	step, ok := d.ladder.Step(idx)
	if !ok {
		// Ladder exhausted: the campaign ends without further scheduling.
		return nil
	}

	base := state.LastOfferAmount
	if base <= 0 {
		base = d.cfg.BaseAmountCents
	}
	amount := d.ladder.AmountFor(base, idx)

	err = d.send(ctx, userID, state.ChatID, types.TemplateFollowup, map[string]string{
		"index":        strconv.Itoa(idx),
		"discount_pct": strconv.Itoa(step.DiscountPercent),
		"amount_cents": strconv.FormatInt(amount, 10),
		"currency":     d.cfg.Currency,
	})
	if err != nil {
		if errors.Is(err, types.ErrRecipientBlocked) {
			return nil
		}
		return err
	}
	d.recordEvent(ctx, userID, types.EventFollowupSent)

	next := idx + 1
	if _, err := d.users.AdvanceFollowupIndex(ctx, userID, next); err != nil {
		return err
	}
	nextStep, ok := d.ladder.Step(next)
	if !ok {
		return nil
	}

	now := d.now().UTC()
	due := now.Add(nextStep.Offset - step.Offset)
	if !state.LadderAnchorAt.IsZero() {
		due = state.LadderAnchorAt.Add(nextStep.Offset)
	}
	if due.Before(now) {
		due = now
	}
	return d.sched.Schedule(ctx, userID, types.TaskFollowup, due)
}

// OnStatusCheck is the pull path: it asks the gateway for the current
// status and feeds the observation through the shared reconciliation
// entry point.
func (d *Driver) OnStatusCheck(ctx context.Context, userID, chatID int64) error {
	state, err := d.users.EnsureUser(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if state.Paid {
		// Replay the recorded access payload for an impatient double-check.
		rec, err := d.deliveries.Get(ctx, userID)
		if err == nil && rec.Delivered {
			return d.sendAccess(ctx, userID, state.ChatID, rec.AccessKey)
		}
		return d.send(ctx, userID, state.ChatID, types.TemplateAlreadyPaid, nil)
	}

	tx, err := d.txs.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return d.send(ctx, userID, state.ChatID, types.TemplateCheckWait, nil)
		}
		return err
	}
	if tx.Status == types.StatusOK {
		return d.finalizeConfirmed(ctx, userID, tx)
	}

	raw, err := d.gateway.Query(ctx, tx.TransactionID)
	if err != nil {
		// A flaky gateway must not read as a false negative.
		log.Printf("Campaign: status query failed user=%d tx=%s: %v", userID, tx.TransactionID, err)
		return d.send(ctx, userID, state.ChatID, types.TemplateCheckWait, nil)
	}

	res, err := d.engine.Observe(ctx, userID, tx.TransactionID, raw)
	if err != nil {
		return err
	}
	switch {
	case res.Confirmed:
		return d.finalizeConfirmed(ctx, userID, tx)
	case res.FailedTerminal:
		return d.handleFailedTerminal(ctx, userID, res.Transition.To)
	case res.Transition.From == types.StatusOK:
		// Poll raced a callback that already confirmed.
		return d.finalizeConfirmed(ctx, userID, tx)
	default:
		return d.send(ctx, userID, state.ChatID, types.TemplateCheckWait, nil)
	}
}

// OnPaymentPoll is the background half of the pull path. Unlike
// OnStatusCheck it is not user-initiated and stays silent while the
// transaction is pending.
func (d *Driver) OnPaymentPoll(ctx context.Context, userID int64) error {
	tx, err := d.txs.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Stale pending-set member with no record behind it.
			return d.txs.RemovePending(ctx, userID)
		}
		return err
	}
	if tx.Status == types.StatusOK {
		return d.finalizeConfirmed(ctx, userID, tx)
	}
	if tx.Status.Terminal() {
		return d.txs.RemovePending(ctx, userID)
	}

	raw, err := d.gateway.Query(ctx, tx.TransactionID)
	if err != nil {
		// Transient; the next poll tick retries.
		log.Printf("Campaign: poll query failed user=%d tx=%s: %v", userID, tx.TransactionID, err)
		return nil
	}

	res, err := d.engine.Observe(ctx, userID, tx.TransactionID, raw)
	if err != nil {
		return err
	}
	switch {
	case res.Confirmed, res.Transition.From == types.StatusOK:
		return d.finalizeConfirmed(ctx, userID, tx)
	case res.FailedTerminal:
		return d.handleFailedTerminal(ctx, userID, res.Transition.To)
	default:
		return nil
	}
}

// CallbackPayload is what the boundary layer hands over after validating
// the push notification.
type CallbackPayload struct {
	TransactionID string
	RawStatus     string
}

// OnPaymentCallback is the push path. Unknown transaction ids are logged
// and dropped; duplicates die in the terminal sink.
func (d *Driver) OnPaymentCallback(ctx context.Context, payload CallbackPayload) error {
	if payload.TransactionID == "" {
		return fmt.Errorf("callback without transaction id")
	}
	userID, err := d.txs.ResolveUser(ctx, payload.TransactionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			log.Printf("Campaign: callback for unknown tx=%s", payload.TransactionID)
			return nil
		}
		return err
	}

	res, err := d.engine.Observe(ctx, userID, payload.TransactionID, payload.RawStatus)
	if err != nil {
		return err
	}
	switch {
	case res.Confirmed:
		tx, err := d.txs.GetActive(ctx, userID)
		if err != nil {
			return err
		}
		return d.finalizeConfirmed(ctx, userID, tx)
	case res.FailedTerminal:
		return d.handleFailedTerminal(ctx, userID, res.Transition.To)
	default:
		return nil
	}
}

// finalizeConfirmed is the single path a confirmed payment takes: freeze
// the ladder, cancel both tasks, evict from pending lookups and grant
// access through the guard. Every step is idempotent, so the callback and
// poll paths can both land here.
func (d *Driver) finalizeConfirmed(ctx context.Context, userID int64, tx *types.PendingTransaction) error {
	if err := d.users.MarkPaid(ctx, userID); err != nil {
		return err
	}
	if err := d.sched.Cancel(ctx, userID, types.TaskReminder); err != nil {
		return err
	}
	if err := d.sched.Cancel(ctx, userID, types.TaskFollowup); err != nil {
		return err
	}
	if err := d.txs.RemovePending(ctx, userID); err != nil {
		return err
	}

	result, err := d.guard.DeliverIfNeeded(ctx, userID, func(ctx context.Context) (string, error) {
		key := delivery.NewAccessKey()
		if err := d.deliveries.SaveAccessKey(ctx, key, userID, d.cfg.AccessKeyTTL); err != nil {
			return "", err
		}
		return key, nil
	})
	if err != nil {
		return err
	}
	if !result.DeliveredNow {
		return nil
	}

	d.recordEvent(ctx, userID, types.EventPaymentConfirmed)
	d.recordEvent(ctx, userID, types.EventAccessDelivered)
	if d.audit != nil {
		if _, err := d.audit.RecordPayment(ctx, types.PaymentRecord{
			UserID:        userID,
			TransactionID: tx.TransactionID,
			Gateway:       d.cfg.GatewayName,
			Currency:      d.cfg.Currency,
			AmountCents:   tx.AmountCents,
			CreatedAt:     d.now().UTC(),
		}); err != nil {
			log.Printf("Campaign: payment audit failed user=%d tx=%s: %v", userID, tx.TransactionID, err)
		}
	}

	state, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return d.sendAccess(ctx, userID, state.ChatID, result.AccessKey)
}

func (d *Driver) handleFailedTerminal(ctx context.Context, userID int64, status types.PaymentStatus) error {
	// The ladder keeps running; the user may still take a later offer.
	if err := d.txs.RemovePending(ctx, userID); err != nil {
		return err
	}
	d.recordEvent(ctx, userID, types.EventPaymentFailed)
	log.Printf("Campaign: payment terminal user=%d status=%s", userID, status)
	return nil
}

func (d *Driver) sendAccess(ctx context.Context, userID, chatID int64, accessKey string) error {
	return d.send(ctx, userID, chatID, types.TemplateAccessGranted, map[string]string{
		"access_key": accessKey,
		"portal_url": fmt.Sprintf("%s?key=%s", d.cfg.PortalBaseURL, accessKey),
	})
}

// send routes one SendRequest to the presentation layer. A blocked
// recipient stops the campaign for that user.
func (d *Driver) send(ctx context.Context, userID, chatID int64, template types.TemplateKind, params map[string]string) error {
	if chatID == 0 {
		return nil
	}
	err := d.notifier.Send(ctx, types.SendRequest{ChatID: chatID, Template: template, Params: params})
	if errors.Is(err, types.ErrRecipientBlocked) {
		log.Printf("Campaign: user %d blocked the bot, halting campaign", userID)
		_ = d.users.MarkBlocked(ctx, userID)
		_ = d.sched.Cancel(ctx, userID, types.TaskReminder)
		_ = d.sched.Cancel(ctx, userID, types.TaskFollowup)
		return types.ErrRecipientBlocked
	}
	return err
}

func (d *Driver) recordEvent(ctx context.Context, userID int64, event string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.RecordFunnelEvent(ctx, userID, event); err != nil {
		log.Printf("Campaign: funnel event %s failed user=%d: %v", event, userID, err)
	}
}
