// Package scheduler is the single polling driver behind the due queue and
// the payment poll. Due tasks are drained on a fixed tick into a bounded
// worker pool so one slow gateway call cannot starve other users' tasks.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/robfig/cron/v3"
)

// FunnelDriver is the slice of the campaign driver the scheduler fires
// into.
type FunnelDriver interface {
	OnReminderFire(ctx context.Context, userID int64) error
	OnFollowupFire(ctx context.Context, userID int64) error
	OnPaymentPoll(ctx context.Context, userID int64) error
}

type Config struct {
	Workers             int
	DuePollInterval     time.Duration
	PaymentPollInterval time.Duration
	PaymentPollBatch    int
	PaymentPollWorkers  int
	DispatchTimeout     time.Duration
}

type Scheduler struct {
	sched  types.ScheduleStore
	txs    types.TransactionStore
	driver FunnelDriver
	cfg    Config

	cron      *cron.Cron
	taskQueue chan types.ScheduledTask
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

func NewScheduler(sched types.ScheduleStore, txs types.TransactionStore, driver FunnelDriver, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.DuePollInterval <= 0 {
		cfg.DuePollInterval = 5 * time.Second
	}
	if cfg.PaymentPollInterval <= 0 {
		cfg.PaymentPollInterval = 20 * time.Second
	}
	if cfg.PaymentPollBatch <= 0 {
		cfg.PaymentPollBatch = 50
	}
	if cfg.PaymentPollWorkers <= 0 {
		cfg.PaymentPollWorkers = 10
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.Workers * 2
	if queueSize < 10 {
		queueSize = 10
	}

	return &Scheduler{
		sched:     sched,
		txs:       txs,
		driver:    driver,
		cfg:       cfg,
		cron:      cron.New(),
		taskQueue: make(chan types.ScheduledTask, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if _, err := s.cron.AddFunc("@every "+s.cfg.DuePollInterval.String(), s.drainDue); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every "+s.cfg.PaymentPollInterval.String(), s.pollPayments); err != nil {
		return err
	}
	s.cron.Start()

	log.Printf("Scheduler started: %d workers, due tick %s, payment tick %s",
		s.cfg.Workers, s.cfg.DuePollInterval, s.cfg.PaymentPollInterval)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("Stopping scheduler...")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// drainDue pops everything due and hands it to the workers. A store error
// is logged and left in place; the queue is durable, so the next tick
// picks the backlog up again.
func (s *Scheduler) drainDue() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DuePollInterval)
	defer cancel()

	tasks, err := s.sched.PopDue(ctx, time.Now())
	if err != nil {
		log.Printf("Scheduler: pop due failed: %v", err)
		return
	}
	for _, task := range tasks {
		select {
		case s.taskQueue <- task:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.taskQueue:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DispatchTimeout)
			var err error
			switch task.Kind {
			case types.TaskReminder:
				err = s.driver.OnReminderFire(ctx, task.UserID)
			case types.TaskFollowup:
				err = s.driver.OnFollowupFire(ctx, task.UserID)
			default:
				log.Printf("Worker %d: unknown task kind %q for user %d", id, task.Kind, task.UserID)
			}
			cancel()
			if err != nil {
				log.Printf("Worker %d: %s task for user %d failed: %v", id, task.Kind, task.UserID, err)
			}
		}
	}
}

// pollPayments walks the pending set with bounded concurrency. This is the
// pull half of reconciliation, covering lost callbacks.
func (s *Scheduler) pollPayments() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PaymentPollInterval)
	defer cancel()

	userIDs, err := s.txs.ListPending(ctx, s.cfg.PaymentPollBatch)
	if err != nil {
		log.Printf("Scheduler: list pending failed: %v", err)
		return
	}
	if len(userIDs) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.PaymentPollWorkers)
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.driver.OnPaymentPoll(ctx, userID); err != nil {
				log.Printf("Scheduler: payment poll for user %d failed: %v", userID, err)
			}
		}(userID)
	}
	wg.Wait()
}
