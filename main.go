package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/internal/callbackapi"
	"github.com/BatmanBruc/bat-bot-funnel/internal/campaign"
	"github.com/BatmanBruc/bat-bot-funnel/internal/config"
	"github.com/BatmanBruc/bat-bot-funnel/internal/gateway"
	"github.com/BatmanBruc/bat-bot-funnel/internal/handlers"
	"github.com/BatmanBruc/bat-bot-funnel/internal/ladder"
	"github.com/BatmanBruc/bat-bot-funnel/internal/middleware"
	"github.com/BatmanBruc/bat-bot-funnel/internal/notify"
	"github.com/BatmanBruc/bat-bot-funnel/internal/scheduler"
	"github.com/BatmanBruc/bat-bot-funnel/store"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

func main() {
	_ = config.LoadEnvFile("config.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb, err := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	userStore := store.NewRedisUserStore(rdb)
	txStore := store.NewRedisTransactionStore(rdb, cfg.ReuseWindow)
	schedStore := store.NewRedisScheduleStore(rdb)
	deliveryStore := store.NewRedisDeliveryStore(rdb)
	locker := store.NewRedisUserLocker(rdb)

	pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()

	offerLadder := ladder.Default()
	if cfg.LadderFile != "" {
		offerLadder, err = ladder.LoadFile(cfg.LadderFile)
		if err != nil {
			log.Fatalf("Failed to load ladder file %s: %v", cfg.LadderFile, err)
		}
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.Currency)

	httpClient := &http.Client{
		Timeout: 10 * time.Minute,
	}
	pollTimeout := 50 * time.Second

	b, err := bot.New(
		cfg.BotToken,
		bot.WithHTTPClient(pollTimeout, httpClient),
	)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	notifier := notify.NewTelegramNotifier(b)

	driver := campaign.NewDriver(
		campaign.Config{
			ReminderDelay:   cfg.ReminderDelay,
			BaseAmountCents: cfg.BaseAmountCents,
			PortalBaseURL:   cfg.PortalBaseURL,
			GatewayName:     "pix",
			Currency:        cfg.Currency,
		},
		userStore,
		txStore,
		schedStore,
		deliveryStore,
		gw,
		notifier,
		pgStore,
		offerLadder,
		locker,
	)

	taskScheduler := scheduler.NewScheduler(
		schedStore,
		txStore,
		driver,
		scheduler.Config{
			Workers:             cfg.SchedulerWorkers,
			DuePollInterval:     cfg.DuePollInterval,
			PaymentPollInterval: cfg.PaymentPollInterval,
			PaymentPollBatch:    cfg.PaymentPollBatch,
			PaymentPollWorkers:  cfg.PaymentPollWorkers,
		},
	)
	if err := taskScheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer taskScheduler.Stop()

	api := callbackapi.NewServer(driver, pgStore, cfg.CallbackSecret)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Routes(),
	}
	go func() {
		log.Printf("Callback API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Callback API failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	middlewares := middleware.NewUpdateAnalyzer(pgStore)
	h := handlers.NewHandlers(driver)

	handlerChain := middlewares.UpsertUserMiddleware(h.MainHandler)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)

	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)

	log.Println("Bot started. Press Ctrl+C to stop.")
	b.Start(ctx)
}
