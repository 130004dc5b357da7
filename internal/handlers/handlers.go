// Package handlers maps inbound Telegram updates onto funnel events.
// Updates arrive at-least-once; every driver call they trigger is
// idempotent, so a duplicate update is harmless.
package handlers

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-funnel/internal/campaign"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type Handlers struct {
	driver *campaign.Driver
}

func NewHandlers(driver *campaign.Driver) *Handlers {
	return &Handlers{driver: driver}
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.Message != nil:
		bh.handleMessage(ctx, update)
	case update.CallbackQuery != nil:
		bh.handleCallbackQuery(ctx, b, update)
	}
}

func (bh *Handlers) handleMessage(ctx context.Context, update *models.Update) {
	msg := update.Message
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/start") {
		return
	}
	if err := bh.driver.OnEntry(ctx, msg.From.ID, msg.Chat.ID); err != nil {
		log.Printf("Handlers: entry for user %d failed: %v", msg.From.ID, err)
	}
}

func (bh *Handlers) handleCallbackQuery(ctx context.Context, b *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	data := strings.TrimSpace(cq.Data)

	// Stop the client spinner regardless of the outcome.
	_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cq.ID,
	})

	if cq.Message.Message == nil {
		return
	}
	userID := cq.From.ID
	chatID := cq.Message.Message.Chat.ID

	switch {
	case data == "pay:verify":
		if err := bh.driver.OnStatusCheck(ctx, userID, chatID); err != nil {
			log.Printf("Handlers: status check for user %d failed: %v", userID, err)
		}
	case strings.HasPrefix(data, "pay:"):
		amountCents, err := strconv.ParseInt(strings.TrimPrefix(data, "pay:"), 10, 64)
		if err != nil {
			log.Printf("Handlers: malformed pay callback %q from user %d", data, userID)
			return
		}
		if err := bh.driver.OnPaymentRequest(ctx, userID, chatID, amountCents); err != nil {
			log.Printf("Handlers: payment request for user %d failed: %v", userID, err)
		}
	}
}
