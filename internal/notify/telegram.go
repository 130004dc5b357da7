// Package notify renders SendRequests for Telegram. It is the outbound
// presentation boundary: the campaign core hands over (chat, template,
// params) tuples and never touches wording or keyboards itself.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-funnel/internal/messages"
	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type TelegramNotifier struct {
	botClient *bot.Bot
}

func NewTelegramNotifier(botClient *bot.Bot) *TelegramNotifier {
	return &TelegramNotifier{botClient: botClient}
}

func (n *TelegramNotifier) Send(ctx context.Context, req types.SendRequest) error {
	text, keyboard := render(req)
	if text == "" {
		return fmt.Errorf("no template %q", req.Template)
	}

	params := &bot.SendMessageParams{
		ChatID:    req.ChatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := n.botClient.SendMessage(ctx, params)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "forbidden") {
		return types.ErrRecipientBlocked
	}
	return err
}

func render(req types.SendRequest) (string, *models.InlineKeyboardMarkup) {
	amount := messages.FormatAmount(paramInt64(req, "amount_cents"), req.Params["currency"])

	switch req.Template {
	case types.TemplateStartOffer:
		return messages.StartOffer(amount), payKeyboard(paramInt64(req, "amount_cents"))
	case types.TemplatePaymentCode:
		return messages.PaymentCode(amount, req.Params["qr_payload"]), verifyKeyboard()
	case types.TemplatePaymentRetry:
		return messages.PaymentRetry(), nil
	case types.TemplateReminder:
		return messages.Reminder(amount, req.Params["qr_payload"]), verifyKeyboard()
	case types.TemplateFollowup:
		discount, _ := strconv.Atoi(req.Params["discount_pct"])
		return messages.Followup(discount, amount), payKeyboard(paramInt64(req, "amount_cents"))
	case types.TemplateAccessGranted:
		return messages.AccessGranted(req.Params["portal_url"], req.Params["access_key"]), nil
	case types.TemplateCheckWait:
		return messages.CheckWait(), verifyKeyboard()
	case types.TemplateAlreadyPaid:
		return messages.AlreadyPaid(), nil
	case types.TemplatePaymentFailure:
		return messages.PaymentFailure(), nil
	}
	return "", nil
}

func paramInt64(req types.SendRequest, key string) int64 {
	v, _ := strconv.ParseInt(req.Params[key], 10, 64)
	return v
}

func payKeyboard(amountCents int64) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: messages.BtnPayNow(), CallbackData: fmt.Sprintf("pay:%d", amountCents)},
			},
		},
	}
}

func verifyKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: messages.BtnVerifyPaid(), CallbackData: "pay:verify"},
			},
		},
	}
}
