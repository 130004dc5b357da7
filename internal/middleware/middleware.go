package middleware

import (
	"context"
	"log"

	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// UpdateAnalyzer keeps the relational user roster current: every inbound
// update upserts the sender before the funnel handlers run.
type UpdateAnalyzer struct {
	audit types.AuditStore
}

func NewUpdateAnalyzer(audit types.AuditStore) *UpdateAnalyzer {
	return &UpdateAnalyzer{audit: audit}
}

func (m *UpdateAnalyzer) UpsertUserMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if m.audit != nil {
			if u := userFromUpdate(update); u != nil {
				if err := m.audit.UpsertUser(ctx, *u); err != nil {
					log.Printf("Middleware: upsert user %d failed: %v", u.UserID, err)
				}
			}
		}
		next(ctx, b, update)
	}
}

func userFromUpdate(update *models.Update) *types.User {
	var from *models.User
	var chatID int64

	switch {
	case update.Message != nil && update.Message.From != nil:
		from = update.Message.From
		chatID = update.Message.Chat.ID
	case update.CallbackQuery != nil:
		from = &update.CallbackQuery.From
		if update.CallbackQuery.Message.Message != nil {
			chatID = update.CallbackQuery.Message.Message.Chat.ID
		}
	default:
		return nil
	}

	return &types.User{
		UserID:    from.ID,
		ChatID:    chatID,
		Username:  from.Username,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}
}
