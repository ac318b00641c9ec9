package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdStart  = "start"
	cmdHelp   = "help"
	cmdStatus = "status"
	cmdStats  = "stats"
	cmdTest   = "test"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, fmt.Sprintf(`🚗 Yad2 Vehicle Monitor Bot

I check the configured yad2 searches every %s and post new listings to the notification channel.

Use /help for the full command reference.`, b.cfg.CheckInterval))
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Commands:
/start — show the welcome message
/status — monitoring status and last cycle results
/stats — database statistics
/test — send a test message`)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	if b.status == nil {
		b.reply(chatID, "Monitoring has not started yet.")
		return
	}

	st, err := b.status.Status(ctx)
	text := FormatStatus(st, b.cfg.CheckInterval)
	if err != nil {
		b.log.Warn().Err(err).Msg("load status stats")
		text += "\n\n⚠️ Database statistics are unavailable."
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Refresh", cmdStatus),
			tgbotapi.NewInlineKeyboardButtonData("Stats", cmdStats),
		),
	)
	b.send(msg)
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) {
	if b.status == nil {
		b.reply(chatID, "Monitoring has not started yet.")
		return
	}

	st, err := b.status.Status(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("❌ Error getting stats: %v", err))
		return
	}
	b.reply(chatID, FormatStats(st.Stats))
}

func (b *Bot) handleTest(chatID int64) {
	b.reply(chatID, "🧪 Test message from Yad2 Monitor Bot!")
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error().Err(err).Msg("send callback ack")
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	b.log.Info().
		Str("action", cb.Data).
		Int64("chat_id", chatID).
		Int64("user_id", cb.From.ID).
		Str("username", cb.From.UserName).
		Msg("callback")

	switch cb.Data {
	case cmdStatus:
		b.handleStatus(ctx, chatID)
	case cmdStats:
		b.handleStats(ctx, chatID)
	}
}
