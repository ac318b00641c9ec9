package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"yad2_bot/internal/config"
	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// StatusProvider reports the pipeline state for /status and /stats.
type StatusProvider interface {
	Status(ctx context.Context) (model.Status, error)
}

// Bot is the Telegram bot that handles user commands and delivers listing
// notifications.
type Bot struct {
	api    telegramAPI
	cfg    *config.Config
	status StatusProvider
	log    zerolog.Logger
}

// New creates a Bot with the given Telegram token and config.
func New(token string, cfg *config.Config, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api: api,
		cfg: cfg,
		log: log,
	}, nil
}

// SetStatusProvider wires the component answering status queries. It must be
// called before Run.
func (b *Bot) SetStatusProvider(p StatusProvider) {
	b.status = p
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() || update.Message.From == nil {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Send delivers an HTML notification to destination, which is either a
// numeric chat id or an @channel name. Rate limiting, server errors and
// network failures are reported as retryable delivery failures; any other
// API error is permanent.
func (b *Bot) Send(ctx context.Context, destination, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := newMessage(destination, text)
	if err != nil {
		return failure.NewPermanentDelivery("send message", err)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := b.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
				return failure.NewDelivery("send message", err)
			}
			return failure.NewPermanentDelivery("send message", err)
		}
		return failure.NewDelivery("send message", err)
	}
	return nil
}

func newMessage(destination, text string) (tgbotapi.MessageConfig, error) {
	destination = strings.TrimSpace(destination)
	if strings.HasPrefix(destination, "@") && len(destination) > 1 {
		return tgbotapi.NewMessageToChannel(destination, text), nil
	}
	chatID, err := cast.ToInt64E(destination)
	if err != nil || chatID == 0 {
		return tgbotapi.MessageConfig{}, fmt.Errorf("invalid destination %q", destination)
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", msg.ChatID).Msg("send message")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	chatID := msg.Chat.ID

	b.log.Debug().Str("cmd", cmd).Int64("chat_id", chatID).Msg("command")

	switch cmd {
	case cmdStart:
		b.handleStart(chatID)
	case cmdHelp:
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(ctx, chatID)
	case cmdStats:
		b.handleStats(ctx, chatID)
	case cmdTest:
		b.handleTest(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
