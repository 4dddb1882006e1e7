package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"laundrybot/internal/metrics"
	"laundrybot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type telegramClient interface {
	TelegramSender
	Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	SelfUser() tgbotapi.User
}

type realTelegramClient struct {
	api *tgbotapi.BotAPI
}

func (c *realTelegramClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.api.Send(msg)
}

func (c *realTelegramClient) Request(msg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return c.api.Request(msg)
}

func (c *realTelegramClient) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.api.GetUpdatesChan(cfg)
}

func (c *realTelegramClient) StopReceivingUpdates() {
	c.api.StopReceivingUpdates()
}

func (c *realTelegramClient) SelfUser() tgbotapi.User {
	return c.api.Self
}

// Options configures the front-end.
type Options struct {
	Presets      map[models.MachineKind][]int
	Admins       []int64
	CodeAttempts int
	CodeWindow   time.Duration
	Debug        bool
}

// Bot is the Telegram front-end of the laundry room.
type Bot struct {
	tg       telegramClient
	machines ReservationManager
	state    StateManager
	reports  ReportBuilder
	opts     Options
	admins   map[int64]struct{}
	logger   *zerolog.Logger
}

func New(token string, machines ReservationManager, state StateManager, reports ReportBuilder, opts Options, logger *zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = opts.Debug
	return newBot(&realTelegramClient{api: api}, machines, state, reports, opts, logger)
}

// NewWithTelegramClient allows injecting a mocked Telegram client for tests.
func NewWithTelegramClient(tg telegramClient, machines ReservationManager, state StateManager, reports ReportBuilder, opts Options, logger *zerolog.Logger) (*Bot, error) {
	return newBot(tg, machines, state, reports, opts, logger)
}

func newBot(tg telegramClient, machines ReservationManager, state StateManager, reports ReportBuilder, opts Options, logger *zerolog.Logger) (*Bot, error) {
	if tg == nil {
		return nil, fmt.Errorf("telegram client is nil")
	}
	if machines == nil || state == nil {
		return nil, fmt.Errorf("reservation manager and state manager are required")
	}
	admins := make(map[int64]struct{}, len(opts.Admins))
	for _, id := range opts.Admins {
		admins[id] = struct{}{}
	}
	l := logger.With().Str("component", "bot").Logger()
	return &Bot{
		tg:       tg,
		machines: machines,
		state:    state,
		reports:  reports,
		opts:     opts,
		admins:   admins,
		logger:   &l,
	}, nil
}

// Start polls updates until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.SelfUser().UserName).Msg("laundry bot authorized")

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			requestID := uuid.New().String()
			l := b.logger.With().Str("request_id", requestID).Logger()
			updateCtx := l.WithContext(ctx)
			b.handleUpdate(updateCtx, &update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update *tgbotapi.Update) {
	l := zerolog.Ctx(ctx)
	start := time.Now()
	if update.CallbackQuery != nil {
		l.Debug().
			Int64("user_id", update.CallbackQuery.From.ID).
			Str("data", update.CallbackQuery.Data).
			Msg("Handling callback query")
		b.handleCallback(ctx, update.CallbackQuery)
		metrics.ObserveUpdate("callback", time.Since(start).Seconds())
		return
	}
	if update.Message != nil && update.Message.From != nil {
		l.Debug().
			Int64("user_id", update.Message.From.ID).
			Str("text", update.Message.Text).
			Msg("Handling message")
		b.handleMessage(ctx, update.Message)
		metrics.ObserveUpdate("message", time.Since(start).Seconds())
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if strings.HasPrefix(text, "/") {
		switch msg.Command() {
		case "start":
			b.handleStart(ctx, msg)
		case "status":
			b.sendStatus(ctx, chatID)
		case "cancel":
			b.clearState(ctx, userID)
			b.sendMainMenu(chatID, "Operation cancelled.\n\n"+mainMenuText)
		case "export":
			b.handleExport(ctx, chatID, userID)
		default:
			b.reply(chatID, helpText, nil)
		}
		return
	}

	st, err := b.state.GetUserState(ctx, userID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("state unavailable, treating input as code")
	}
	if st != nil && st.Step == models.StepCustomDuration {
		b.handleCustomDuration(ctx, msg, st.GetString("machine_id"), text)
		return
	}

	b.handleCode(ctx, chatID, userID, text)
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq == nil || cq.Message == nil {
		return
	}
	data := cq.Data
	_ = b.answerCallback(cq.ID)
	if data == "noop" {
		return
	}

	userID := cq.From.ID
	chatID := cq.Message.Chat.ID

	switch {
	case data == "status":
		b.sendStatus(ctx, chatID)
	case data == "use_machine", data == "back_to_machines":
		b.clearState(ctx, userID)
		b.sendKindMenu(chatID)
	case strings.HasPrefix(data, "kind:"):
		b.sendMachineList(ctx, chatID, models.MachineKind(strings.TrimPrefix(data, "kind:")))
	case strings.HasPrefix(data, "machine:"):
		b.sendDurationMenu(ctx, chatID, strings.TrimPrefix(data, "machine:"))
	case strings.HasPrefix(data, "time:"):
		b.handleTimeCallback(ctx, chatID, cq.From, data)
	case strings.HasPrefix(data, "custom:"):
		b.requestCustomTime(ctx, chatID, userID, strings.TrimPrefix(data, "custom:"))
	case data == "collect":
		b.startCollect(ctx, chatID, userID)
	case data == "back_to_main":
		b.clearState(ctx, userID)
		b.sendMainMenu(chatID, mainMenuText)
	default:
		zerolog.Ctx(ctx).Warn().Str("data", data).Msg("unknown callback")
	}
}

// NotifyUser delivers a notification to a user's private chat.
func (b *Bot) NotifyUser(ctx context.Context, userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.tg.Send(msg); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			zerolog.Ctx(ctx).Debug().
				Int("code", tgErr.Code).
				Int("retry_after", tgErr.RetryAfter).
				Int64("user_id", userID).
				Msg("telegram rejected notification")
		}
		return fmt.Errorf("send to %d: %w", userID, err)
	}
	return nil
}

func (b *Bot) isAdmin(userID int64) bool {
	_, ok := b.admins[userID]
	return ok
}

func (b *Bot) answerCallback(id string) error {
	_, err := b.tg.Request(tgbotapi.NewCallback(id, ""))
	return err
}

func (b *Bot) reply(chatID int64, text string, markup interface{}) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.tg.Send(msg); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (b *Bot) clearState(ctx context.Context, userID int64) {
	if err := b.state.ClearUserState(ctx, userID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("user_id", userID).Msg("failed to clear state")
	}
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
