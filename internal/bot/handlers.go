package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"laundrybot/internal/models"
	"laundrybot/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if err := b.machines.RegisterUser(ctx, msg.From.ID, displayName(msg.From)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("user_id", msg.From.ID).Msg("failed to register user")
	}
	b.clearState(ctx, msg.From.ID)
	b.sendMainMenu(msg.Chat.ID, welcomeText(msg.From.FirstName))
}

func (b *Bot) sendStatus(ctx context.Context, chatID int64) {
	snapshot, err := b.machines.StatusSnapshot(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to build status")
		b.reply(chatID, errInternalText, backToMenuKeyboard())
		return
	}
	b.reply(chatID, formatStatus(snapshot), backToMenuKeyboard())
}

// loadFreeMachine replies with an explanation and returns false when the
// machine is unknown or taken.
func (b *Bot) loadFreeMachine(ctx context.Context, chatID int64, machineID string) (*models.Machine, bool) {
	m, err := b.machines.GetMachine(ctx, machineID)
	if err != nil {
		if !errors.Is(err, models.ErrMachineNotFound) {
			zerolog.Ctx(ctx).Error().Err(err).Str("machine_id", machineID).Msg("failed to load machine")
		}
		b.replyReserveError(ctx, chatID, machineID, err)
		return nil, false
	}
	if !m.IsFree() {
		b.replyReserveError(ctx, chatID, machineID, models.ErrAlreadyInUse)
		return nil, false
	}
	return m, true
}

func (b *Bot) handleTimeCallback(ctx context.Context, chatID int64, from *tgbotapi.User, data string) {
	// time:<machine>:<minutes>
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		zerolog.Ctx(ctx).Warn().Str("data", data).Msg("malformed time callback")
		return
	}
	minutes, err := strconv.Atoi(parts[2])
	if err != nil {
		zerolog.Ctx(ctx).Warn().Str("data", data).Msg("malformed duration")
		return
	}
	b.reserve(ctx, chatID, from, parts[1], minutes)
}

func (b *Bot) requestCustomTime(ctx context.Context, chatID, userID int64, machineID string) {
	if _, ok := b.loadFreeMachine(ctx, chatID, machineID); !ok {
		return
	}
	err := b.state.SetUserState(ctx, userID, models.StepCustomDuration, map[string]interface{}{
		"machine_id": machineID,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to save state")
		b.reply(chatID, errInternalText, backToMenuKeyboard())
		return
	}
	b.reply(chatID, customTimeText(machineID), cancelKeyboard())
}

func (b *Bot) handleCustomDuration(ctx context.Context, msg *tgbotapi.Message, machineID, text string) {
	minutes, err := strconv.Atoi(text)
	if err != nil {
		b.reply(msg.Chat.ID, invalidNumber, backToMenuKeyboard())
		return
	}
	if err := service.ValidateDuration(minutes); err != nil {
		b.reply(msg.Chat.ID, durationRangeText, backToMenuKeyboard())
		return
	}
	b.clearState(ctx, msg.From.ID)
	b.reserve(ctx, msg.Chat.ID, msg.From, machineID, minutes)
}

func (b *Bot) reserve(ctx context.Context, chatID int64, from *tgbotapi.User, machineID string, minutes int) {
	r, err := b.machines.Reserve(ctx, machineID, from.ID, displayName(from), minutes)
	if err != nil {
		b.replyReserveError(ctx, chatID, machineID, err)
		return
	}
	b.reply(chatID, reservedText(machineID, r, minutes), backToMenuKeyboard())
}

func (b *Bot) replyReserveError(ctx context.Context, chatID int64, machineID string, err error) {
	var text string
	switch {
	case errors.Is(err, models.ErrMachineNotFound):
		text = "❌ Unknown machine."
	case errors.Is(err, models.ErrAlreadyInUse):
		text = fmt.Sprintf("❌ Machine %s is already in use. Please try another machine.", machineID)
	case errors.Is(err, models.ErrInvalidDuration):
		text = durationRangeText
	default:
		zerolog.Ctx(ctx).Error().Err(err).Str("machine_id", machineID).Msg("reservation failed")
		text = errInternalText
	}
	b.reply(chatID, text, backToMenuKeyboard())
}

func (b *Bot) startCollect(ctx context.Context, chatID, userID int64) {
	if err := b.state.SetUserState(ctx, userID, models.StepAwaitCode, nil); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to save state")
	}
	b.reply(chatID, collectText, cancelKeyboard())
}

func (b *Bot) handleCode(ctx context.Context, chatID, userID int64, text string) {
	if !b.state.AllowAttempt(ctx, userID, b.opts.CodeAttempts, b.opts.CodeWindow) {
		zerolog.Ctx(ctx).Warn().Int64("user_id", userID).Msg("code attempts throttled")
		b.reply(chatID, tooManyCodesText, backToMenuKeyboard())
		return
	}

	rel, err := b.machines.ReleaseByCode(ctx, text)
	if err != nil {
		if !errors.Is(err, models.ErrCodeNotFound) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("release failed")
			b.reply(chatID, errInternalText, backToMenuKeyboard())
			return
		}
		b.reply(chatID, invalidCodeText, backToMenuKeyboard())
		return
	}

	b.clearState(ctx, userID)
	b.reply(chatID, "✅ "+rel.Message, backToMenuKeyboard())
}

func (b *Bot) handleExport(ctx context.Context, chatID, userID int64) {
	if !b.isAdmin(userID) || b.reports == nil {
		b.reply(chatID, "⛔ This command is available to administrators only.", nil)
		return
	}

	name, data, err := b.reports.BuildReport(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to build report")
		b.reply(chatID, errInternalText, nil)
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = "📊 Laundry report"
	if _, err := b.tg.Send(doc); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to send report")
	}
}
