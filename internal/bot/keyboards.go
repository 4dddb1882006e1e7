package bot

import (
	"context"
	"fmt"

	"laundrybot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

func backToMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back to Menu", "back_to_main")),
	)
}

func cancelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Cancel", "back_to_main")),
	)
}

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Status", "status")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔧 Use a Machine", "use_machine")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Collect Laundry", "collect")),
	)
}

func kindKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🌀 Washing Machines", "kind:"+string(models.KindWasher))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔥 Dryers", "kind:"+string(models.KindDryer))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back to Menu", "back_to_main")),
	)
}

// machineKeyboard lists machines of one kind. Only free ones are selectable.
func machineKeyboard(machines []models.Machine, kind models.MachineKind) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := range machines {
		m := &machines[i]
		if m.Kind != kind {
			continue
		}
		if m.IsFree() {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✅ "+m.ID, "machine:"+m.ID),
			))
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏳ "+m.ID+" (In Use)", "noop"),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "back_to_machines")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func durationKeyboard(machineID string, presets []int) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(presets)+2)
	for _, minutes := range presets {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%d minutes", minutes),
				fmt.Sprintf("time:%s:%d", machineID, minutes),
			),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✏️ Custom Time", "custom:"+machineID)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "back_to_machines")),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) sendMainMenu(chatID int64, text string) {
	b.reply(chatID, text, mainMenuKeyboard())
}

func (b *Bot) sendKindMenu(chatID int64) {
	b.reply(chatID, "Select machine type:", kindKeyboard())
}

func (b *Bot) sendMachineList(ctx context.Context, chatID int64, kind models.MachineKind) {
	if !kind.Valid() {
		zerolog.Ctx(ctx).Warn().Str("kind", string(kind)).Msg("unknown machine kind")
		b.sendKindMenu(chatID)
		return
	}
	machines, err := b.machines.ListMachines(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list machines")
		b.reply(chatID, errInternalText, backToMenuKeyboard())
		return
	}
	b.reply(chatID, kindTitle(kind)+"\n\nSelect a free machine:", machineKeyboard(machines, kind))
}

func (b *Bot) sendDurationMenu(ctx context.Context, chatID int64, machineID string) {
	m, ok := b.loadFreeMachine(ctx, chatID, machineID)
	if !ok {
		return
	}
	title := fmt.Sprintf("%s %s - Select Duration", kindIcon(m.Kind), m.ID)
	b.reply(chatID, title, durationKeyboard(m.ID, b.opts.Presets[m.Kind]))
}
