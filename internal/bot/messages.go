package bot

import (
	"fmt"
	"strings"

	"laundrybot/internal/config"
	"laundrybot/internal/models"
	"laundrybot/internal/service"
)

const (
	mainMenuText    = "🧺 *Laundry Room Manager*\n\nWhat would you like to do?"
	errInternalText = "⚠️ Something went wrong. Please try again later."
	helpText        = "🧺 *Laundry Room Manager*\n\n" +
		"/start - main menu\n" +
		"/status - machine status\n" +
		"/cancel - cancel the current action\n\n" +
		"To collect your laundry, just send your 6-character code."
	collectText = "✅ *Collect Laundry*\n\n" +
		"Please send me your 6-character collection code.\n\n" +
		"Format: `XXXXXX`"
	invalidCodeText  = "❌ Invalid code or machine not in use.\n\nPlease check your code and try again."
	tooManyCodesText = "⏳ Too many attempts. Please wait a minute before trying another code."
	invalidNumber    = "❌ Invalid format. Please enter a number (e.g., 45 or 90)."
)

var durationRangeText = fmt.Sprintf("❌ Please enter a valid duration between %d and %d minutes.",
	config.MinDurationMinutes, config.MaxDurationMinutes)

func welcomeText(firstName string) string {
	return fmt.Sprintf("👋 Hello %s!\n\nWelcome to the Laundry Room Manager Bot 🧺\n\nWhat would you like to do?", firstName)
}

func kindIcon(k models.MachineKind) string {
	if k == models.KindDryer {
		return "🔥"
	}
	return "🌀"
}

func kindTitle(k models.MachineKind) string {
	if k == models.KindDryer {
		return "🔥 *Dryers*"
	}
	return "🌀 *Washing Machines*"
}

func customTimeText(machineID string) string {
	return fmt.Sprintf("✏️ *Custom Time for %s*\n\n"+
		"Please enter the duration in minutes (as a number).\n\n"+
		"Example: `45` or `90`", machineID)
}

func reservedText(machineID string, r *models.Reservation, minutes int) string {
	return fmt.Sprintf("✅ *Machine %s is now reserved for you!*\n\n"+
		"⏱ Duration: %d minutes\n"+
		"🔑 Your collection code: `%s`\n\n"+
		"_Please save this code. You'll need it to collect your laundry._\n\n"+
		"You'll receive a notification when it's finished!", machineID, minutes, r.Code)
}

// formatStatus renders the status snapshot grouped by machine kind.
func formatStatus(snapshot []service.MachineStatus) string {
	var sb strings.Builder
	sb.WriteString("🏠 *Laundry Room Status*\n")
	for _, kind := range []models.MachineKind{models.KindWasher, models.KindDryer} {
		if kind == models.KindWasher {
			sb.WriteString("\n🌀 *Washing Machines:*\n")
		} else {
			sb.WriteString("\n🔥 *Dryers:*\n")
		}
		for _, st := range snapshot {
			if st.Kind != kind {
				continue
			}
			switch st.State {
			case service.DisplayReserved:
				fmt.Fprintf(&sb, "⏳ %s: In Use (%d min left)\n", st.ID, st.MinutesRemaining)
			case service.DisplayFinished:
				fmt.Fprintf(&sb, "🧺 %s: Finished (Ready to collect)\n", st.ID)
			default:
				fmt.Fprintf(&sb, "✅ %s: Free\n", st.ID)
			}
		}
	}
	return sb.String()
}

// MachineFinished is sent to the holder when the reservation time elapses.
func (b *Bot) MachineFinished(machineID, code string) string {
	return fmt.Sprintf("⏰ *Your laundry is ready!*\n\n"+
		"Machine %s has finished.\n"+
		"Please collect your laundry using your code: `%s`", machineID, code)
}

// MachineFinishing is broadcast when a reservation time elapses.
func (b *Bot) MachineFinishing(machineID string) string {
	return fmt.Sprintf("🔔 Machine %s has finished and will be free soon!", machineID)
}

// MachineFree is broadcast when a machine is released.
func (b *Bot) MachineFree(machineID string) string {
	return fmt.Sprintf("🎉 Machine %s is now FREE!", machineID)
}
