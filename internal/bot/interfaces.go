package bot

import (
	"context"
	"time"

	"laundrybot/internal/models"
	"laundrybot/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type ReservationManager interface {
	Reserve(ctx context.Context, machineID string, userID int64, displayName string, minutes int) (*models.Reservation, error)
	ReleaseByCode(ctx context.Context, code string) (*service.Release, error)
	StatusSnapshot(ctx context.Context) ([]service.MachineStatus, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	RegisterUser(ctx context.Context, userID int64, displayName string) error
}

type StateManager interface {
	GetUserState(ctx context.Context, userID int64) (*models.UserState, error)
	SetUserState(ctx context.Context, userID int64, step string, data map[string]interface{}) error
	ClearUserState(ctx context.Context, userID int64) error
	AllowAttempt(ctx context.Context, userID int64, limit int, window time.Duration) bool
}

// ReportBuilder produces the admin Excel report.
type ReportBuilder interface {
	BuildReport(ctx context.Context) (name string, data []byte, err error)
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
