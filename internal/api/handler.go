package api

import (
	"context"
	"net/http"
	"time"

	"laundrybot/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StatusProvider supplies the machine status snapshot.
type StatusProvider interface {
	StatusSnapshot(ctx context.Context) ([]service.MachineStatus, error)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Handler holds shared dependencies for API handlers.
type Handler struct {
	status StatusProvider
	checks map[string]ReadinessCheck
}

func NewHandler(status StatusProvider, checks map[string]ReadinessCheck) *Handler {
	return &Handler{status: status, checks: checks}
}

type machinesResponse struct {
	Machines    []service.MachineStatus `json:"machines"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Readyz handles GET /readyz.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Str("check", name).Msg("readiness check failed")
			c.String(http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}
	c.String(http.StatusOK, "ready")
}

// GetMachines handles GET /api/v1/machines.
func (h *Handler) GetMachines(c *gin.Context) {
	snapshot, err := h.status.StatusSnapshot(c.Request.Context())
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to build status snapshot")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve machines"})
		return
	}

	kind := c.Query("kind")
	machines := make([]service.MachineStatus, 0, len(snapshot))
	for _, st := range snapshot {
		if kind != "" && string(st.Kind) != kind {
			continue
		}
		machines = append(machines, st)
	}

	c.JSON(http.StatusOK, machinesResponse{Machines: machines, GeneratedAt: time.Now().UTC()})
}

// GetMachine handles GET /api/v1/machines/:id.
func (h *Handler) GetMachine(c *gin.Context) {
	snapshot, err := h.status.StatusSnapshot(c.Request.Context())
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to build status snapshot")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve machines"})
		return
	}

	id := c.Param("id")
	for _, st := range snapshot {
		if st.ID == id {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown machine"})
}
