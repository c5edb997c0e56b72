package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"camsync/models"
	"camsync/services"

	"github.com/gin-gonic/gin"
)

// StatusReader is the tab's view of the shared device status.
type StatusReader interface {
	Latest() *models.StatusSnapshot
	IsLeader() bool
	TabID() string
}

type CommandSender interface {
	Dispatch(ctx context.Context, action string, params map[string]any) (*models.CommandResult, error)
}

type StreamInfo interface {
	LatencyInfo() (services.LatencyInfo, bool)
	Ready() bool
}

// Handlers holds what the dashboard endpoints read from. Stream may be nil
// while the session is pending.
type Handlers struct {
	Mode      models.Mode
	Status    StatusReader
	Commands  CommandSender
	Stream    StreamInfo
	StreamURL string
	Hub       *WebSocketHub
	Now       func() time.Time
}

type statusView struct {
	Snapshot  *models.StatusSnapshot `json:"snapshot"`
	Staleness models.Staleness       `json:"staleness"`
	Age       string                 `json:"age,omitempty"`
	Online    bool                   `json:"online"`
	Leader    bool                   `json:"leader"`
	TabID     string                 `json:"tabId"`
}

type commandRequest struct {
	Action string         `json:"action" binding:"required"`
	Params map[string]any `json:"params"`
}

type streamView struct {
	Mode    models.Mode           `json:"mode"`
	URL     string                `json:"url"`
	Ready   bool                  `json:"ready"`
	Latency *services.LatencyInfo `json:"latency,omitempty"`
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) Health(c *gin.Context) {
	data := gin.H{
		"status": "ok",
		"mode":   h.Mode,
	}
	if h.Hub != nil {
		data["clients"] = h.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, models.SuccessResponse(data))
}

// GetStatus returns the latest snapshot with its staleness at request time.
func (h *Handlers) GetStatus(c *gin.Context) {
	now := h.now()
	snap := h.Status.Latest()

	view := statusView{
		Snapshot:  snap,
		Staleness: snap.Staleness(now),
		Online:    snap.Online(now),
		Leader:    h.Status.IsLeader(),
		TabID:     h.Status.TabID(),
	}
	if age, ok := snap.Age(now); ok {
		view.Age = models.FormatAge(age)
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view))
}

func (h *Handlers) SendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("action is required"))
		return
	}

	result, err := h.Commands.Dispatch(c.Request.Context(), req.Action, req.Params)
	if err != nil {
		c.JSON(commandErrorStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(result))
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrRelayRejected), errors.Is(err, services.ErrDeviceRejected):
		return http.StatusBadGateway
	case errors.Is(err, services.ErrNoNetwork):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) GetStream(c *gin.Context) {
	view := streamView{
		Mode: h.Mode,
		URL:  services.RedactToken(h.StreamURL),
	}
	if h.Stream != nil {
		view.Ready = h.Stream.Ready()
		if info, ok := h.Stream.LatencyInfo(); ok {
			view.Latency = &info
		}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view))
}
