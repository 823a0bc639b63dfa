// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/protocol"
)

// StatusSource reports the device session status.
type StatusSource interface {
	Status() model.Status
}

// StatusHandler serves the device status over HTTP.
type StatusHandler struct {
	device  StatusSource
	started time.Time
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(device StatusSource) *StatusHandler {
	return &StatusHandler{
		device:  device,
		started: time.Now(),
	}
}

// StatusResponse mirrors the status message of the command channel.
type StatusResponse struct {
	Scanner bool         `json:"scanner"`
	Status  model.Status `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Status handles GET /api/status.
func (h *StatusHandler) Status(c *gin.Context) {
	status := h.device.Status()
	c.JSON(http.StatusOK, StatusResponse{
		Scanner: status.State.Initialized(),
		Status:  status,
		Version: protocol.Version,
		Uptime:  formatDuration(time.Since(h.started)),
	})
}

// RegisterRoutes registers the status handler routes on a Gin router group.
func (h *StatusHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
