package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jduanen/CritterDetector/internal/model"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
)

// HistorySource returns the most recent frames held in memory.
type HistorySource interface {
	RecentFrames(n int) []model.ScanFrame
}

// FrameStore lists logged frame summaries.
type FrameStore interface {
	Recent(ctx context.Context, streamID string, limit int) ([]*model.FrameSummary, error)
}

// EventStore lists logged state events.
type EventStore interface {
	Recent(ctx context.Context, limit int) ([]*model.StateEvent, error)
}

// FrameHandler serves recent frames and the frame/event log.
type FrameHandler struct {
	history HistorySource
	frames  FrameStore
	events  EventStore
}

// NewFrameHandler creates a new FrameHandler. frames and events may be nil
// when the log is disabled.
func NewFrameHandler(history HistorySource, frames FrameStore, events EventStore) *FrameHandler {
	return &FrameHandler{
		history: history,
		frames:  frames,
		events:  events,
	}
}

// FrameResponse is a recent frame with its values.
type FrameResponse struct {
	Seq       int64                  `json:"seq"`
	Timestamp string                 `json:"timestamp"`
	StreamID  string                 `json:"streamId,omitempty"`
	Values    map[string]interface{} `json:"values"`
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and "+strconv.Itoa(maxLimit))
		return 0, false
	}
	return n, true
}

// Recent handles GET /api/frames/recent - frames held in memory, oldest first.
func (h *FrameHandler) Recent(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	fields, err := model.ParseFields(c.QueryArray("field"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	frames := h.history.RecentFrames(limit)
	response := make([]*FrameResponse, len(frames))
	for i, f := range frames {
		f.Fields = fields
		response[i] = &FrameResponse{
			Seq:       f.Seq,
			Timestamp: f.Timestamp.Format(time.RFC3339Nano),
			StreamID:  f.StreamID,
			Values:    f.Values(),
		}
	}
	c.JSON(http.StatusOK, response)
}

// List handles GET /api/frames - logged frame summaries, newest first.
func (h *FrameHandler) List(c *gin.Context) {
	if h.frames == nil {
		sendError(c, http.StatusServiceUnavailable, "LOG_DISABLED", "Frame log is not enabled")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	frames, err := h.frames.Recent(c.Request.Context(), c.Query("stream"), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list frames: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, frames)
}

// Events handles GET /api/events - logged state events, newest first.
func (h *FrameHandler) Events(c *gin.Context) {
	if h.events == nil {
		sendError(c, http.StatusServiceUnavailable, "LOG_DISABLED", "Event log is not enabled")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	events, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, events)
}

// RegisterRoutes registers the frame handler routes on a Gin router group.
func (h *FrameHandler) RegisterRoutes(rg *gin.RouterGroup) {
	frames := rg.Group("/frames")
	{
		frames.GET("", h.List)
		frames.GET("/recent", h.Recent)
	}
	rg.GET("/events", h.Events)
}
