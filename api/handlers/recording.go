package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// RecordingHandler serves the frame capture file.
type RecordingHandler struct {
	path string
}

// NewRecordingHandler creates a new RecordingHandler for the capture at path.
// An empty path means recording is disabled.
func NewRecordingHandler(path string) *RecordingHandler {
	return &RecordingHandler{path: path}
}

// Download handles GET /api/recording - downloads the frame capture.
func (h *RecordingHandler) Download(c *gin.Context) {
	if h.path == "" {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Frame recording is not enabled")
		return
	}
	if _, err := os.Stat(h.path); err != nil {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording file not found")
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename="+filepath.Base(h.path))
	c.File(h.path)
}

// RegisterRoutes registers the recording download route.
func (h *RecordingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/recording", h.Download)
}
