package model

import (
	"errors"
	"time"
)

// ErrRecordNotFound is returned when a logged record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// FrameSummary is the logged digest of one captured frame.
type FrameSummary struct {
	ID           int64     `json:"id"`
	Seq          int64     `json:"seq"`
	StreamID     string    `json:"streamId,omitempty"`
	Points       int       `json:"points"`
	Returns      int       `json:"returns"`
	MinDistance  float64   `json:"minDistance"`
	MaxDistance  float64   `json:"maxDistance"`
	MeanDistance float64   `json:"meanDistance"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Summarize digests frame. Distance statistics cover points with a return.
func Summarize(frame ScanFrame) *FrameSummary {
	s := &FrameSummary{
		Seq:        frame.Seq,
		StreamID:   frame.StreamID,
		Points:     len(frame.Points),
		CapturedAt: frame.Timestamp,
	}

	var sum float64
	for _, p := range frame.Points {
		if p.Distance <= 0 {
			continue
		}
		if s.Returns == 0 || p.Distance < s.MinDistance {
			s.MinDistance = p.Distance
		}
		if p.Distance > s.MaxDistance {
			s.MaxDistance = p.Distance
		}
		sum += p.Distance
		s.Returns++
	}
	if s.Returns > 0 {
		s.MeanDistance = sum / float64(s.Returns)
	}
	return s
}

// StateEvent is a logged session state transition.
type StateEvent struct {
	ID         int64        `json:"id"`
	From       SessionState `json:"from"`
	To         SessionState `json:"to"`
	OccurredAt time.Time    `json:"occurredAt"`
}
