// Package recorder captures scan frames and session state changes to a
// JSON-lines file.
//
// The first line is a Header. Every following line is an Event encoded as a
// compact array:
//
//	[offset, "f", seq, [[angle, distance, intensity], ...]]
//	[offset, "s", "ready"]
//
// where offset is seconds since the header timestamp.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/model"
)

// FormatVersion is written to every header.
const FormatVersion = 1

const (
	EventFrame = "f"
	EventState = "s"
)

// Header is the first line of a recording.
type Header struct {
	Version   int    `json:"version"`
	Driver    string `json:"driver,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Event is one recorded frame or state change.
type Event struct {
	TimeOffset float64
	Type       string

	// Frame events
	Seq    int64
	Points []model.ScanPoint

	// State events
	State model.SessionState
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventFrame:
		points := make([][3]interface{}, len(e.Points))
		for i, p := range e.Points {
			points[i] = [3]interface{}{p.Angle, p.Distance, p.Intensity}
		}
		return json.Marshal([]interface{}{e.TimeOffset, e.Type, e.Seq, points})
	case EventState:
		return json.Marshal([]interface{}{e.TimeOffset, e.Type, e.State})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 3 {
		return fmt.Errorf("invalid event format: expected at least 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}

	switch e.Type {
	case EventFrame:
		if len(arr) != 4 {
			return fmt.Errorf("invalid frame event: expected 4 elements, got %d", len(arr))
		}
		if err := json.Unmarshal(arr[2], &e.Seq); err != nil {
			return fmt.Errorf("invalid frame sequence: %w", err)
		}
		var points [][3]float64
		if err := json.Unmarshal(arr[3], &points); err != nil {
			return fmt.Errorf("invalid frame points: %w", err)
		}
		e.Points = make([]model.ScanPoint, len(points))
		for i, p := range points {
			e.Points[i] = model.ScanPoint{Angle: p[0], Distance: p[1], Intensity: int(p[2])}
		}
	case EventState:
		if err := json.Unmarshal(arr[2], &e.State); err != nil {
			return fmt.Errorf("invalid state: %w", err)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Recorder writes a recording. It implements session.Observer; write errors
// are logged and do not reach the session.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
	logger    zerolog.Logger
}

// New creates a Recorder that writes to the given file path.
func New(filePath string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	r := NewWithWriter(file)
	r.file = file
	return r, nil
}

// NewWithWriter creates a Recorder that writes to w.
func NewWithWriter(w io.Writer) *Recorder {
	return &Recorder{
		writer:    w,
		startTime: time.Now(),
		logger:    log.With().Str("component", "recorder").Logger(),
	}
}

// WriteHeader writes the header line. It should be called once, first.
func (r *Recorder) WriteHeader(driver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writeLine(Header{
		Version:   FormatVersion,
		Driver:    driver,
		Timestamp: r.startTime.Unix(),
	})
}

// WriteFrame appends a frame event.
func (r *Recorder) WriteFrame(frame model.ScanFrame) error {
	return r.writeEvent(Event{Type: EventFrame, Seq: frame.Seq, Points: frame.Points})
}

// WriteState appends a state event.
func (r *Recorder) WriteState(state model.SessionState) error {
	return r.writeEvent(Event{Type: EventState, State: state})
}

func (r *Recorder) writeEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.TimeOffset = time.Since(r.startTime).Seconds()
	return r.writeLine(e)
}

func (r *Recorder) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal recording line: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write recording line: %w", err)
	}
	return nil
}

// FrameCaptured records frame.
func (r *Recorder) FrameCaptured(frame model.ScanFrame) {
	if err := r.WriteFrame(frame); err != nil {
		r.logger.Warn().Err(err).Int64("seq", frame.Seq).Msg("Frame not recorded")
	}
}

// StateChanged records the new state.
func (r *Recorder) StateChanged(from, to model.SessionState) {
	if err := r.WriteState(to); err != nil {
		r.logger.Warn().Err(err).Str("state", string(to)).Msg("State change not recorded")
	}
}

// Close closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns the start time of the recording.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}

// Read parses a recording.
func Read(rd io.Reader) (Header, []Event, error) {
	var header Header
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, err
		}
		return header, nil, fmt.Errorf("empty recording")
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("invalid header: %w", err)
	}
	if header.Version != FormatVersion {
		return header, nil, fmt.Errorf("unsupported recording version %d", header.Version)
	}

	var events []Event
	for line := 2; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return header, events, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	return header, events, scanner.Err()
}

// ReadFile parses the recording at path.
func ReadFile(path string) (Header, []Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Read(f)
}
