package recorder

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/model"
)

func TestRecorder_RecordsSessionEvents(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWithWriter(&buf)
	require.NoError(t, rec.WriteHeader("sim"))

	points := []model.ScanPoint{
		{Angle: -12.5, Distance: 1.25, Intensity: 700},
		{Angle: 30, Distance: 0, Intensity: 0},
	}
	rec.StateChanged(model.StateUninitialized, model.StateReady)
	rec.FrameCaptured(model.ScanFrame{Seq: 1, Points: points})
	rec.FrameCaptured(model.ScanFrame{Seq: 2})
	rec.StateChanged(model.StateReady, model.StateUninitialized)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[2], `"f",1,[[-12.5,1.25,700],[30,0,0]]`)

	header, events, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, header.Version)
	assert.Equal(t, "sim", header.Driver)
	require.Len(t, events, 4)

	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, model.StateReady, events[0].State)
	assert.Equal(t, EventFrame, events[1].Type)
	assert.Equal(t, int64(1), events[1].Seq)
	assert.Equal(t, points, events[1].Points)
	assert.Empty(t, events[2].Points)
	assert.Equal(t, model.StateUninitialized, events[3].State)

	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].TimeOffset, events[i-1].TimeOffset)
	}
}

func TestRecorder_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	rec, err := New(path)
	require.NoError(t, err)
	require.NoError(t, rec.WriteHeader("ydlidar"))
	require.NoError(t, rec.WriteFrame(model.ScanFrame{Seq: 7, Points: []model.ScanPoint{{Angle: 1, Distance: 2, Intensity: 3}}}))
	require.NoError(t, rec.Close())

	header, events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ydlidar", header.Driver)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].Seq)
}

func TestRead_Invalid(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "bad header", input: "[1,2]\n"},
		{name: "wrong version", input: `{"version":9,"timestamp":0}` + "\n"},
		{name: "short event", input: `{"version":1,"timestamp":0}` + "\n" + `[0.1,"f"]` + "\n"},
		{name: "unknown event", input: `{"version":1,"timestamp":0}` + "\n" + `[0.1,"x",1]` + "\n"},
		{name: "bad points", input: `{"version":1,"timestamp":0}` + "\n" + `[0.1,"f",1,"none"]` + "\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Read(strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRecorder_WriteErrorsDoNotPanic(t *testing.T) {
	rec := NewWithWriter(failingWriter{})
	assert.Error(t, rec.WriteHeader("sim"))

	// Observer callbacks only log.
	rec.FrameCaptured(model.ScanFrame{Seq: 1})
	rec.StateChanged(model.StateReady, model.StateStreaming)
}
