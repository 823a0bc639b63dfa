package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/protocol"
	"github.com/jduanen/CritterDetector/internal/session"
)

type countingRecorder struct {
	mu    sync.Mutex
	kinds map[string][]model.Kind
}

func (c *countingRecorder) CommandHandled(name string, kind model.Kind, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kinds == nil {
		c.kinds = make(map[string][]model.Kind)
	}
	c.kinds[name] = append(c.kinds[name], kind)
}

type testRouter struct {
	router   *Router
	manager  *session.Manager
	recorder *countingRecorder
	dataUp   bool

	mu      sync.Mutex
	drivers []*driver.SimDriver
}

func (tr *testRouter) driverCalls() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, d := range tr.drivers {
		n += len(d.Calls())
	}
	return n
}

func setupTestRouter(t *testing.T) *testRouter {
	t.Helper()
	tr := &testRouter{recorder: &countingRecorder{}, dataUp: true}
	tr.manager = session.NewManager(session.Config{
		Factory: func(cfg model.DeviceConfig) (driver.Driver, error) {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			d := driver.NewSimDriver(driver.SimOptions{Seed: 9})
			tr.drivers = append(tr.drivers, d)
			return d, nil
		},
		RetryInterval: time.Millisecond,
		HaltGrace:     100 * time.Millisecond,
	})
	t.Cleanup(func() { tr.manager.Close() })

	tr.router = New(tr.manager,
		WithDataReady(func() bool { return tr.dataUp }),
		WithRecorder(tr.recorder),
	)
	return tr
}

// send handles raw and decodes the reply into a generic map.
func (tr *testRouter) send(t *testing.T, raw string) (map[string]interface{}, Result) {
	t.Helper()
	res := tr.router.Handle(context.Background(), []byte(raw))
	require.NotNil(t, res.Reply)

	data, err := json.Marshal(res.Reply)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out, res
}

func TestRouter_MessageValidation(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		kind model.Kind
	}{
		{name: "undecodable", raw: `{"type":`, kind: model.KindMalformedMessage},
		{name: "missing type", raw: `{"command":"init"}`, kind: model.KindMalformedMessage},
		{name: "wrong option type", raw: `{"type":"command","command":"init","options":{"minAngle":"left"}}`, kind: model.KindMalformedMessage},
		{name: "reply is not a command", raw: `{"type":"reply"}`, kind: model.KindNotACommand},
		{name: "missing command", raw: `{"type":"command"}`, kind: model.KindMalformedMessage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := setupTestRouter(t)
			out, _ := tr.send(t, tc.raw)
			assert.Equal(t, "error", out["type"])
			assert.Equal(t, string(tc.kind), out["kind"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestRouter_NotInitialized(t *testing.T) {
	tr := setupTestRouter(t)

	for _, raw := range []string{
		`{"type":"command","command":"stop"}`,
		`{"type":"command","command":"set","set":{"minAngle":0}}`,
		`{"type":"command","command":"get","get":["minAngle"]}`,
		`{"type":"command","command":"scan"}`,
		`{"type":"command","command":"laser","enable":true}`,
		`{"type":"command","command":"stream"}`,
		`{"type":"command","command":"version"}`,
		`{"type":"command","command":"selfdestruct"}`,
	} {
		out, _ := tr.send(t, raw)
		assert.Equal(t, "error", out["type"], raw)
		assert.Equal(t, string(model.KindNotInitialized), out["kind"], raw)
	}

	assert.Equal(t, 0, tr.driverCalls(), "no driver call before init")
}

func TestRouter_InitThenGet(t *testing.T) {
	tr := setupTestRouter(t)

	out, _ := tr.send(t, `{"type":"command","command":"init","options":{"minAngle":-90,"maxAngle":90}}`)
	assert.Equal(t, map[string]interface{}{"type": "reply", "version": protocol.Version}, out)

	out, _ = tr.send(t, `{"type":"command","command":"get","get":["minAngle","maxAngle"]}`)
	assert.Equal(t, "reply", out["type"])
	assert.Equal(t, map[string]interface{}{"minAngle": -90.0, "maxAngle": 90.0}, out["values"])
}

func TestRouter_InitVersionGate(t *testing.T) {
	tr := setupTestRouter(t)

	out, _ := tr.send(t, `{"type":"command","command":"init","version":"1.2.0"}`)
	assert.Equal(t, string(model.KindVersionMismatch), out["kind"])
	assert.Equal(t, model.StateUninitialized, tr.manager.Status().State)
	assert.Equal(t, 0, tr.driverCalls())

	out, _ = tr.send(t, `{"type":"command","command":"init","version":"`+protocol.Version+`"}`)
	assert.Equal(t, "reply", out["type"])
	assert.Equal(t, model.StateReady, tr.manager.Status().State)
}

func TestRouter_SetInvertedRange(t *testing.T) {
	tr := setupTestRouter(t)
	tr.send(t, `{"type":"command","command":"init"}`)

	out, _ := tr.send(t, `{"type":"command","command":"set","set":{"minRange":5,"maxRange":3}}`)
	assert.Equal(t, "reply", out["type"])
	assert.Equal(t, map[string]interface{}{"minRange": false, "maxRange": false}, out["results"])

	out, _ = tr.send(t, `{"type":"command","command":"get","get":["minRange","maxRange"]}`)
	assert.Equal(t, map[string]interface{}{"minRange": model.DefaultMinRange, "maxRange": model.DefaultMaxRange}, out["values"])
}

func TestRouter_EmptySetReportsResults(t *testing.T) {
	tr := setupTestRouter(t)
	tr.send(t, `{"type":"command","command":"init"}`)

	out, _ := tr.send(t, `{"type":"command","command":"set","set":{}}`)
	assert.Equal(t, "reply", out["type"])
	require.Contains(t, out, "results")
	assert.Equal(t, map[string]interface{}{}, out["results"])

	// Other replies carry no results.
	out, _ = tr.send(t, `{"type":"command","command":"version"}`)
	assert.NotContains(t, out, "results")
}

func TestRouter_Commands(t *testing.T) {
	tr := setupTestRouter(t)
	tr.send(t, `{"type":"command","command":"init"}`)

	t.Run("version", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"version"}`)
		assert.Equal(t, protocol.Version, out["version"])
	})

	t.Run("unknown command", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"selfdestruct"}`)
		assert.Equal(t, string(model.KindUnknownCommand), out["kind"])
	})

	t.Run("missing payloads", func(t *testing.T) {
		for _, raw := range []string{
			`{"type":"command","command":"set"}`,
			`{"type":"command","command":"get"}`,
			`{"type":"command","command":"laser"}`,
		} {
			out, _ := tr.send(t, raw)
			assert.Equal(t, string(model.KindMalformedMessage), out["kind"], raw)
		}
	})

	t.Run("unknown get field", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"get","get":["colour"]}`)
		assert.Equal(t, string(model.KindUnknownField), out["kind"])
	})

	t.Run("scan projects fields", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"scan","names":["angles","distances"]}`)
		require.Equal(t, "reply", out["type"])
		values := out["values"].(map[string]interface{})
		assert.Len(t, values, 2)
		angles := values["angles"].([]interface{})
		distances := values["distances"].([]interface{})
		assert.Equal(t, len(angles), len(distances))
		for _, d := range distances {
			assert.Greater(t, d.(float64), 0.0)
		}
	})

	t.Run("scan unknown field", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"scan","names":["colours"]}`)
		assert.Equal(t, string(model.KindUnknownField), out["kind"])
	})

	t.Run("laser", func(t *testing.T) {
		out, _ := tr.send(t, `{"type":"command","command":"laser","enable":true}`)
		assert.Equal(t, map[string]interface{}{"type": "reply"}, out)
		assert.True(t, tr.manager.Status().Laser)
		tr.send(t, `{"type":"command","command":"laser","enable":false}`)
		assert.False(t, tr.manager.Status().Laser)
	})
}

func TestRouter_Stream(t *testing.T) {
	tr := setupTestRouter(t)
	tr.send(t, `{"type":"command","command":"init"}`)

	tr.dataUp = false
	out, res := tr.send(t, `{"type":"command","command":"stream"}`)
	assert.Equal(t, string(model.KindDataChannelUnavailable), out["kind"])
	assert.Nil(t, res.Stream)
	assert.Equal(t, model.StateReady, tr.manager.Status().State)

	tr.dataUp = true
	out, res = tr.send(t, `{"type":"command","command":"stream","names":["angles"]}`)
	require.NotNil(t, res.Stream)
	assert.Equal(t, res.Stream.ID, out["stream"])
	assert.Equal(t, model.StateStreaming, tr.manager.Status().State)

	out, _ = tr.send(t, `{"type":"command","command":"scan"}`)
	assert.Equal(t, string(model.KindInvalidState), out["kind"])

	res.Stream.Close()
	assert.Equal(t, model.StateReady, tr.manager.Status().State)
}

func TestRouter_StatusAndHalt(t *testing.T) {
	tr := setupTestRouter(t)

	out, _ := tr.send(t, `{"type":"status"}`)
	assert.Equal(t, "reply", out["type"])
	assert.Equal(t, false, out["scanner"])
	status := out["status"].(map[string]interface{})
	assert.Equal(t, "uninitialized", status["state"])

	tr.send(t, `{"type":"command","command":"init","options":{"scanFreq":7}}`)
	out, _ = tr.send(t, `{"type":"status"}`)
	assert.Equal(t, true, out["scanner"])
	status = out["status"].(map[string]interface{})
	assert.Equal(t, "ready", status["state"])
	assert.Equal(t, 7.0, status["scanFreq"])

	out, res := tr.send(t, `{"type":"halt"}`)
	assert.Equal(t, "reply", out["type"])
	assert.True(t, res.Halt)
	assert.Equal(t, model.StateUninitialized, tr.manager.Status().State)

	tr.recorder.mu.Lock()
	defer tr.recorder.mu.Unlock()
	assert.Len(t, tr.recorder.kinds["status"], 2)
	assert.Equal(t, []model.Kind{""}, tr.recorder.kinds["halt"])
}
