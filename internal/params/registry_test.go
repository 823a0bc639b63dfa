package params

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
)

func newTestRegistry() (*Registry, *model.DeviceConfig, *driver.SimDriver) {
	cfg := model.DefaultDeviceConfig()
	drv := driver.NewSimDriver(driver.SimOptions{Seed: 1})
	return New(&cfg, drv), &cfg, drv
}

// Property: valid pairs are committed and read back exactly.
func TestProperty_SetPairValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("valid angle pairs round trip", prop.ForAll(
		func(low, high float64) bool {
			r, _, drv := newTestRegistry()
			if err := r.SetPair(AnglePair, low, high); err != nil {
				return false
			}
			gotLow, _ := r.Get("minAngle")
			gotHigh, _ := r.Get("maxAngle")
			drvLow, _ := drv.GetOption(model.ParamMinAngle)
			drvHigh, _ := drv.GetOption(model.ParamMaxAngle)
			return gotLow == low && gotHigh == high && drvLow == low && drvHigh == high
		},
		gen.Float64Range(-180, -0.001),
		gen.Float64Range(0, 180),
	))

	properties.Property("valid range pairs round trip", prop.ForAll(
		func(low, high float64) bool {
			r, _, _ := newTestRegistry()
			if err := r.SetPair(RangePair, low, high); err != nil {
				return false
			}
			gotLow, _ := r.Get("minRange")
			gotHigh, _ := r.Get("maxRange")
			return gotLow == low && gotHigh == high
		},
		gen.Float64Range(0.001, 499),
		gen.Float64Range(500, 1000),
	))

	properties.TestingRun(t)
}

// Property: pairs with low >= high are rejected and leave the configuration unchanged.
func TestProperty_SetPairInverted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("inverted pairs are rejected", prop.ForAll(
		func(high, delta float64) bool {
			r, cfg, drv := newTestRegistry()
			before := *cfg
			err := r.SetPair(AnglePair, high+delta, high)
			if !errors.Is(err, model.ErrInvalidRange) {
				return false
			}
			return *cfg == before && drv.CallCount("setOption") == 0
		},
		gen.Float64Range(-180, 180),
		gen.Float64Range(0, 100),
	))

	properties.Property("out of limit values are rejected", prop.ForAll(
		func(excess float64) bool {
			r, cfg, _ := newTestRegistry()
			before := *cfg
			err := r.SetPair(AnglePair, -180-excess, 0)
			return errors.Is(err, model.ErrInvalidRange) && *cfg == before
		},
		gen.Float64Range(0.001, 1000),
	))

	properties.TestingRun(t)
}

func TestRegistry_SetPairRollback(t *testing.T) {
	r, cfg, drv := newTestRegistry()
	drv.Configure(func(o *driver.SimOptions) {
		o.RejectOptions = map[model.Param]bool{model.ParamMaxRange: true}
	})

	err := r.SetPair(RangePair, 1, 4)
	assert.ErrorIs(t, err, model.ErrDriverRejected)
	assert.Equal(t, model.DefaultMinRange, cfg.MinRange)
	assert.Equal(t, model.DefaultMaxRange, cfg.MaxRange)

	v, err := drv.GetOption(model.ParamMinRange)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMinRange, v, "driver should be restored")
}

func TestRegistry_SetScalar(t *testing.T) {
	r, cfg, drv := newTestRegistry()

	scanFreq := Scalars[0]
	require.NoError(t, r.SetScalar(scanFreq, 6))
	assert.Equal(t, 6.0, cfg.ScanFreq)

	assert.ErrorIs(t, r.SetScalar(scanFreq, 4), model.ErrInvalidRange)
	assert.ErrorIs(t, r.SetScalar(scanFreq, 13), model.ErrInvalidRange)
	assert.Equal(t, 6.0, cfg.ScanFreq)

	drv.Configure(func(o *driver.SimOptions) {
		o.RejectOptions = map[model.Param]bool{model.ParamScanFreq: true}
	})
	assert.ErrorIs(t, r.SetScalar(scanFreq, 8), model.ErrDriverRejected)
	assert.Equal(t, 6.0, cfg.ScanFreq)
}

func TestRegistry_SetMany(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]interface{}
		want    map[string]bool
		wantCfg func(t *testing.T, cfg *model.DeviceConfig)
	}{
		{
			name:   "inverted range pair keeps prior values",
			values: map[string]interface{}{"minRange": 5.0, "maxRange": 3.0},
			want:   map[string]bool{"minRange": false, "maxRange": false},
			wantCfg: func(t *testing.T, cfg *model.DeviceConfig) {
				assert.Equal(t, model.DefaultMinRange, cfg.MinRange)
				assert.Equal(t, model.DefaultMaxRange, cfg.MaxRange)
			},
		},
		{
			name:   "both members applied together",
			values: map[string]interface{}{"minAngle": -90.0, "maxAngle": 90.0},
			want:   map[string]bool{"minAngle": true, "maxAngle": true},
			wantCfg: func(t *testing.T, cfg *model.DeviceConfig) {
				assert.Equal(t, -90.0, cfg.MinAngle)
				assert.Equal(t, 90.0, cfg.MaxAngle)
			},
		},
		{
			name:   "lone member paired with current partner",
			values: map[string]interface{}{"maxRange": 4},
			want:   map[string]bool{"maxRange": true},
			wantCfg: func(t *testing.T, cfg *model.DeviceConfig) {
				assert.Equal(t, 4.0, cfg.MaxRange)
			},
		},
		{
			name:   "lone member below partner fails",
			values: map[string]interface{}{"minRange": 9.0},
			want:   map[string]bool{"minRange": false},
			wantCfg: func(t *testing.T, cfg *model.DeviceConfig) {
				assert.Equal(t, model.DefaultMinRange, cfg.MinRange)
			},
		},
		{
			name:   "unknown and non numeric fields fail in isolation",
			values: map[string]interface{}{"bogus": 1.0, "sampleRate": "fast", "scanFreq": 12.0},
			want:   map[string]bool{"bogus": false, "sampleRate": false, "scanFreq": true},
			wantCfg: func(t *testing.T, cfg *model.DeviceConfig) {
				assert.Equal(t, 12.0, cfg.ScanFreq)
				assert.Equal(t, model.DefaultSampleRate, cfg.SampleRate)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, cfg, _ := newTestRegistry()
			got := r.SetMany(tc.values)
			assert.Equal(t, tc.want, got)
			tc.wantCfg(t, cfg)
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	r, _, _ := newTestRegistry()

	values, err := r.GetMany([]string{"minAngle", "scanFreq"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"minAngle": -180, "scanFreq": 10}, values)

	_, err = r.GetMany([]string{"minAngle", "colour"})
	assert.ErrorIs(t, err, model.ErrUnknownField)
}

func TestRegistry_ApplyAll(t *testing.T) {
	r, cfg, drv := newTestRegistry()
	cfg.MinAngle = -45

	require.NoError(t, r.ApplyAll())
	assert.Equal(t, len(model.Params), drv.CallCount("setOption"))
	v, _ := drv.GetOption(model.ParamMinAngle)
	assert.Equal(t, -45.0, v)
}
