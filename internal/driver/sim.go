package driver

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jduanen/CritterDetector/internal/model"
)

// SimOptions configures a SimDriver. The Fail* and Reject* knobs inject
// faults and may be changed at runtime with Configure.
type SimOptions struct {
	// Realtime makes PollFrame sleep for one revolution (1/scanFreq).
	Realtime bool

	// PollDelay overrides the Realtime delay when non-zero.
	PollDelay time.Duration

	// RoomSize is the half-width in meters of the simulated square room.
	RoomSize float64

	// DropoutRate is the fraction of points reported with zero distance.
	DropoutRate float64

	Seed int64

	FailInitialize bool
	FailTurnOn     bool
	FailTurnOff    bool
	FailDisconnect bool
	DeviceFault    bool

	// RejectOptions lists parameters whose SetOption calls fail.
	RejectOptions map[model.Param]bool

	// EmptyPolls makes the next N polls return ErrEmptyFrame.
	EmptyPolls int

	// FailPolls makes every poll fail until cleared.
	FailPolls bool
}

// simFalloff is the distance in meters at which simulated intensity reaches zero.
const simFalloff = 20.0

// SimDriver is an in-process sensor producing a synthetic room scan.
type SimDriver struct {
	mu        sync.Mutex
	opts      SimOptions
	rng       *rand.Rand
	values    map[model.Param]float64
	connected bool
	laserOn   bool
	calls     []string
}

// NewSimDriver creates a SimDriver with default tunables.
func NewSimDriver(opts SimOptions) *SimDriver {
	if opts.RoomSize <= 0 {
		opts.RoomSize = 4.0
	}
	if opts.DropoutRate < 0 || opts.DropoutRate >= 1 {
		opts.DropoutRate = 0
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	cfg := model.DefaultDeviceConfig()
	values := make(map[model.Param]float64, len(model.Params))
	for _, p := range model.Params {
		v, _ := cfg.Value(p)
		values[p] = v
	}

	return &SimDriver{
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		values: values,
	}
}

// Configure mutates the fault-injection options.
func (d *SimDriver) Configure(fn func(*SimOptions)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.opts)
}

// Calls returns the names of every driver call made so far.
func (d *SimDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// CallCount returns how many times the named call was made.
func (d *SimDriver) CallCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == name {
			n++
		}
	}
	return n
}

// LaserOn reports whether the simulated laser is powered.
func (d *SimDriver) LaserOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.laserOn
}

func (d *SimDriver) record(name string) {
	d.calls = append(d.calls, name)
}

func (d *SimDriver) Name() string {
	return string(KindSim)
}

func (d *SimDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("initialize")
	if d.opts.FailInitialize {
		return errors.New("simulated initialize failure")
	}
	d.connected = true
	return nil
}

func (d *SimDriver) TurnOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("turnOn")
	if !d.connected {
		return ErrNotConnected
	}
	if d.opts.FailTurnOn {
		return errors.New("simulated turn on failure")
	}
	d.laserOn = true
	return nil
}

func (d *SimDriver) TurnOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("turnOff")
	if !d.connected {
		return ErrNotConnected
	}
	if d.opts.FailTurnOff {
		return errors.New("simulated turn off failure")
	}
	d.laserOn = false
	return nil
}

func (d *SimDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("disconnect")
	if d.opts.FailDisconnect {
		return errors.New("simulated disconnect failure")
	}
	d.connected = false
	d.laserOn = false
	return nil
}

func (d *SimDriver) SetOption(key model.Param, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("setOption")
	if d.opts.RejectOptions[key] {
		return errors.New("simulated option rejection: " + string(key))
	}
	if _, ok := d.values[key]; !ok {
		return errors.New("unsupported option: " + string(key))
	}
	d.values[key] = value
	return nil
}

func (d *SimDriver) GetOption(key model.Param) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[key]
	if !ok {
		return 0, errors.New("unsupported option: " + string(key))
	}
	return v, nil
}

func (d *SimDriver) IsDeviceOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.opts.DeviceFault
}

// PollFrame returns one synthetic revolution of a square room centered on the
// sensor. Points outside the angle window are dropped and distances outside
// the range window are reported as zero.
func (d *SimDriver) PollFrame() ([]model.ScanPoint, error) {
	d.mu.Lock()
	d.record("pollFrame")
	delay := d.opts.PollDelay
	if delay == 0 && d.opts.Realtime && d.values[model.ParamScanFreq] > 0 {
		delay = time.Duration(float64(time.Second) / d.values[model.ParamScanFreq])
	}
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case !d.connected:
		return nil, ErrNotConnected
	case !d.laserOn:
		return nil, ErrNotScanning
	case d.opts.FailPolls:
		return nil, errors.New("simulated poll failure")
	case d.opts.EmptyPolls > 0:
		d.opts.EmptyPolls--
		return nil, ErrEmptyFrame
	}

	return d.generate(), nil
}

func (d *SimDriver) generate() []model.ScanPoint {
	scanFreq := d.values[model.ParamScanFreq]
	sampleRate := d.values[model.ParamSampleRate]
	n := int(math.Round(sampleRate * 1000 / scanFreq))
	if n < 1 {
		n = 1
	}

	minAngle, maxAngle := d.values[model.ParamMinAngle], d.values[model.ParamMaxAngle]
	minRange, maxRange := d.values[model.ParamMinRange], d.values[model.ParamMaxRange]

	points := make([]model.ScanPoint, 0, n)
	for i := 0; i < n; i++ {
		angle := -180 + 360*float64(i)/float64(n)
		if angle < minAngle || angle > maxAngle {
			continue
		}

		rad := angle * math.Pi / 180
		dist := d.opts.RoomSize / math.Max(math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad)))
		dist *= 1 + (d.rng.Float64()-0.5)*0.02
		if d.rng.Float64() < d.opts.DropoutRate || dist < minRange || dist > maxRange {
			dist = 0
		}

		intensity := 0
		if dist > 0 {
			intensity = int(math.Max(0, 1023*(1-dist/simFalloff)))
		}

		points = append(points, model.ScanPoint{
			Angle:     angle,
			Distance:  dist,
			Intensity: intensity,
		})
	}
	return points
}
