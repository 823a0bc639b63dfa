package model

import "fmt"

// Param names one of the tunable device parameters. The string values are the
// names used on the wire by set/get commands.
type Param string

const (
	ParamMinAngle   Param = "minAngle"
	ParamMaxAngle   Param = "maxAngle"
	ParamMinRange   Param = "minRange"
	ParamMaxRange   Param = "maxRange"
	ParamScanFreq   Param = "scanFreq"
	ParamSampleRate Param = "sampleRate"
)

// Params lists every tunable parameter in a stable order.
var Params = []Param{
	ParamMinAngle, ParamMaxAngle,
	ParamMinRange, ParamMaxRange,
	ParamScanFreq, ParamSampleRate,
}

// ParseParam returns the Param with the given wire name.
func ParseParam(name string) (Param, error) {
	for _, p := range Params {
		if string(p) == name {
			return p, nil
		}
	}
	return "", Errorf(KindUnknownField, "unknown field: %q", name)
}

// Limits is a hard bound on a parameter value.
type Limits struct {
	Min float64
	Max float64
	// MinExclusive makes Min itself invalid.
	MinExclusive bool
}

// Contains reports whether v lies within the limits.
func (l Limits) Contains(v float64) bool {
	if l.MinExclusive {
		if v <= l.Min {
			return false
		}
	} else if v < l.Min {
		return false
	}
	return v <= l.Max
}

func (l Limits) String() string {
	lo := "["
	if l.MinExclusive {
		lo = "("
	}
	return fmt.Sprintf("%s%g, %g]", lo, l.Min, l.Max)
}

// Sensor hard limits.
var (
	AngleLimits      = Limits{Min: -180, Max: 180}
	RangeLimits      = Limits{Min: 0, Max: 1000, MinExclusive: true}
	ScanFreqLimits   = Limits{Min: 5, Max: 12}
	SampleRateLimits = Limits{Min: 2, Max: 9}
)

// Default device settings.
const (
	DefaultPortPath   = "/dev/ydlidar"
	DefaultBaudRate   = 230400
	DefaultScanFreq   = 10.0
	DefaultSampleRate = 4.0
	DefaultMinAngle   = -180.0
	DefaultMaxAngle   = 180.0
	DefaultMinRange   = 0.02
	DefaultMaxRange   = 8.0
)

// DeviceConfig is the full configuration of the attached sensor.
type DeviceConfig struct {
	Port       string  `json:"port" yaml:"port"`
	Baud       int     `json:"baud" yaml:"baud"`
	ScanFreq   float64 `json:"scanFreq" yaml:"scanFreq"`
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate"`
	MinAngle   float64 `json:"minAngle" yaml:"minAngle"`
	MaxAngle   float64 `json:"maxAngle" yaml:"maxAngle"`
	MinRange   float64 `json:"minRange" yaml:"minRange"`
	MaxRange   float64 `json:"maxRange" yaml:"maxRange"`
	ZeroFilter bool    `json:"zeroFilter" yaml:"zeroFilter"`
}

// DefaultDeviceConfig returns the configuration used when no options are given.
// Port is left empty so drivers can auto-detect it.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Baud:       DefaultBaudRate,
		ScanFreq:   DefaultScanFreq,
		SampleRate: DefaultSampleRate,
		MinAngle:   DefaultMinAngle,
		MaxAngle:   DefaultMaxAngle,
		MinRange:   DefaultMinRange,
		MaxRange:   DefaultMaxRange,
		ZeroFilter: true,
	}
}

// Value returns the current value of a tunable parameter.
func (c DeviceConfig) Value(p Param) (float64, error) {
	switch p {
	case ParamMinAngle:
		return c.MinAngle, nil
	case ParamMaxAngle:
		return c.MaxAngle, nil
	case ParamMinRange:
		return c.MinRange, nil
	case ParamMaxRange:
		return c.MaxRange, nil
	case ParamScanFreq:
		return c.ScanFreq, nil
	case ParamSampleRate:
		return c.SampleRate, nil
	}
	return 0, Errorf(KindUnknownField, "unknown field: %q", p)
}

// SetValue assigns a tunable parameter without validation.
func (c *DeviceConfig) SetValue(p Param, v float64) error {
	switch p {
	case ParamMinAngle:
		c.MinAngle = v
	case ParamMaxAngle:
		c.MaxAngle = v
	case ParamMinRange:
		c.MinRange = v
	case ParamMaxRange:
		c.MaxRange = v
	case ParamScanFreq:
		c.ScanFreq = v
	case ParamSampleRate:
		c.SampleRate = v
	default:
		return Errorf(KindUnknownField, "unknown field: %q", p)
	}
	return nil
}

// Validate checks every pair ordering and hard limit.
func (c DeviceConfig) Validate() error {
	if c.Baud <= 0 {
		return Errorf(KindInvalidConfig, "invalid baud rate %d", c.Baud)
	}
	if err := checkPair(ParamMinAngle, ParamMaxAngle, c.MinAngle, c.MaxAngle, AngleLimits); err != nil {
		return &Error{Kind: KindInvalidConfig, Err: err}
	}
	if err := checkPair(ParamMinRange, ParamMaxRange, c.MinRange, c.MaxRange, RangeLimits); err != nil {
		return &Error{Kind: KindInvalidConfig, Err: err}
	}
	if !ScanFreqLimits.Contains(c.ScanFreq) {
		return Errorf(KindInvalidConfig, "invalid scanFreq %g: outside %s", c.ScanFreq, ScanFreqLimits)
	}
	if !SampleRateLimits.Contains(c.SampleRate) {
		return Errorf(KindInvalidConfig, "invalid sampleRate %g: outside %s", c.SampleRate, SampleRateLimits)
	}
	return nil
}

// CheckPair validates a (low, high) pair against its limits.
func CheckPair(lowName, highName Param, low, high float64, limits Limits) error {
	return checkPair(lowName, highName, low, high, limits)
}

func checkPair(lowName, highName Param, low, high float64, limits Limits) error {
	if low >= high {
		return Errorf(KindInvalidRange, "invalid %s and %s pair (%g >= %g)", lowName, highName, low, high)
	}
	if !limits.Contains(low) {
		return Errorf(KindInvalidRange, "invalid %s %g: outside %s", lowName, low, limits)
	}
	if !limits.Contains(high) {
		return Errorf(KindInvalidRange, "invalid %s %g: outside %s", highName, high, limits)
	}
	return nil
}

// Options is a partial DeviceConfig supplied by a client at init time. Nil
// fields keep the base value.
type Options struct {
	Port       *string  `json:"port,omitempty" yaml:"port,omitempty"`
	Baud       *int     `json:"baud,omitempty" yaml:"baud,omitempty"`
	ScanFreq   *float64 `json:"scanFreq,omitempty" yaml:"scanFreq,omitempty"`
	SampleRate *float64 `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	MinAngle   *float64 `json:"minAngle,omitempty" yaml:"minAngle,omitempty"`
	MaxAngle   *float64 `json:"maxAngle,omitempty" yaml:"maxAngle,omitempty"`
	MinRange   *float64 `json:"minRange,omitempty" yaml:"minRange,omitempty"`
	MaxRange   *float64 `json:"maxRange,omitempty" yaml:"maxRange,omitempty"`
	ZeroFilter *bool    `json:"zeroFilter,omitempty" yaml:"zeroFilter,omitempty"`
}

// Apply returns base with every non-nil option applied.
func (o Options) Apply(base DeviceConfig) DeviceConfig {
	c := base
	if o.Port != nil {
		c.Port = *o.Port
	}
	if o.Baud != nil {
		c.Baud = *o.Baud
	}
	if o.ScanFreq != nil {
		c.ScanFreq = *o.ScanFreq
	}
	if o.SampleRate != nil {
		c.SampleRate = *o.SampleRate
	}
	if o.MinAngle != nil {
		c.MinAngle = *o.MinAngle
	}
	if o.MaxAngle != nil {
		c.MaxAngle = *o.MaxAngle
	}
	if o.MinRange != nil {
		c.MinRange = *o.MinRange
	}
	if o.MaxRange != nil {
		c.MaxRange = *o.MaxRange
	}
	if o.ZeroFilter != nil {
		c.ZeroFilter = *o.ZeroFilter
	}
	return c
}

// Merge returns o with every non-nil field of over applied on top.
func (o Options) Merge(over Options) Options {
	m := o
	if over.Port != nil {
		m.Port = over.Port
	}
	if over.Baud != nil {
		m.Baud = over.Baud
	}
	if over.ScanFreq != nil {
		m.ScanFreq = over.ScanFreq
	}
	if over.SampleRate != nil {
		m.SampleRate = over.SampleRate
	}
	if over.MinAngle != nil {
		m.MinAngle = over.MinAngle
	}
	if over.MaxAngle != nil {
		m.MaxAngle = over.MaxAngle
	}
	if over.MinRange != nil {
		m.MinRange = over.MinRange
	}
	if over.MaxRange != nil {
		m.MaxRange = over.MaxRange
	}
	if over.ZeroFilter != nil {
		m.ZeroFilter = over.ZeroFilter
	}
	return m
}
