// Package params validates and applies the tunable device parameters.
package params

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
)

// Pair is a bounded (low, high) parameter pair.
type Pair struct {
	Low    model.Param
	High   model.Param
	Limits model.Limits
}

// Scalar is a single bounded parameter.
type Scalar struct {
	Param  model.Param
	Limits model.Limits
}

var (
	AnglePair = Pair{Low: model.ParamMinAngle, High: model.ParamMaxAngle, Limits: model.AngleLimits}
	RangePair = Pair{Low: model.ParamMinRange, High: model.ParamMaxRange, Limits: model.RangeLimits}

	Pairs   = []Pair{AnglePair, RangePair}
	Scalars = []Scalar{
		{Param: model.ParamScanFreq, Limits: model.ScanFreqLimits},
		{Param: model.ParamSampleRate, Limits: model.SampleRateLimits},
	}
)

// Registry applies parameter changes to a DeviceConfig and its driver as one
// unit. It is not safe for concurrent use; the device session owns it.
type Registry struct {
	cfg *model.DeviceConfig
	drv driver.Driver
}

// New creates a Registry over cfg and drv. cfg is mutated in place.
func New(cfg *model.DeviceConfig, drv driver.Driver) *Registry {
	return &Registry{cfg: cfg, drv: drv}
}

// Get returns the current value of the named parameter.
func (r *Registry) Get(name string) (float64, error) {
	p, err := model.ParseParam(name)
	if err != nil {
		return 0, err
	}
	return r.cfg.Value(p)
}

// GetMany returns the values of every named parameter. It fails on the first
// unknown name.
func (r *Registry) GetMany(names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	for _, name := range names {
		v, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return values, nil
}

// SetPair validates low < high within limits, pushes both values to the
// driver and commits them. On driver rejection both the driver and the
// configuration keep their prior values.
func (r *Registry) SetPair(pair Pair, low, high float64) error {
	if err := model.CheckPair(pair.Low, pair.High, low, high, pair.Limits); err != nil {
		return err
	}

	oldLow, _ := r.cfg.Value(pair.Low)
	oldHigh, _ := r.cfg.Value(pair.High)

	if err := r.drv.SetOption(pair.Low, low); err != nil {
		r.restore(pair.Low, oldLow)
		return model.Wrap(model.KindDriverRejected, err, fmt.Sprintf("driver rejected %s=%g", pair.Low, low))
	}
	if err := r.drv.SetOption(pair.High, high); err != nil {
		r.restore(pair.Low, oldLow)
		r.restore(pair.High, oldHigh)
		return model.Wrap(model.KindDriverRejected, err, fmt.Sprintf("driver rejected %s=%g", pair.High, high))
	}

	r.cfg.SetValue(pair.Low, low)
	r.cfg.SetValue(pair.High, high)
	return nil
}

// SetScalar validates value within limits, pushes it to the driver and
// commits it.
func (r *Registry) SetScalar(s Scalar, value float64) error {
	if !s.Limits.Contains(value) {
		return model.Errorf(model.KindInvalidRange, "invalid %s %g: outside %s", s.Param, value, s.Limits)
	}

	old, _ := r.cfg.Value(s.Param)
	if err := r.drv.SetOption(s.Param, value); err != nil {
		r.restore(s.Param, old)
		return model.Wrap(model.KindDriverRejected, err, fmt.Sprintf("driver rejected %s=%g", s.Param, value))
	}

	r.cfg.SetValue(s.Param, value)
	return nil
}

func (r *Registry) restore(p model.Param, v float64) {
	if err := r.drv.SetOption(p, v); err != nil {
		log.Warn().Err(err).Str("param", string(p)).Float64("value", v).Msg("Failed to restore driver option")
	}
}

// SetMany applies a set request and reports success per field. Both members
// of a pair given together are applied as one SetPair; a lone member is
// paired with the current value of its partner. Unknown fields and
// non-numeric values report false.
func (r *Registry) SetMany(values map[string]interface{}) map[string]bool {
	results := make(map[string]bool, len(values))
	handled := make(map[string]bool, len(values))

	for _, pair := range Pairs {
		lowRaw, hasLow := values[string(pair.Low)]
		highRaw, hasHigh := values[string(pair.High)]
		if !hasLow && !hasHigh {
			continue
		}
		handled[string(pair.Low)] = hasLow
		handled[string(pair.High)] = hasHigh

		low, _ := r.cfg.Value(pair.Low)
		high, _ := r.cfg.Value(pair.High)
		ok := true
		if hasLow {
			v, isNum := toFloat(lowRaw)
			low, ok = v, ok && isNum
		}
		if hasHigh {
			v, isNum := toFloat(highRaw)
			high, ok = v, ok && isNum
		}

		if ok {
			if err := r.SetPair(pair, low, high); err != nil {
				log.Debug().Err(err).Str("pair", string(pair.Low)+"/"+string(pair.High)).Msg("Set rejected")
				ok = false
			}
		}
		if hasLow {
			results[string(pair.Low)] = ok
		}
		if hasHigh {
			results[string(pair.High)] = ok
		}
	}

	for _, s := range Scalars {
		raw, ok := values[string(s.Param)]
		if !ok {
			continue
		}
		handled[string(s.Param)] = true

		v, isNum := toFloat(raw)
		if !isNum {
			results[string(s.Param)] = false
			continue
		}
		if err := r.SetScalar(s, v); err != nil {
			log.Debug().Err(err).Str("param", string(s.Param)).Msg("Set rejected")
			results[string(s.Param)] = false
			continue
		}
		results[string(s.Param)] = true
	}

	for name := range values {
		if !handled[name] {
			results[name] = false
		}
	}
	return results
}

// ApplyAll pushes every tunable parameter in the configuration to the driver.
func (r *Registry) ApplyAll() error {
	for _, p := range model.Params {
		v, _ := r.cfg.Value(p)
		if err := r.drv.SetOption(p, v); err != nil {
			return model.Wrap(model.KindDriverRejected, err, fmt.Sprintf("driver rejected %s=%g", p, v))
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
