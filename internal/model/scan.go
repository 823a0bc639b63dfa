package model

import "time"

// Field names a per-point value a client can request from a scan.
type Field string

const (
	FieldAngles      Field = "angles"
	FieldDistances   Field = "distances"
	FieldIntensities Field = "intensities"
)

// AllFields is the default field selection.
var AllFields = []Field{FieldAngles, FieldDistances, FieldIntensities}

// ParseFields converts wire names to Fields. An empty list selects all fields.
func ParseFields(names []string) ([]Field, error) {
	if len(names) == 0 {
		return append([]Field(nil), AllFields...), nil
	}

	fields := make([]Field, 0, len(names))
	seen := make(map[Field]bool, len(names))
	for _, name := range names {
		f := Field(name)
		switch f {
		case FieldAngles, FieldDistances, FieldIntensities:
		default:
			return nil, Errorf(KindUnknownField, "unknown scan field: %q", name)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return fields, nil
}

// ScanPoint is a single measurement.
type ScanPoint struct {
	Angle     float64 `json:"angle"`     // degrees, -180..180
	Distance  float64 `json:"distance"`  // meters, 0 means no return
	Intensity int     `json:"intensity"` // device-defined
}

// ScanFrame is one revolution of points returned by a single device poll.
type ScanFrame struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Fields    []Field     `json:"fields"`
	StreamID  string      `json:"streamId,omitempty"`
	Points    []ScanPoint `json:"-"`
}

// FilterZero drops points with a non-positive distance.
func FilterZero(points []ScanPoint) []ScanPoint {
	out := make([]ScanPoint, 0, len(points))
	for _, p := range points {
		if p.Distance <= 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Values projects the frame onto its requested fields. Every requested field
// is present, even when the frame has no points.
func (f ScanFrame) Values() map[string]interface{} {
	fields := f.Fields
	if len(fields) == 0 {
		fields = AllFields
	}

	values := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		switch field {
		case FieldAngles:
			angles := make([]float64, len(f.Points))
			for i, p := range f.Points {
				angles[i] = p.Angle
			}
			values[string(field)] = angles
		case FieldDistances:
			distances := make([]float64, len(f.Points))
			for i, p := range f.Points {
				distances[i] = p.Distance
			}
			values[string(field)] = distances
		case FieldIntensities:
			intensities := make([]int, len(f.Points))
			for i, p := range f.Points {
				intensities[i] = p.Intensity
			}
			values[string(field)] = intensities
		}
	}
	return values
}
