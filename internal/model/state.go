package model

// SessionState represents the lifecycle stage of the device session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateReady         SessionState = "ready"
	StateStreaming     SessionState = "streaming"
)

// Initialized reports whether a driver is attached.
func (s SessionState) Initialized() bool {
	return s == StateReady || s == StateStreaming
}

// Status is a point-in-time snapshot of the device session. The device
// configuration is flattened into the JSON object when present.
type Status struct {
	State     SessionState `json:"state"`
	Laser     bool         `json:"laser"`
	OK        bool         `json:"ok"`
	Scanning  bool         `json:"scanning"`
	Streaming bool         `json:"streaming"`
	NumScans  int64        `json:"numScans"`
	StreamID  string       `json:"streamId,omitempty"`

	*DeviceConfig
}
