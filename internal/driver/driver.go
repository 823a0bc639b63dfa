// Package driver defines the lidar device collaborator used by the device
// session, and provides a simulated sensor and a serial YDLIDAR implementation.
package driver

import (
	"errors"
	"fmt"

	"github.com/jduanen/CritterDetector/internal/model"
)

var (
	// ErrNotConnected is returned by calls made before Initialize or after Disconnect.
	ErrNotConnected = errors.New("device not connected")

	// ErrNotScanning is returned by PollFrame while the laser is off.
	ErrNotScanning = errors.New("device not scanning")

	// ErrEmptyFrame is returned by PollFrame when a revolution carried no points.
	ErrEmptyFrame = errors.New("empty frame")
)

// Driver is the blocking interface to a single physical sensor. Calls are not
// safe for concurrent use; the device session serializes them.
type Driver interface {
	// Name returns a short identifier for the implementation.
	Name() string

	// Initialize connects to the device and verifies it responds.
	Initialize() error

	// TurnOn powers the laser and starts the motor.
	TurnOn() error

	// TurnOff stops the laser.
	TurnOff() error

	// Disconnect releases the device. The driver is unusable afterwards.
	Disconnect() error

	// SetOption applies one tunable parameter.
	SetOption(key model.Param, value float64) error

	// GetOption reads back one tunable parameter.
	GetOption(key model.Param) (float64, error)

	// PollFrame blocks until one full revolution is available.
	PollFrame() ([]model.ScanPoint, error)

	// IsDeviceOK reports the device health flag.
	IsDeviceOK() bool
}

// Factory constructs a driver for the given configuration. It is called once
// per session init.
type Factory func(cfg model.DeviceConfig) (Driver, error)

// Kind selects a driver implementation by name.
type Kind string

const (
	KindSim     Kind = "sim"
	KindYDLidar Kind = "ydlidar"
)

// NewFactory returns the Factory for the named driver kind.
func NewFactory(kind Kind) (Factory, error) {
	switch kind {
	case KindSim, "":
		return func(cfg model.DeviceConfig) (Driver, error) {
			return NewSimDriver(SimOptions{Realtime: true}), nil
		}, nil
	case KindYDLidar:
		return func(cfg model.DeviceConfig) (Driver, error) {
			d, err := NewYDLidar(cfg, nil)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", kind)
}
