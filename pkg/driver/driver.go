// Package driver exposes the lidar driver collaborator for use outside this
// module, e.g. to plug a custom sensor into the server.
package driver

import (
	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
)

// Re-export types from internal/driver for external use
type (
	Driver     = driver.Driver
	Factory    = driver.Factory
	Kind       = driver.Kind
	SimOptions = driver.SimOptions
	Port       = driver.Port
	PortOpener = driver.PortOpener
	ScanPoint  = model.ScanPoint
	Param      = model.Param
	SimDriver  = driver.SimDriver
	YDLidar    = driver.YDLidar
)

const (
	KindSim     = driver.KindSim
	KindYDLidar = driver.KindYDLidar
)

// NewFactory returns the Factory for the named driver kind.
func NewFactory(kind Kind) (Factory, error) {
	return driver.NewFactory(kind)
}

// NewSimDriver creates a simulated sensor.
func NewSimDriver(opts SimOptions) *SimDriver {
	return driver.NewSimDriver(opts)
}

// NewYDLidar creates a serial YDLIDAR driver. A nil opener uses the system serial port.
func NewYDLidar(cfg model.DeviceConfig, open PortOpener) (*YDLidar, error) {
	return driver.NewYDLidar(cfg, open)
}
