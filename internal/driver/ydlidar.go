package driver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/jduanen/CritterDetector/internal/model"
)

const (
	// defaultReadTimeout bounds a single read from the port.
	defaultReadTimeout = 200 * time.Millisecond

	// defaultFrameTimeout bounds assembly of one revolution.
	defaultFrameTimeout = 2 * time.Second

	// settleDelay lets the motor spin down before the input buffer is flushed.
	settleDelay = 50 * time.Millisecond
)

// ErrReadTimeout is returned when the port produced no data within its read timeout.
var ErrReadTimeout = errors.New("serial read timeout")

// Port is the subset of serial.Port used by the YDLIDAR driver.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens a serial port at the given path and baud rate.
type PortOpener func(path string, baud int) (Port, error)

// OpenSerialPort opens a real serial port with 8N1 framing.
func OpenSerialPort(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, nil
}

// DetectPort returns the first port that looks like a USB serial adapter,
// falling back to the udev alias.
func DetectPort() string {
	ports, err := serial.GetPortsList()
	if err != nil {
		return model.DefaultPortPath
	}
	for _, p := range ports {
		if strings.Contains(p, "ydlidar") {
			return p
		}
	}
	for _, p := range ports {
		if strings.Contains(p, "ttyUSB") || strings.Contains(p, "ttyACM") {
			return p
		}
	}
	return model.DefaultPortPath
}

// timeoutReader turns the (0, nil) result of an expired serial read into
// ErrReadTimeout.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	return n, err
}

// YDLidar drives a YDLIDAR triangulation sensor over a serial port. Scan
// frequency and sample rate are recorded but fixed by the T-mini firmware;
// the angle and range windows are applied on the host.
type YDLidar struct {
	cfg    model.DeviceConfig
	open   PortOpener
	logger zerolog.Logger

	ReadTimeout  time.Duration
	FrameTimeout time.Duration

	mu      sync.Mutex
	port    Port
	reader  *bufio.Reader
	values  map[model.Param]float64
	laserOn bool
	health  byte
	info    deviceInfo
	pending []model.ScanPoint
}

// NewYDLidar creates a driver for cfg. A nil opener uses OpenSerialPort.
func NewYDLidar(cfg model.DeviceConfig, open PortOpener) (*YDLidar, error) {
	if cfg.Baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", cfg.Baud)
	}
	if open == nil {
		open = OpenSerialPort
	}

	values := make(map[model.Param]float64, len(model.Params))
	for _, p := range model.Params {
		v, err := cfg.Value(p)
		if err != nil {
			return nil, err
		}
		values[p] = v
	}

	return &YDLidar{
		cfg:          cfg,
		open:         open,
		logger:       log.With().Str("component", "ydlidar").Logger(),
		ReadTimeout:  defaultReadTimeout,
		FrameTimeout: defaultFrameTimeout,
		values:       values,
		health:       healthError,
	}, nil
}

func (d *YDLidar) Name() string {
	return string(KindYDLidar)
}

// Initialize opens the port, stops any scan in progress and reads the
// health and device information.
func (d *YDLidar) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.cfg.Port
	if path == "" {
		path = DetectPort()
	}

	port, err := d.open(path, d.cfg.Baud)
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(d.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	d.port = port
	d.reader = bufio.NewReader(timeoutReader{r: port})

	if err := d.init(); err != nil {
		d.port.Close()
		d.port = nil
		d.reader = nil
		return err
	}

	d.logger.Info().
		Str("port", path).
		Int("baud", d.cfg.Baud).
		Uint8("model", d.info.Model).
		Str("firmware", d.info.Firmware).
		Uint8("hardware", d.info.Hardware).
		Str("serial", d.info.Serial).
		Msg("Device initialized")
	return nil
}

func (d *YDLidar) init() error {
	if err := d.stopScanLocked(); err != nil {
		return err
	}

	health, err := d.request(cmdHealth, respTypeHealth, 3)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	d.health = health[0]

	raw, err := d.request(cmdDeviceInfo, respTypeInfo, 20)
	if err != nil {
		return fmt.Errorf("device info request failed: %w", err)
	}
	info, err := decodeDeviceInfo(raw)
	if err != nil {
		return err
	}
	d.info = info
	return nil
}

// request sends a single-response command and reads its payload.
func (d *YDLidar) request(code, typeCode byte, size int) ([]byte, error) {
	if _, err := d.port.Write(command(code)); err != nil {
		return nil, err
	}
	desc, err := readDescriptor(d.reader)
	if err != nil {
		return nil, err
	}
	if desc.TypeCode != typeCode || int(desc.Length) < size {
		return nil, fmt.Errorf("%w: type %#02x length %d", ErrBadDescriptor, desc.TypeCode, desc.Length)
	}
	buf := make([]byte, desc.Length)
	if _, err := io.ReadFull(d.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *YDLidar) TurnOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	if d.laserOn {
		return nil
	}
	if _, err := d.port.Write(command(cmdStartScan)); err != nil {
		return fmt.Errorf("start scan failed: %w", err)
	}
	desc, err := readDescriptor(d.reader)
	if err != nil {
		return fmt.Errorf("start scan failed: %w", err)
	}
	if desc.TypeCode != respTypeScan {
		return fmt.Errorf("%w: type %#02x", ErrBadDescriptor, desc.TypeCode)
	}
	d.laserOn = true
	d.pending = nil
	return nil
}

func (d *YDLidar) TurnOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	return d.stopScanLocked()
}

func (d *YDLidar) stopScanLocked() error {
	if _, err := d.port.Write(command(cmdStopScan)); err != nil {
		return fmt.Errorf("stop scan failed: %w", err)
	}
	d.laserOn = false
	d.pending = nil

	time.Sleep(settleDelay)
	if err := d.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to flush input: %w", err)
	}
	d.reader.Reset(timeoutReader{r: d.port})
	return nil
}

func (d *YDLidar) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	if d.laserOn {
		if err := d.stopScanLocked(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop scan before disconnect")
		}
	}
	err := d.port.Close()
	d.port = nil
	d.reader = nil
	d.laserOn = false
	return err
}

func (d *YDLidar) SetOption(key model.Param, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.values[key]; !ok {
		return fmt.Errorf("unsupported option: %s", key)
	}
	d.values[key] = value
	return nil
}

func (d *YDLidar) GetOption(key model.Param) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.values[key]
	if !ok {
		return 0, fmt.Errorf("unsupported option: %s", key)
	}
	return v, nil
}

func (d *YDLidar) IsDeviceOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil && d.health != healthError
}

// PollFrame reads packets until a full revolution has been assembled. The
// revolution ends at the next start packet, whose points begin the
// following revolution.
func (d *YDLidar) PollFrame() ([]model.ScanPoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil, ErrNotConnected
	}
	if !d.laserOn {
		return nil, ErrNotScanning
	}

	deadline := time.Now().Add(d.FrameTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no complete revolution within %s", d.FrameTimeout)
		}

		pkt, err := readPacket(d.reader)
		if errors.Is(err, ErrChecksum) {
			d.logger.Debug().Err(err).Msg("Dropping packet")
			continue
		}
		if err != nil {
			return nil, err
		}

		if pkt.Start && len(d.pending) > 0 {
			frame := d.filter(d.pending)
			d.pending = append([]model.ScanPoint(nil), pkt.Points...)
			if len(frame) == 0 {
				return nil, ErrEmptyFrame
			}
			return frame, nil
		}
		d.pending = append(d.pending, pkt.Points...)
	}
}

// filter drops points outside the angle window and zeroes distances outside
// the range window.
func (d *YDLidar) filter(points []model.ScanPoint) []model.ScanPoint {
	minAngle, maxAngle := d.values[model.ParamMinAngle], d.values[model.ParamMaxAngle]
	minRange, maxRange := d.values[model.ParamMinRange], d.values[model.ParamMaxRange]

	out := make([]model.ScanPoint, 0, len(points))
	for _, p := range points {
		if p.Angle < minAngle || p.Angle > maxAngle {
			continue
		}
		if p.Distance < minRange || p.Distance > maxRange {
			p.Distance = 0
			p.Intensity = 0
		}
		out = append(out, p)
	}
	return out
}
