// Package session owns the single lidar device and its lifecycle state
// machine. Every driver call runs on one worker goroutine; callers submit
// operations and wait for them to finish.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/buffer"
	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/params"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("session closed")

var errDeviceNotOK = errors.New("device health check failed")

// Observer is notified of captured frames and state transitions. Callbacks
// run synchronously and must not call back into the Manager.
type Observer interface {
	FrameCaptured(frame model.ScanFrame)
	StateChanged(from, to model.SessionState)
}

// Config holds configuration for the session manager.
type Config struct {
	Factory  driver.Factory
	Defaults model.DeviceConfig

	// MaxScanRetries bounds re-polls of a failed scan and consecutive failed
	// polls of a stream.
	MaxScanRetries int

	// RetryInterval is the initial backoff between failed polls.
	RetryInterval time.Duration

	// HistorySize is the number of recent frames kept for RecentFrames.
	HistorySize int

	// HaltGrace bounds how long Stop and Halt wait for a stream consumer
	// to release the stream.
	HaltGrace time.Duration

	Observers []Observer
}

type op struct {
	fn   func()
	done chan struct{}
}

// Manager owns the device session.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	ops       chan op
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the worker goroutine.
	drv driver.Driver
	dev *model.DeviceConfig
	reg *params.Registry

	history *buffer.RingBuffer[model.ScanFrame]
	seq     atomic.Int64

	mu       sync.Mutex
	state    model.SessionState
	laser    bool
	ok       bool
	scanning bool
	numScans int64
	snapshot *model.DeviceConfig
	stream   *Stream
}

// NewManager creates a session manager and starts its worker.
func NewManager(config Config) *Manager {
	if config.Factory == nil {
		config.Factory = func(cfg model.DeviceConfig) (driver.Driver, error) {
			return driver.NewSimDriver(driver.SimOptions{Realtime: true}), nil
		}
	}
	if config.Defaults == (model.DeviceConfig{}) {
		config.Defaults = model.DefaultDeviceConfig()
	}
	if config.MaxScanRetries <= 0 {
		config.MaxScanRetries = 10
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 16
	}
	if config.HaltGrace <= 0 {
		config.HaltGrace = 2 * time.Second
	}

	m := &Manager{
		cfg:     config,
		logger:  log.With().Str("component", "session").Logger(),
		ops:     make(chan op),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		history: buffer.NewRingBuffer[model.ScanFrame](config.HistorySize),
		state:   model.StateUninitialized,
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			o.fn()
			m.publish()
			close(o.done)
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the worker. Once fn has been accepted it always runs to
// completion; ctx only bounds the wait for the worker to become free.
func (m *Manager) do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case m.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
	<-o.done
	return nil
}

// publish refreshes the snapshot read by Status. Runs on the worker.
func (m *Manager) publish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		m.snapshot = nil
		m.ok = false
		return
	}
	c := *m.dev
	m.snapshot = &c
	m.ok = m.drv.IsDeviceOK()
}

func (m *Manager) currentState() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to model.SessionState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
	for _, o := range m.cfg.Observers {
		o.StateChanged(from, to)
	}
}

func (m *Manager) setLaser(on bool) {
	m.mu.Lock()
	m.laser = on
	m.mu.Unlock()
}

func (m *Manager) requireInitialized() error {
	if !m.currentState().Initialized() {
		return model.Errorf(model.KindNotInitialized, "device not initialized")
	}
	return nil
}

// Init attaches the device using opts merged over the configured defaults.
// Init on an initialized session is a no-op.
func (m *Manager) Init(ctx context.Context, opts model.Options) error {
	var err error
	if e := m.do(ctx, func() { err = m.init(opts) }); e != nil {
		return e
	}
	return err
}

func (m *Manager) init(opts model.Options) error {
	if m.currentState().Initialized() {
		m.logger.Warn().Msg("Init while already initialized, keeping current device")
		return nil
	}

	cfg := opts.Apply(m.cfg.Defaults)
	if err := cfg.Validate(); err != nil {
		return err
	}

	drv, err := m.cfg.Factory(cfg)
	if err != nil {
		return model.Wrap(model.KindDriverUnavailable, err, "failed to create driver")
	}

	reg := params.New(&cfg, drv)
	if err := reg.ApplyAll(); err != nil {
		return model.Wrap(model.KindDriverUnavailable, err, "failed to apply options")
	}
	if err := drv.Initialize(); err != nil {
		return model.Wrap(model.KindDriverUnavailable, err, "failed to initialize device")
	}

	// Power cycle the laser to verify the device responds.
	if err := drv.TurnOn(); err != nil {
		m.disconnect(drv)
		return model.Wrap(model.KindDriverUnavailable, err, "failed to turn laser on")
	}
	if err := drv.TurnOff(); err != nil {
		m.disconnect(drv)
		return model.Wrap(model.KindDriverUnavailable, err, "failed to turn laser off")
	}

	m.drv, m.dev, m.reg = drv, &cfg, reg
	m.history.Clear()
	m.setLaser(false)
	m.setState(model.StateReady)

	m.logger.Info().
		Str("driver", drv.Name()).
		Float64("scanFreq", cfg.ScanFreq).
		Float64("sampleRate", cfg.SampleRate).
		Msg("Device initialized")
	return nil
}

func (m *Manager) disconnect(drv driver.Driver) {
	if err := drv.Disconnect(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to disconnect driver")
	}
}

// Stop ends any stream, turns the laser off and releases the device.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	m.endStream(ctx)

	var err error
	if e := m.do(ctx, func() { err = m.stop() }); e != nil {
		return e
	}
	return err
}

func (m *Manager) stop() error {
	if m.drv == nil {
		return model.Errorf(model.KindNotInitialized, "device not initialized")
	}
	m.clearStream()

	if err := m.drv.TurnOff(); err != nil {
		return model.Wrap(model.KindDriverError, err, "failed to turn laser off")
	}
	m.setLaser(false)
	if err := m.drv.Disconnect(); err != nil {
		return model.Wrap(model.KindDriverError, err, "failed to disconnect device")
	}

	m.drv, m.dev, m.reg = nil, nil, nil
	m.setState(model.StateUninitialized)
	m.logger.Info().Msg("Device stopped")
	return nil
}

// Set applies parameter values and reports success per field.
func (m *Manager) Set(ctx context.Context, values map[string]interface{}) (map[string]bool, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	var results map[string]bool
	var err error
	e := m.do(ctx, func() {
		if m.reg == nil {
			err = model.Errorf(model.KindNotInitialized, "device not initialized")
			return
		}
		results = m.reg.SetMany(values)
	})
	if e != nil {
		return nil, e
	}
	return results, err
}

// Get returns the named parameter values.
func (m *Manager) Get(ctx context.Context, names []string) (map[string]float64, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	var values map[string]float64
	var err error
	e := m.do(ctx, func() {
		if m.reg == nil {
			err = model.Errorf(model.KindNotInitialized, "device not initialized")
			return
		}
		values, err = m.reg.GetMany(names)
	})
	if e != nil {
		return nil, e
	}
	return values, err
}

// Scan captures a single frame. Failed polls are retried with backoff,
// cycling the laser between attempts.
func (m *Manager) Scan(ctx context.Context, fields []model.Field) (model.ScanFrame, error) {
	var frame model.ScanFrame
	var err error
	if e := m.do(ctx, func() { frame, err = m.scan(ctx, fields) }); e != nil {
		return model.ScanFrame{}, e
	}
	return frame, err
}

func (m *Manager) scan(ctx context.Context, fields []model.Field) (model.ScanFrame, error) {
	switch m.currentState() {
	case model.StateUninitialized:
		return model.ScanFrame{}, model.Errorf(model.KindNotInitialized, "device not initialized")
	case model.StateStreaming:
		return model.ScanFrame{}, model.Errorf(model.KindInvalidState, "scan not allowed while streaming")
	}

	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	if err := m.drv.TurnOn(); err != nil {
		return model.ScanFrame{}, model.Wrap(model.KindDriverError, err, "failed to turn laser on")
	}
	m.setLaser(true)
	m.history.Clear()

	var points []model.ScanPoint
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			if err := m.drv.TurnOff(); err != nil {
				return err
			}
			if err := m.drv.TurnOn(); err != nil {
				return err
			}
		}
		attempt++

		pts, err := m.poll()
		if err != nil {
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("Scan poll failed")
			return err
		}
		points = pts
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), uint64(m.cfg.MaxScanRetries)), ctx))

	if offErr := m.drv.TurnOff(); offErr != nil {
		m.logger.Warn().Err(offErr).Msg("Failed to turn laser off after scan")
	} else {
		m.setLaser(false)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.ScanFrame{}, ctxErr
		}
		return model.ScanFrame{}, model.Wrap(model.KindScanTimeout, err,
			fmt.Sprintf("no usable frame after %d attempts", attempt))
	}

	frame := m.newFrame(fields, points, m.dev.ZeroFilter)
	m.record(frame)
	return frame, nil
}

// poll reads one frame and applies the failure rules shared by scan and
// stream: a driver error, a failed health check or an empty frame.
func (m *Manager) poll() ([]model.ScanPoint, error) {
	points, err := m.drv.PollFrame()
	if err != nil {
		return nil, err
	}
	if !m.drv.IsDeviceOK() {
		return nil, errDeviceNotOK
	}
	if len(points) == 0 {
		return nil, driver.ErrEmptyFrame
	}
	return points, nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.MaxInterval = 20 * m.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return b
}

func (m *Manager) newFrame(fields []model.Field, points []model.ScanPoint, zeroFilter bool) model.ScanFrame {
	if zeroFilter {
		points = model.FilterZero(points)
	}
	if len(fields) == 0 {
		fields = model.AllFields
	}
	return model.ScanFrame{
		Seq:       m.seq.Add(1),
		Timestamp: time.Now(),
		Fields:    fields,
		Points:    points,
	}
}

func (m *Manager) record(frame model.ScanFrame) {
	m.history.Push(frame)

	m.mu.Lock()
	m.numScans++
	m.mu.Unlock()

	for _, o := range m.cfg.Observers {
		o.FrameCaptured(frame)
	}
}

// LaserEnable turns the laser on or off. Turning it on clears the recent
// frame history; turning it off ends an active stream.
func (m *Manager) LaserEnable(ctx context.Context, on bool) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	if !on {
		m.endStream(ctx)
	}

	var err error
	e := m.do(ctx, func() {
		if m.drv == nil {
			err = model.Errorf(model.KindNotInitialized, "device not initialized")
			return
		}
		if on {
			if err = m.drv.TurnOn(); err != nil {
				err = model.Wrap(model.KindDriverError, err, "failed to turn laser on")
				return
			}
			m.history.Clear()
			m.setLaser(true)
			return
		}

		m.clearStream()
		if err = m.drv.TurnOff(); err != nil {
			err = model.Wrap(model.KindDriverError, err, "failed to turn laser off")
			return
		}
		m.setLaser(false)
	})
	if e != nil {
		return e
	}
	return err
}

// Stream turns the laser on, enters Streaming and returns the frame
// iterator. The caller must Close it.
func (m *Manager) Stream(ctx context.Context, fields []model.Field) (*Stream, error) {
	var st *Stream
	var err error
	e := m.do(ctx, func() {
		switch m.currentState() {
		case model.StateUninitialized:
			err = model.Errorf(model.KindNotInitialized, "device not initialized")
			return
		case model.StateStreaming:
			err = model.Errorf(model.KindInvalidState, "already streaming")
			return
		}

		if err = m.drv.TurnOn(); err != nil {
			err = model.Wrap(model.KindDriverError, err, "failed to turn laser on")
			return
		}
		m.history.Clear()
		m.setLaser(true)

		st = newStream(m, fields)
		m.mu.Lock()
		m.stream = st
		m.mu.Unlock()
		m.setState(model.StateStreaming)
		m.logger.Info().Str("stream", st.ID).Msg("Stream started")
	})
	if e != nil {
		return nil, e
	}
	return st, err
}

func (m *Manager) activeStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *Manager) isActive(st *Stream) bool {
	return m.activeStream() == st
}

// endStream cancels the active stream and waits for its consumer to close
// it, bounded by ctx and HaltGrace. It must not run on the worker.
func (m *Manager) endStream(ctx context.Context) {
	st := m.activeStream()
	if st == nil {
		return
	}
	st.cancel()

	timer := time.NewTimer(m.cfg.HaltGrace)
	defer timer.Stop()
	select {
	case <-st.released:
	case <-ctx.Done():
	case <-timer.C:
		m.logger.Warn().Str("stream", st.ID).Msg("Stream consumer did not release in time")
	}
}

// clearStream drops the active stream, if any, and returns to Ready. Runs
// on the worker with the laser left as is.
func (m *Manager) clearStream() {
	m.mu.Lock()
	st := m.stream
	m.stream = nil
	m.mu.Unlock()

	if st == nil {
		return
	}
	st.cancel()
	if m.currentState() == model.StateStreaming {
		m.setState(model.StateReady)
	}
}

// streamEnded runs on the worker when a consumer closes st.
func (m *Manager) streamEnded(st *Stream) {
	if !m.isActive(st) {
		return
	}
	m.clearStream()
	if m.drv == nil {
		return
	}
	if err := m.drv.TurnOff(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to turn laser off after stream")
		return
	}
	m.setLaser(false)
	m.logger.Info().Str("stream", st.ID).Msg("Stream ended")
}

// Halt tears the device down from any state. Driver failures are logged
// and ignored.
func (m *Manager) Halt(ctx context.Context) {
	m.endStream(ctx)

	err := m.do(ctx, func() {
		m.clearStream()
		if m.drv != nil {
			if err := m.drv.TurnOff(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to turn laser off during halt")
			}
			m.disconnect(m.drv)
		}
		m.drv, m.dev, m.reg = nil, nil, nil
		m.setLaser(false)
		m.setState(model.StateUninitialized)
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Halt did not reach the device")
		return
	}
	m.logger.Info().Msg("Device halted")
}

// Status returns a snapshot of the session. It never waits for the worker.
func (m *Manager) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := model.Status{
		State:     m.state,
		Laser:     m.laser,
		OK:        m.ok,
		Scanning:  m.scanning,
		Streaming: m.state == model.StateStreaming,
		NumScans:  m.numScans,
	}
	if m.stream != nil {
		status.StreamID = m.stream.ID
	}
	if m.snapshot != nil {
		c := *m.snapshot
		status.DeviceConfig = &c
	}
	return status
}

// RecentFrames returns up to n of the most recent frames, oldest first.
func (m *Manager) RecentFrames(n int) []model.ScanFrame {
	return m.history.Last(n)
}

// Close halts the device and stops the worker.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HaltGrace+time.Second)
		defer cancel()
		m.Halt(ctx)
		close(m.quit)
		<-m.done
	})
	return nil
}
