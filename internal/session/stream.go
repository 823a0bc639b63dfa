package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jduanen/CritterDetector/internal/model"
)

// ErrStreamEnded is returned by Next once the stream has been cancelled by
// stop, halt, laser off or Close.
var ErrStreamEnded = errors.New("stream ended")

// Stream is a cancellable iterator over frames, one per driver poll. It is
// not restartable; a new Stream must be requested from the Manager.
type Stream struct {
	ID     string
	Fields []model.Field

	m        *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	released chan struct{}
	once     sync.Once
}

func newStream(m *Manager, fields []model.Field) *Stream {
	if len(fields) == 0 {
		fields = model.AllFields
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		ID:       uuid.New().String(),
		Fields:   fields,
		m:        m,
		ctx:      ctx,
		cancel:   cancel,
		released: make(chan struct{}),
	}
}

// Done is closed when the stream is cancelled.
func (st *Stream) Done() <-chan struct{} {
	return st.ctx.Done()
}

// Cancel ends the stream without releasing it. Pending and later Next calls
// return ErrStreamEnded.
func (st *Stream) Cancel() {
	st.cancel()
}

func (st *Stream) check(ctx context.Context) error {
	if st.ctx.Err() != nil {
		return ErrStreamEnded
	}
	return ctx.Err()
}

// Next blocks until the next frame is available. Cancellation is checked
// before and after every poll, so a cancelled stream never yields another
// frame. Failed polls are skipped; more than MaxScanRetries consecutive
// failures end the stream with a DriverError.
func (st *Stream) Next(ctx context.Context) (model.ScanFrame, error) {
	failures := 0
	for {
		if err := st.check(ctx); err != nil {
			return model.ScanFrame{}, err
		}

		var points []model.ScanPoint
		var pollErr error
		var zeroFilter bool
		err := st.m.do(ctx, func() {
			if st.ctx.Err() != nil || !st.m.isActive(st) || st.m.drv == nil {
				pollErr = ErrStreamEnded
				return
			}
			points, pollErr = st.m.poll()
			zeroFilter = st.m.dev.ZeroFilter
		})
		if err != nil {
			return model.ScanFrame{}, err
		}
		if err := st.check(ctx); err != nil {
			return model.ScanFrame{}, err
		}
		if errors.Is(pollErr, ErrStreamEnded) {
			return model.ScanFrame{}, ErrStreamEnded
		}

		if pollErr != nil {
			failures++
			st.m.logger.Debug().Err(pollErr).Int("failures", failures).Str("stream", st.ID).Msg("Stream poll failed")
			if failures > st.m.cfg.MaxScanRetries {
				return model.ScanFrame{}, model.Wrap(model.KindDriverError, pollErr, "stream aborted after repeated poll failures")
			}
			if err := st.wait(ctx, st.m.cfg.RetryInterval); err != nil {
				return model.ScanFrame{}, err
			}
			continue
		}

		frame := st.m.newFrame(st.Fields, points, zeroFilter)
		frame.StreamID = st.ID
		st.m.record(frame)
		return frame, nil
	}
}

func (st *Stream) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-st.ctx.Done():
		return ErrStreamEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the stream and, if it is still the active one, turns the
// laser off and returns the session to Ready. It is safe to call more than
// once.
func (st *Stream) Close() {
	st.once.Do(func() {
		st.cancel()
		if err := st.m.do(context.Background(), func() { st.m.streamEnded(st) }); err != nil {
			st.m.logger.Debug().Err(err).Str("stream", st.ID).Msg("Stream closed after session shutdown")
		}
		close(st.released)
	})
}
