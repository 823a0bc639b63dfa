package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/model"
)

// SinkConfig holds the Sink settings.
type SinkConfig struct {
	// Buffer is the number of pending records held before new ones are
	// dropped.
	Buffer int

	// Keep bounds the frames table; 0 keeps everything.
	Keep int

	// PruneEvery is the number of inserted frames between prunes.
	PruneEvery int
}

// Sink writes frame summaries and state events to the log from its own
// goroutine. It implements session.Observer and never blocks the session.
type Sink struct {
	frames *FrameRepository
	events *EventRepository
	cfg    SinkConfig

	ch      chan interface{}
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  zerolog.Logger
}

// NewSink creates a Sink and starts its writer.
func NewSink(frames *FrameRepository, events *EventRepository, cfg SinkConfig) *Sink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = 100
	}

	s := &Sink{
		frames: frames,
		events: events,
		cfg:    cfg,
		ch:     make(chan interface{}, cfg.Buffer),
		done:   make(chan struct{}),
		logger: log.With().Str("component", "framelog").Logger(),
	}
	go s.run()
	return s
}

func (s *Sink) enqueue(v interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	default:
		s.dropped.Add(1)
	}
}

// FrameCaptured queues a summary of frame.
func (s *Sink) FrameCaptured(frame model.ScanFrame) {
	s.enqueue(model.Summarize(frame))
}

// StateChanged queues a state event.
func (s *Sink) StateChanged(from, to model.SessionState) {
	s.enqueue(&model.StateEvent{From: from, To: to, OccurredAt: time.Now()})
}

// Dropped returns the number of records dropped because the buffer was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) run() {
	defer close(s.done)

	inserted := 0
	for item := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch v := item.(type) {
		case *model.FrameSummary:
			if err := s.frames.Create(ctx, v); err != nil {
				s.logger.Warn().Err(err).Int64("seq", v.Seq).Msg("Frame not logged")
				break
			}
			inserted++
			if s.cfg.Keep > 0 && inserted%s.cfg.PruneEvery == 0 {
				if n, err := s.frames.Prune(ctx, s.cfg.Keep); err != nil {
					s.logger.Warn().Err(err).Msg("Prune failed")
				} else if n > 0 {
					s.logger.Debug().Int64("deleted", n).Msg("Pruned frame log")
				}
			}
		case *model.StateEvent:
			if err := s.events.Create(ctx, v); err != nil {
				s.logger.Warn().Err(err).Str("to", string(v.To)).Msg("Event not logged")
			}
		}
		cancel()
	}
}

// Close stops accepting records and waits for pending ones to be written.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
