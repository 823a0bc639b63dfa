package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jduanen/CritterDetector/internal/protocol"
	"github.com/jduanen/CritterDetector/internal/router"
	"github.com/jduanen/CritterDetector/internal/session"
)

const (
	DefaultCommandAddr     = ":8765"
	DefaultDataAddr        = ":8766"
	DefaultShutdownTimeout = 5 * time.Second
)

// Config holds the transport settings.
type Config struct {
	CommandAddr     string
	DataAddr        string
	ShutdownTimeout time.Duration

	// AllowedOrigins limits browser connections to the listed origins. Empty
	// accepts every origin.
	AllowedOrigins []string

	// Recorder, if set, observes every handled command.
	Recorder router.Recorder
}

func (c *Config) applyDefaults() {
	if c.CommandAddr == "" {
		c.CommandAddr = DefaultCommandAddr
	}
	if c.DataAddr == "" {
		c.DataAddr = DefaultDataAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// relay pushes the frames of one stream to the data subscriber.
type relay struct {
	stream     *session.Stream
	owner      *Client
	subscriber *Client
	cancel     context.CancelFunc
	done       chan struct{}
}

// Transport serves the command and data channels.
type Transport struct {
	cfg    Config
	router *router.Router

	commands      *Handler
	data          *Handler
	commandEngine *gin.Engine
	dataEngine    *gin.Engine

	// cmdMu serialises command handling across all command connections.
	cmdMu sync.Mutex

	relayMu sync.Mutex
	relay   *relay

	ctx      context.Context
	cancel   context.CancelFunc
	halted   chan struct{}
	haltOnce sync.Once
	logger   zerolog.Logger
}

// NewTransport creates a Transport that dispatches command messages to
// device.
func NewTransport(device router.Device, cfg Config) *Transport {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		cfg:      cfg,
		commands: NewHandler(NewHub("command", 0)),
		data:     NewHandler(NewHub("data", 1)),
		ctx:      ctx,
		cancel:   cancel,
		halted:   make(chan struct{}),
		logger:   log.With().Str("component", "transport").Logger(),
	}

	opts := []router.Option{router.WithDataReady(t.data.Hub().HasClients)}
	if cfg.Recorder != nil {
		opts = append(opts, router.WithRecorder(cfg.Recorder))
	}
	t.router = router.New(device, opts...)

	if len(cfg.AllowedOrigins) > 0 {
		t.commands.SetCheckOrigin(AllowOrigins(cfg.AllowedOrigins))
		t.data.SetCheckOrigin(AllowOrigins(cfg.AllowedOrigins))
	}

	t.commands.Hub().SetOnMessage(t.handleCommand)
	t.commands.Hub().SetOnDisconnect(func(client *Client) {
		t.endRelayFor(client, "Command connection lost, ending stream")
	})
	t.data.Hub().SetOnMessage(func(client *Client, data []byte) {
		t.logger.Debug().Str("conn", client.ID()).Msg("Ignoring message on data channel")
	})
	t.data.Hub().SetOnDisconnect(func(client *Client) {
		t.endRelayFor(client, "Data subscriber disconnected, ending stream")
	})

	t.commandEngine = newEngine(t.commands)
	t.dataEngine = newEngine(t.data)
	return t
}

func newEngine(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Hub().Name()))
	r.GET("/", h.Serve)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": h.Hub().ClientCount(),
		})
	})
	return r
}

// requestLogger logs plain HTTP requests; upgraded connections are logged by
// the handler.
func requestLogger(channel string) gin.HandlerFunc {
	logger := log.With().Str("component", "http").Str("channel", channel).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	}
}

// Router returns the command router.
func (t *Transport) Router() *router.Router {
	return t.router
}

// CommandEngine returns the command channel's HTTP engine so extra routes can
// be registered on it.
func (t *Transport) CommandEngine() *gin.Engine {
	return t.commandEngine
}

// DataEngine returns the data channel's HTTP engine.
func (t *Transport) DataEngine() *gin.Engine {
	return t.dataEngine
}

// ClientCounts returns the number of command and data connections.
func (t *Transport) ClientCounts() (commands, data int) {
	return t.commands.Hub().ClientCount(), t.data.Hub().ClientCount()
}

// Halted is closed after a halt message has been answered.
func (t *Transport) Halted() <-chan struct{} {
	return t.halted
}

// Shutdown asks Run to stop the listeners.
func (t *Transport) Shutdown() {
	t.haltOnce.Do(func() { close(t.halted) })
}

func (t *Transport) handleCommand(client *Client, raw []byte) {
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	res := t.router.Handle(t.ctx, raw)

	data, err := json.Marshal(res.Reply)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to marshal reply")
		if res.Stream != nil {
			res.Stream.Close()
		}
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, writeWait)
	err = client.Deliver(ctx, data)
	cancel()
	if err != nil {
		t.logger.Warn().Err(err).Str("conn", client.ID()).Msg("Failed to deliver reply")
	}

	if res.Stream != nil {
		if err != nil {
			res.Stream.Close()
		} else {
			t.startRelay(res.Stream, client)
		}
	}

	if res.Halt {
		t.logger.Info().Str("conn", client.ID()).Msg("Halt requested")
		t.Shutdown()
	}
}

func (t *Transport) startRelay(st *session.Stream, owner *Client) {
	sub := t.data.Hub().First()
	if sub == nil {
		t.logger.Warn().Str("stream", st.ID).Msg("Data subscriber left before the stream started")
		st.Close()
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	r := &relay{
		stream:     st,
		owner:      owner,
		subscriber: sub,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	t.relayMu.Lock()
	t.relay = r
	t.relayMu.Unlock()

	// Either connection may have dropped before the relay was published.
	if owner.IsClosed() || sub.IsClosed() {
		t.logger.Info().Str("stream", st.ID).Msg("Connection lost before the stream started")
		cancel()
	}

	go t.watchRelay(ctx, r)
	go t.runRelay(ctx, r)
}

// endRelayFor ends the active relay if client is its owner or subscriber.
func (t *Transport) endRelayFor(client *Client, msg string) {
	t.relayMu.Lock()
	r := t.relay
	t.relayMu.Unlock()

	if r == nil || (r.owner != client && r.subscriber != client) {
		return
	}
	t.logger.Info().Str("stream", r.stream.ID).Str("conn", client.ID()).Msg(msg)
	r.cancel()
}

// watchRelay cancels the relay as soon as its stream is cancelled, so a
// frame still queued for the subscriber is dropped.
func (t *Transport) watchRelay(ctx context.Context, r *relay) {
	select {
	case <-r.stream.Done():
		r.cancel()
	case <-ctx.Done():
	}
}

// runRelay delivers frames until the stream ends. Each frame is written
// before the next is pulled.
func (t *Transport) runRelay(ctx context.Context, r *relay) {
	logger := t.logger.With().Str("stream", r.stream.ID).Logger()
	var sent int64

	defer func() {
		r.cancel()
		r.stream.Close()
		t.relayMu.Lock()
		if t.relay == r {
			t.relay = nil
		}
		t.relayMu.Unlock()
		close(r.done)
		logger.Info().Int64("frames", sent).Msg("Stream relay ended")
	}()

	logger.Info().Str("conn", r.subscriber.ID()).Msg("Stream relay started")
	for {
		frame, err := r.stream.Next(ctx)
		if err != nil {
			if errors.Is(err, session.ErrStreamEnded) || ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Stream failed")
			if data, merr := json.Marshal(protocol.NewError(err)); merr == nil {
				dctx, cancel := context.WithTimeout(ctx, writeWait)
				r.subscriber.Deliver(dctx, data)
				cancel()
			}
			return
		}

		data, err := json.Marshal(protocol.FrameReply(frame))
		if err != nil {
			logger.Error().Err(err).Msg("Failed to marshal frame")
			return
		}
		if err := r.subscriber.Deliver(ctx, data); err != nil {
			logger.Debug().Err(err).Msg("Frame not delivered")
			return
		}
		sent++
	}
}

// Run serves both listeners until ctx is cancelled or a halt is handled.
func (t *Transport) Run(ctx context.Context) error {
	cmdSrv := &http.Server{Addr: t.cfg.CommandAddr, Handler: t.commandEngine, ReadHeaderTimeout: writeWait}
	dataSrv := &http.Server{Addr: t.cfg.DataAddr, Handler: t.dataEngine, ReadHeaderTimeout: writeWait}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.serve(cmdSrv, "command") })
	g.Go(func() error { return t.serve(dataSrv, "data") })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.halted:
		}
		t.logger.Info().Msg("Shutting down listeners")

		sctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
		defer cancel()
		t.Close()
		return errors.Join(cmdSrv.Shutdown(sctx), dataSrv.Shutdown(sctx))
	})
	return g.Wait()
}

func (t *Transport) serve(srv *http.Server, channel string) error {
	t.logger.Info().Str("channel", channel).Str("addr", srv.Addr).Msg("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", channel, err)
	}
	return nil
}

// Close ends any relay and closes every connection.
func (t *Transport) Close() {
	t.cancel()

	t.relayMu.Lock()
	r := t.relay
	t.relayMu.Unlock()
	if r != nil {
		<-r.done
	}

	t.commands.Hub().Close()
	t.data.Hub().Close()
}
