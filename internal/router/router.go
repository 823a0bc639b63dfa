// Package router decodes command channel messages, checks them against the
// session state and dispatches them to the device session.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/protocol"
	"github.com/jduanen/CritterDetector/internal/session"
)

// Device is the session surface the router dispatches to.
type Device interface {
	Init(ctx context.Context, opts model.Options) error
	Stop(ctx context.Context) error
	Set(ctx context.Context, values map[string]interface{}) (map[string]bool, error)
	Get(ctx context.Context, names []string) (map[string]float64, error)
	Scan(ctx context.Context, fields []model.Field) (model.ScanFrame, error)
	LaserEnable(ctx context.Context, on bool) error
	Stream(ctx context.Context, fields []model.Field) (*session.Stream, error)
	Halt(ctx context.Context)
	Status() model.Status
}

// Recorder receives one observation per handled message.
type Recorder interface {
	CommandHandled(name string, kind model.Kind, elapsed time.Duration)
}

// Result is the outcome of handling one message.
type Result struct {
	// Reply is sent on the command channel.
	Reply *protocol.Reply

	// Stream is set after a successful stream command; the transport relays
	// it to the data channel and closes it.
	Stream *session.Stream

	// Halt asks the transport to shut down after sending Reply.
	Halt bool
}

// Router dispatches decoded messages to a Device.
type Router struct {
	device    Device
	dataReady func() bool
	recorder  Recorder
	logger    zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDataReady sets the check used to refuse streams with no data channel
// subscriber.
func WithDataReady(fn func() bool) Option {
	return func(r *Router) { r.dataReady = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// New creates a Router for device.
func New(device Device, opts ...Option) *Router {
	r := &Router{
		device:    device,
		dataReady: func() bool { return true },
		logger:    log.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle decodes raw and dispatches it.
func (r *Router) Handle(ctx context.Context, raw []byte) Result {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return r.finish("", time.Now(), Result{}, model.Wrap(model.KindMalformedMessage, err, "undecodable message"))
	}
	return r.Dispatch(ctx, &req)
}

// Dispatch validates req against the session state and runs it.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Request) Result {
	start := time.Now()

	switch req.Type {
	case "":
		return r.finish("", start, Result{}, model.Errorf(model.KindMalformedMessage, "message missing type"))

	case protocol.TypeStatus:
		status := r.device.Status()
		scanner := status.State.Initialized()
		reply := protocol.NewReply()
		reply.Scanner = &scanner
		reply.Status = &status
		return r.finish(string(req.Type), start, Result{Reply: reply}, nil)

	case protocol.TypeHalt:
		r.device.Halt(ctx)
		return r.finish(string(req.Type), start, Result{Reply: protocol.NewReply(), Halt: true}, nil)

	case protocol.TypeCommand:

	default:
		return r.finish(string(req.Type), start, Result{}, model.Errorf(model.KindNotACommand, "not a command: %q", req.Type))
	}

	name := string(req.Command)
	if req.Command == "" {
		return r.finish(name, start, Result{}, model.Errorf(model.KindMalformedMessage, "command message missing command"))
	}
	if req.Command != protocol.CmdInit && !r.device.Status().State.Initialized() {
		return r.finish(name, start, Result{}, model.Errorf(model.KindNotInitialized, "device not initialized, send init first"))
	}
	if !known(req.Command) {
		return r.finish(name, start, Result{}, model.Errorf(model.KindUnknownCommand, "unknown command: %q", req.Command))
	}

	res, err := r.command(ctx, req)
	return r.finish(name, start, res, err)
}

func known(cmd protocol.Command) bool {
	for _, c := range protocol.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (r *Router) command(ctx context.Context, req *protocol.Request) (Result, error) {
	reply := protocol.NewReply()

	switch req.Command {
	case protocol.CmdInit:
		if req.Version != "" {
			if err := protocol.CheckVersion(req.Version); err != nil {
				return Result{}, err
			}
		}
		var opts model.Options
		if req.Options != nil {
			opts = *req.Options
		}
		if err := r.device.Init(ctx, opts); err != nil {
			return Result{}, err
		}
		reply.Version = protocol.Version

	case protocol.CmdStop:
		if err := r.device.Stop(ctx); err != nil {
			return Result{}, err
		}

	case protocol.CmdSet:
		if req.Set == nil {
			return Result{}, model.Errorf(model.KindMalformedMessage, "set command missing 'set'")
		}
		results, err := r.device.Set(ctx, req.Set)
		if err != nil {
			return Result{}, err
		}
		if results == nil {
			results = map[string]bool{}
		}
		reply.Results = results

	case protocol.CmdGet:
		if req.Get == nil {
			return Result{}, model.Errorf(model.KindMalformedMessage, "get command missing 'get'")
		}
		values, err := r.device.Get(ctx, req.Get)
		if err != nil {
			return Result{}, err
		}
		reply.Values = values

	case protocol.CmdScan:
		fields, err := model.ParseFields(req.Names)
		if err != nil {
			return Result{}, err
		}
		frame, err := r.device.Scan(ctx, fields)
		if err != nil {
			return Result{}, err
		}
		reply.Values = frame.Values()

	case protocol.CmdLaser:
		if req.Enable == nil {
			return Result{}, model.Errorf(model.KindMalformedMessage, "laser command missing 'enable'")
		}
		if err := r.device.LaserEnable(ctx, *req.Enable); err != nil {
			return Result{}, err
		}

	case protocol.CmdStream:
		fields, err := model.ParseFields(req.Names)
		if err != nil {
			return Result{}, err
		}
		if !r.dataReady() {
			return Result{}, model.Errorf(model.KindDataChannelUnavailable, "no data channel subscriber")
		}
		st, err := r.device.Stream(ctx, fields)
		if err != nil {
			return Result{}, err
		}
		reply.Stream = st.ID
		return Result{Reply: reply, Stream: st}, nil

	case protocol.CmdVersion:
		reply.Version = protocol.Version
	}

	return Result{Reply: reply}, nil
}

func (r *Router) finish(name string, start time.Time, res Result, err error) Result {
	elapsed := time.Since(start)
	kind := model.Kind("")
	if err != nil {
		kind = model.KindOf(err)
		res = Result{Reply: protocol.NewError(err)}
		r.logger.Warn().Err(err).Str("command", name).Str("kind", string(kind)).Msg("Command failed")
	} else {
		r.logger.Debug().Str("command", name).Dur("elapsed", elapsed).Msg("Command handled")
	}
	if r.recorder != nil {
		r.recorder.CommandHandled(name, kind, elapsed)
	}
	return res
}
