// Package client is a Go client for the lidar scanner server.
//
// A Client keeps one command connection open and sends one command at a
// time. Streams open the data channel before asking the server to stream, so
// the server always finds a subscriber.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/protocol"
)

const (
	DefaultHost         = "localhost"
	DefaultCommandPort  = 8765
	DefaultDataPort     = 8766
	DefaultReplyTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Host        string
	CommandPort int
	DataPort    int

	// ReplyTimeout bounds each command round trip when the context has no
	// deadline.
	ReplyTimeout time.Duration

	Dialer *websocket.Dialer
}

// Values holds the per-point arrays of a scan or frame. Fields that were not
// requested are nil.
type Values struct {
	Angles      []float64 `json:"angles,omitempty"`
	Distances   []float64 `json:"distances,omitempty"`
	Intensities []int     `json:"intensities,omitempty"`
}

// Len returns the number of points.
func (v Values) Len() int {
	switch {
	case v.Angles != nil:
		return len(v.Angles)
	case v.Distances != nil:
		return len(v.Distances)
	default:
		return len(v.Intensities)
	}
}

// reply decodes a server message, keeping values raw until the caller knows
// their shape.
type reply struct {
	protocol.Reply
	Values json.RawMessage `json:"values,omitempty"`
}

// Client talks to one server.
type Client struct {
	commandURL string
	dataURL    string
	opts       Options

	mu     sync.Mutex
	conn   *websocket.Conn
	inited bool
	logger zerolog.Logger
}

// New creates a Client. No connection is made until the first call.
func New(opts Options) *Client {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.CommandPort == 0 {
		opts.CommandPort = DefaultCommandPort
	}
	if opts.DataPort == 0 {
		opts.DataPort = DefaultDataPort
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		commandURL: "ws://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.CommandPort)) + "/",
		dataURL:    "ws://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.DataPort)) + "/",
		opts:       opts,
		logger:     log.With().Str("component", "client").Logger(),
	}
}

// NewWithURLs creates a Client for explicit channel URLs.
func NewWithURLs(commandURL, dataURL string, opts Options) *Client {
	c := New(opts)
	c.commandURL = commandURL
	c.dataURL = dataURL
	return c
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.opts.ReplyTimeout)
}

// call sends req and waits for its reply. Error envelopes are returned as
// *model.Error.
func (c *Client) call(ctx context.Context, req protocol.Request) (*reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.commandURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", c.commandURL, err)
		}
		c.conn = conn
	}

	// Unblock the round trip if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	deadline := c.deadline(ctx)
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	name := string(req.Type)
	if req.Command != "" {
		name = string(req.Command)
	}
	c.logger.Debug().Str("command", name).Msg("Sending")

	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("failed to send %s: %w", name, err)
	}

	var r reply
	if err := c.conn.ReadJSON(&r); err != nil {
		c.dropLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read %s reply: %w", name, err)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) command(ctx context.Context, req protocol.Request) (*reply, error) {
	req.Type = protocol.TypeCommand
	return c.call(ctx, req)
}

// Init initializes the scanner with opts merged over the server defaults and
// checks the server's protocol version. A client that has already
// initialized logs a warning and does nothing.
func (c *Client) Init(ctx context.Context, opts model.Options) error {
	if c.Inited() {
		c.logger.Warn().Msg("Scanner already initialized, ignoring init")
		return nil
	}

	r, err := c.command(ctx, protocol.Request{Command: protocol.CmdInit, Version: protocol.Version, Options: &opts})
	if err != nil {
		return err
	}
	if err := protocol.CheckVersion(r.Version); err != nil {
		return err
	}

	c.mu.Lock()
	c.inited = true
	c.mu.Unlock()
	return nil
}

// Inited reports whether Init has succeeded since the last Stop.
func (c *Client) Inited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inited
}

// Stop stops the scanner and releases the device.
func (c *Client) Stop(ctx context.Context) error {
	if _, err := c.command(ctx, protocol.Request{Command: protocol.CmdStop}); err != nil {
		return err
	}
	c.mu.Lock()
	c.inited = false
	c.mu.Unlock()
	return nil
}

// Reset stops and re-initializes the scanner.
func (c *Client) Reset(ctx context.Context, opts model.Options) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Init(ctx, opts)
}

// Halt stops the scanner and shuts the server down.
func (c *Client) Halt(ctx context.Context) error {
	if _, err := c.call(ctx, protocol.Request{Type: protocol.TypeHalt}); err != nil {
		return err
	}
	c.mu.Lock()
	c.inited = false
	c.dropLocked()
	c.mu.Unlock()
	return nil
}

// Status returns the server status and whether a scanner is attached.
func (c *Client) Status(ctx context.Context) (model.Status, bool, error) {
	r, err := c.call(ctx, protocol.Request{Type: protocol.TypeStatus})
	if err != nil {
		return model.Status{}, false, err
	}
	var status model.Status
	if r.Status != nil {
		status = *r.Status
	}
	scanner := r.Scanner != nil && *r.Scanner
	return status, scanner, nil
}

// Set assigns parameters and returns the per-name results. An empty values
// map sends nothing.
func (c *Client) Set(ctx context.Context, values map[string]interface{}) (map[string]bool, error) {
	if len(values) == 0 {
		c.logger.Warn().Msg("No values to set, ignoring")
		return map[string]bool{}, nil
	}
	r, err := c.command(ctx, protocol.Request{Command: protocol.CmdSet, Set: values})
	if err != nil {
		return nil, err
	}
	return r.Results, nil
}

// Get reads parameters.
func (c *Client) Get(ctx context.Context, names ...string) (map[string]float64, error) {
	if names == nil {
		names = []string{}
	}
	r, err := c.command(ctx, protocol.Request{Command: protocol.CmdGet, Get: names})
	if err != nil {
		return nil, err
	}
	values := map[string]float64{}
	if len(r.Values) > 0 {
		if err := json.Unmarshal(r.Values, &values); err != nil {
			return nil, fmt.Errorf("invalid get reply: %w", err)
		}
	}
	return values, nil
}

// Scan takes one scan. No names selects every field.
func (c *Client) Scan(ctx context.Context, names ...string) (Values, error) {
	r, err := c.command(ctx, protocol.Request{Command: protocol.CmdScan, Names: names})
	if err != nil {
		return Values{}, err
	}
	var values Values
	if err := json.Unmarshal(r.Values, &values); err != nil {
		return Values{}, fmt.Errorf("invalid scan reply: %w", err)
	}
	return values, nil
}

// Laser turns the laser on or off.
func (c *Client) Laser(ctx context.Context, on bool) error {
	_, err := c.command(ctx, protocol.Request{Command: protocol.CmdLaser, Enable: &on})
	return err
}

// Version returns the server's protocol version.
func (c *Client) Version(ctx context.Context) (string, error) {
	r, err := c.command(ctx, protocol.Request{Command: protocol.CmdVersion})
	if err != nil {
		return "", err
	}
	return r.Version, nil
}

// Close closes the command connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
