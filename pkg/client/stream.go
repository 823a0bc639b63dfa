package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/protocol"
)

// subscribeTimeout bounds how long Stream waits for the server to register
// the data connection.
const subscribeTimeout = 2 * time.Second

// Frame is one frame received on the data channel.
type Frame struct {
	Seq    int64
	Values Values
}

// Stream receives the frames of one continuous scan. Stop the scan with
// Client.Stop; Close only drops the data connection.
type Stream struct {
	ID string

	conn *websocket.Conn
	once sync.Once
}

// Stream subscribes to the data channel and starts a continuous scan. No
// names selects every field.
func (c *Client) Stream(ctx context.Context, names ...string) (*Stream, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.dataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.dataURL, err)
	}

	var r *reply
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = subscribeTimeout

	// The server registers the data connection after the handshake, so the
	// first attempt can race it.
	err = backoff.Retry(func() error {
		var err error
		r, err = c.command(ctx, protocol.Request{Command: protocol.CmdStream, Names: names})
		if errors.Is(err, model.ErrDataChannelUnavailable) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Stream{ID: r.Stream, conn: conn}, nil
}

// Next blocks until the next frame arrives. A stream failure reported by the
// server is returned as a *model.Error.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	var r reply
	if err := s.conn.ReadJSON(&r); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	if err := r.Err(); err != nil {
		return Frame{}, err
	}

	frame := Frame{Seq: r.Frame}
	if len(r.Values) > 0 {
		if err := json.Unmarshal(r.Values, &frame.Values); err != nil {
			return Frame{}, fmt.Errorf("invalid frame: %w", err)
		}
	}
	return frame, nil
}

// Close closes the data connection.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
