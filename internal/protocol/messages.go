// Package protocol defines the JSON envelopes exchanged on the command and
// data channels and the protocol version gate.
package protocol

import (
	"errors"

	"github.com/jduanen/CritterDetector/internal/model"
)

// MessageType represents the type of a wire message.
type MessageType string

const (
	// Client -> Server message types
	TypeCommand MessageType = "command"
	TypeStatus  MessageType = "status"
	TypeHalt    MessageType = "halt"

	// Server -> Client message types
	TypeReply MessageType = "reply"
	TypeError MessageType = "error"
)

// Command names an operation carried by a command message.
type Command string

const (
	CmdInit    Command = "init"
	CmdStop    Command = "stop"
	CmdSet     Command = "set"
	CmdGet     Command = "get"
	CmdScan    Command = "scan"
	CmdLaser   Command = "laser"
	CmdStream  Command = "stream"
	CmdVersion Command = "version"
)

// Commands lists every recognized command.
var Commands = []Command{CmdInit, CmdStop, CmdSet, CmdGet, CmdScan, CmdLaser, CmdStream, CmdVersion}

// Request is a client message. Only the fields relevant to Type and Command
// are set.
type Request struct {
	Type    MessageType            `json:"type"`
	Command Command                `json:"command,omitempty"`
	Version string                 `json:"version,omitempty"`
	Options *model.Options         `json:"options,omitempty"`
	Set     map[string]interface{} `json:"set,omitempty"`
	Get     []string               `json:"get,omitempty"`
	Names   []string               `json:"names,omitempty"`
	Enable  *bool                  `json:"enable,omitempty"`
}

// Reply is a server message: a reply, an error envelope, or a data frame.
// Results is set, possibly empty, on every set reply and nil otherwise.
type Reply struct {
	Type    MessageType     `json:"type"`
	Version string          `json:"version,omitempty"`
	Results map[string]bool `json:"results,omitzero"`
	Values  interface{}     `json:"values,omitempty"`
	Scanner *bool           `json:"scanner,omitempty"`
	Status  *model.Status   `json:"status,omitempty"`
	Stream  string          `json:"stream,omitempty"`
	Frame   int64           `json:"frame,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    model.Kind      `json:"kind,omitempty"`
}

// NewReply returns an empty reply envelope.
func NewReply() *Reply {
	return &Reply{Type: TypeReply}
}

// NewError returns an error envelope for err.
func NewError(err error) *Reply {
	return &Reply{
		Type:  TypeError,
		Error: err.Error(),
		Kind:  model.KindOf(err),
	}
}

// FrameReply returns the data channel envelope for a frame.
func FrameReply(frame model.ScanFrame) *Reply {
	return &Reply{
		Type:   TypeReply,
		Frame:  frame.Seq,
		Values: frame.Values(),
	}
}

// Err converts an error envelope back into a *model.Error. It returns nil
// for any other message type.
func (r *Reply) Err() error {
	if r.Type != TypeError {
		return nil
	}
	if r.Kind == "" {
		return errors.New(r.Error)
	}
	return &model.Error{Kind: r.Kind, Msg: r.Error}
}
