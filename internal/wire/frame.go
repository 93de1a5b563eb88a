package wire

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/dmhub/internal/chaterr"
)

// FrameType discriminates frames on the hub connection.
type FrameType string

const (
	TypeInvoke FrameType = "invoke"
	TypeResult FrameType = "result"
	TypeEvent  FrameType = "event"
)

// Frame is the single envelope exchanged over the hub websocket.
// Invocations and results are correlated by ID; events carry no ID.
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the wire form of a failed invocation.
type Error struct {
	Kind    chaterr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// NewEvent builds a server-to-client event frame.
func NewEvent(target string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s: %w", target, err)
	}
	return Frame{Type: TypeEvent, Target: target, Args: raw}, nil
}

// NewInvoke builds a client-to-server invocation frame.
func NewInvoke(id, target string, args any) (Frame, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s args: %w", target, err)
	}
	return Frame{Type: TypeInvoke, ID: id, Target: target, Args: raw}, nil
}

// NewResult builds a successful result for invocation id. A nil result is
// sent as an empty acknowledgement.
func NewResult(id string, result any) (Frame, error) {
	f := Frame{Type: TypeResult, ID: id}
	if result == nil {
		return f, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal result: %w", err)
	}
	f.Result = raw
	return f, nil
}

// NewError builds a failed result for invocation id.
func NewError(id string, err error) Frame {
	return Frame{
		Type:  TypeResult,
		ID:    id,
		Error: &Error{Kind: chaterr.KindOf(err), Message: err.Error()},
	}
}

// DecodeArgs unmarshals the frame arguments into v.
func (f Frame) DecodeArgs(v any) error {
	if len(f.Args) == 0 {
		return chaterr.Invalid("args", "missing")
	}
	if err := json.Unmarshal(f.Args, v); err != nil {
		return chaterr.Invalid("args", err.Error())
	}
	return nil
}

// DecodeResult unmarshals a result frame into v, or returns the remote error.
// v may be nil when the caller only needs the acknowledgement.
func (f Frame) DecodeResult(v any) error {
	if f.Error != nil {
		return chaterr.FromKind(f.Error.Kind, f.Error.Message)
	}
	if v == nil || len(f.Result) == 0 {
		return nil
	}
	return json.Unmarshal(f.Result, v)
}
