package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Frame carries one request, reply or push over the socket and rpc
// channels. Replies reuse the id of their request; pushes have no id.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Action  Action          `json:"action"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequestFrame encodes payload (nil allowed) under a fresh, time-ordered id.
func NewRequestFrame(action Action, payload any) (*Frame, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{ID: ulid.Make().String(), Action: action, Status: StatusRequest, Payload: raw}, nil
}

func NewReplyFrame(req *Frame, payload any) (*Frame, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{ID: req.ID, Action: req.Action, Status: StatusSuccess, Payload: raw}, nil
}

func NewErrorFrame(req *Frame, err error) *Frame {
	return &Frame{ID: req.ID, Action: req.Action, Status: StatusError, Error: NewError(err)}
}

func NewPushFrame(push ProjetPush) (*Frame, error) {
	raw, err := encodePayload(push)
	if err != nil {
		return nil, err
	}
	return &Frame{Action: ActionProjetPush, Status: StatusSuccess, Payload: raw}, nil
}

// IsPush reports whether f was sent unsolicited by the server.
func (f *Frame) IsPush() bool {
	return f.ID == "" && f.Action == ActionProjetPush
}

// Err returns the error carried by an error frame.
func (f *Frame) Err() error {
	if f.Status != StatusError {
		return nil
	}
	if f.Error == nil {
		return fmt.Errorf("frame %s: error status without detail", f.ID)
	}
	return f.Error.Err()
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Action, err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
