// Package transport defines the send primitive the substrate pushes results
// through. Implementations route a payload to one live connection and fail
// distinguishably when that connection no longer exists.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrConnectionGone reports that the target connection no longer exists. A
// send failing this way (or any other way) is the only reliable
// dead-connection signal; transport-level disconnect notifications are not
// guaranteed.
var ErrConnectionGone = errors.New("transport: connection gone")

// Sender attempts delivery of a payload to a connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Envelope is the framing for pushed subscription data. ID carries the
// client's subscription/correlation id so it can route the payload to the
// right handler.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Envelope types.
const (
	EnvelopeData  = "data"
	EnvelopeError = "error"
)

// Encode marshals an Envelope for the wire.
func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }
