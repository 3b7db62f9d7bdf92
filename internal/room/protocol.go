package room

import (
	"encoding/json"

	"altar/api/internal/document"
)

const (
	TypePush    = "push"
	TypePing    = "ping"
	TypeConnect = "connect"
	TypePatch   = "patch"
	TypeAck     = "ack"
	TypeError   = "error"
	TypePong    = "pong"
)

// ClientMessage is a frame received from a session. Clock is the latest room
// clock the client has observed.
type ClientMessage struct {
	Type  string        `json:"type"`
	Seq   int64         `json:"seq,omitempty"`
	Clock int64         `json:"clock,omitempty"`
	Ops   []document.Op `json:"ops,omitempty"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Clock     int64           `json:"clock"`
	ReadOnly  bool            `json:"readOnly,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Ops       []document.Op   `json:"ops,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func encodeFrame(msg ServerMessage) []byte {
	// ServerMessage holds only marshalable fields and pre-validated JSON.
	data, _ := json.Marshal(msg)
	return data
}
