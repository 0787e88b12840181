// Package link implements the session transport shared by the broker and the node agents:
// a length-framed JSON message channel over a TCP connection.
package link

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command names understood by the broker and the agents.
const (
	CmdTimeGet       = "time-get"
	CmdTimeSet       = "time-set"
	CmdNodeConfigSet = "node-config-set"
	CmdTransmit      = "transmit"
)

// StatusOK is the reply status for an accepted request.
const StatusOK = "OK"

// Params carries command-specific arguments.
type Params struct {
	Time   *int64 `json:"time,omitempty"`
	NodeID *int   `json:"node-id,omitempty"`
}

// ErrorBody is the payload of an error reply.
type ErrorBody struct {
	Desc string `json:"desc"`
}

// Reply is either a bare status string ("OK") or an object carrying a result.
// Status takes precedence when marshaling.
type Reply struct {
	Status string
	Time   *int64
	NodeID *int
}

type replyObject struct {
	Time   *int64 `json:"time,omitempty"`
	NodeID *int   `json:"node-id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Status != "" {
		return json.Marshal(r.Status)
	}
	return json.Marshal(replyObject{Time: r.Time, NodeID: r.NodeID})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reply) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Status)
	}
	var obj replyObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decoding reply object: %w", err)
	}
	r.Time, r.NodeID = obj.Time, obj.NodeID
	return nil
}

// Message is one protocol message. A request has Command; a reply has Reply and/or
// Error plus the ID of the request it answers; a notification has Command and no ID.
type Message struct {
	Command string     `json:"command,omitempty"`
	Params  *Params    `json:"params,omitempty"`
	ID      *int64     `json:"id,omitempty"`
	Reply   *Reply     `json:"reply,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`

	// transmit notification fields
	SourceNodeID      *int   `json:"source-node-id,omitempty"`
	DestinationNodeID *int   `json:"destination-node-id,omitempty"`
	PacketData        string `json:"packet-data,omitempty"`
	Time              *int64 `json:"time,omitempty"`

	// Extra holds top-level fields this package does not know. They are re-emitted
	// on encode, so relayed events reach their peers intact.
	Extra map[string]json.RawMessage `json:"-"`
	// Invalid is the first field that failed to decode. The rest of the message is
	// still usable, at least for correlating an error reply.
	Invalid error `json:"-"`
}

// UnmarshalJSON decodes each top-level field on its own. Only invalid JSON is an
// error; a field of the wrong type is recorded in Invalid.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = Message{}
	for key, raw := range fields {
		var err error
		switch key {
		case "command":
			err = json.Unmarshal(raw, &m.Command)
		case "params":
			err = json.Unmarshal(raw, &m.Params)
		case "id":
			err = json.Unmarshal(raw, &m.ID)
		case "reply":
			err = json.Unmarshal(raw, &m.Reply)
		case "error":
			err = json.Unmarshal(raw, &m.Error)
		case "source-node-id":
			err = json.Unmarshal(raw, &m.SourceNodeID)
		case "destination-node-id":
			err = json.Unmarshal(raw, &m.DestinationNodeID)
		case "packet-data":
			err = json.Unmarshal(raw, &m.PacketData)
		case "time":
			err = json.Unmarshal(raw, &m.Time)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = raw
		}
		if err != nil && m.Invalid == nil {
			m.Invalid = fmt.Errorf("field %q: %v", key, err)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Known fields win over Extra on a name clash.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	data, err := json.Marshal(plain(m))
	if err != nil || len(m.Extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage, len(m.Extra))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// IsRequest reports whether m carries a command.
func (m *Message) IsRequest() bool { return m.Command != "" }

// IsReply reports whether m answers an earlier request.
func (m *Message) IsReply() bool { return m.Command == "" && (m.Reply != nil || m.Error != nil) }

// HasID reports whether m carries a correlation token.
func (m *Message) HasID() bool { return m.ID != nil }

// IDValue returns the correlation token, or -1 when absent.
func (m *Message) IDValue() int64 {
	if m.ID == nil {
		return -1
	}
	return *m.ID
}

// IsOK reports whether m is a successful status reply.
func (m *Message) IsOK() bool {
	return m.Error == nil && m.Reply != nil && m.Reply.Status == StatusOK
}

// ParamTime returns params.time if present.
func (m *Message) ParamTime() (int64, bool) {
	if m.Params == nil || m.Params.Time == nil {
		return 0, false
	}
	return *m.Params.Time, true
}

// ParamNodeID returns params.node-id if present.
func (m *Message) ParamNodeID() (int, bool) {
	if m.Params == nil || m.Params.NodeID == nil {
		return 0, false
	}
	return *m.Params.NodeID, true
}

// String renders m as its wire JSON, for logging.
func (m *Message) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<unencodable message: %v>", err)
	}
	return string(data)
}

// Int64 returns a pointer to v. Convenience for building messages.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// NewRequest builds a request with an optional correlation token (nil for none).
func NewRequest(command string, id *int64, params *Params) *Message {
	return &Message{Command: command, ID: id, Params: params}
}

// NewReply starts a reply to req, echoing its id when it has one.
func NewReply(req *Message) *Message {
	reply := &Message{}
	if req.ID != nil {
		reply.ID = Int64(*req.ID)
	}
	return reply
}

// OK builds a status reply to req.
func OK(req *Message) *Message {
	reply := NewReply(req)
	reply.Reply = &Reply{Status: StatusOK}
	return reply
}

// Errorf builds an error reply to req.
func Errorf(req *Message, format string, args ...any) *Message {
	reply := NewReply(req)
	reply.Error = &ErrorBody{Desc: fmt.Sprintf(format, args...)}
	return reply
}
