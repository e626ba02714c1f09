// Package protocol is the JSON envelope exchanged over the socket.
//
// Clients send join, leave, emit and ping. The server answers with connected
// once, ack or error for every request carrying a requestId, pong for ping,
// and event for every delivered channel event.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wailbentafat/realtime-hub/hub"
)

type Type string

const (
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"
	TypeEmit  Type = "emit"
	TypePing  Type = "ping"

	TypeConnected Type = "connected"
	TypeEvent     Type = "event"
	TypeAck       Type = "ack"
	TypeError     Type = "error"
	TypePong      Type = "pong"
)

// Envelope is the only frame shape on the wire.
type Envelope struct {
	Type      Type            `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	From      string          `json:"from,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	ConnID    string          `json:"connId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
}

// Decode parses one text frame. It only checks that the frame is a JSON
// object with a type.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &hub.Error{Code: hub.CodeProtocol, Message: "invalid json envelope"}
	}
	if e.Type == "" {
		return Envelope{}, &hub.Error{Code: hub.CodeProtocol, Message: "envelope type is required"}
	}
	return e, nil
}

// Command converts a client envelope into a hub command for conn.
func (e Envelope) Command(conn hub.ConnectionID) (hub.Command, error) {
	var kind hub.CommandKind
	switch e.Type {
	case TypeJoin:
		kind = hub.CommandJoin
	case TypeLeave:
		kind = hub.CommandLeave
	case TypeEmit:
		kind = hub.CommandEmit
	default:
		return hub.Command{}, &hub.Error{Code: hub.CodeProtocol, Message: fmt.Sprintf("unsupported envelope type %q", e.Type)}
	}

	channel, err := hub.ParseChannelName(e.Channel)
	if err != nil {
		return hub.Command{}, err
	}
	cmd := hub.Command{Kind: kind, Conn: conn, Channel: channel, RequestID: e.RequestID}
	if kind == hub.CommandEmit {
		cmd.Event = strings.TrimSpace(e.Event)
		if cmd.Event == "" {
			return hub.Command{}, &hub.Error{Code: hub.CodeProtocol, Message: "event name is required"}
		}
		if len(e.Payload) > 0 && !json.Valid(e.Payload) {
			return hub.Command{}, &hub.Error{Code: hub.CodeProtocol, Message: "payload is not valid json"}
		}
		cmd.Payload = e.Payload
	}
	return cmd, nil
}

// FromMessage renders an outbound queue item.
func FromMessage(m hub.Message) Envelope {
	switch {
	case m.Event != nil:
		return EventEnvelope(m.Event)
	case m.Reply != nil && m.Reply.Err != nil:
		e := ErrorEnvelope(m.Reply.RequestID, m.Reply.Err)
		e.Channel = m.Reply.Channel.String()
		return e
	case m.Reply != nil:
		return Envelope{Type: TypeAck, RequestID: m.Reply.RequestID, Channel: m.Reply.Channel.String()}
	default:
		return ErrorEnvelope("", &hub.Error{Code: hub.CodeUnavailable, Message: "empty message"})
	}
}

func EventEnvelope(evt *hub.Event) Envelope {
	return Envelope{
		Type:    TypeEvent,
		Channel: evt.Channel.String(),
		Event:   evt.Name,
		Payload: evt.Payload,
		Seq:     evt.Seq,
		From:    evt.FromUser,
		Ts:      evt.At.UnixMilli(),
	}
}

func ErrorEnvelope(requestID string, err *hub.Error) Envelope {
	return Envelope{
		Type:      TypeError,
		RequestID: requestID,
		Code:      string(err.Code),
		Message:   err.Message,
	}
}

func Connected(conn hub.ConnectionID, userID string) Envelope {
	return Envelope{Type: TypeConnected, ConnID: conn.String(), UserID: userID}
}

func Pong(requestID string) Envelope {
	return Envelope{Type: TypePong, RequestID: requestID}
}

// Err returns the error carried by an error envelope, or nil.
func (e Envelope) Err() *hub.Error {
	if e.Type != TypeError {
		return nil
	}
	return &hub.Error{Code: hub.Code(e.Code), Message: e.Message}
}
