package hub

import (
	"encoding/json"
	"time"
)

// CommandKind enumerates what a connection can ask the hub to do.
type CommandKind int

const (
	CommandJoin CommandKind = iota + 1
	CommandLeave
	CommandEmit
	CommandDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CommandJoin:
		return "join"
	case CommandLeave:
		return "leave"
	case CommandEmit:
		return "emit"
	case CommandDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Command is submitted by a connection and consumed only by the hub.
type Command struct {
	Kind      CommandKind
	Conn      ConnectionID
	Channel   ChannelName
	Event     string
	Payload   json.RawMessage
	RequestID string
	Reason    DisconnectReason
}

// DisconnectReason records why a connection was closed.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonClientClosed
	ReasonSocketError
	ReasonIdleTimeout
	ReasonSlowConsumer
	ReasonHandshakeFailed
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client_closed"
	case ReasonSocketError:
		return "socket_error"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonSlowConsumer:
		return string(CodeSlowConsumer)
	case ReasonHandshakeFailed:
		return "handshake_failed"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Event is one message delivered to every member of a channel. Seq is
// assigned by the hub and strictly increases per channel.
type Event struct {
	Channel  ChannelName
	Name     string
	Payload  json.RawMessage
	From     ConnectionID
	FromUser string
	Seq      uint64
	At       time.Time
}

// Reply answers a command that carried a request id. Err is nil on success.
type Reply struct {
	RequestID string
	Kind      CommandKind
	Channel   ChannelName
	Err       *Error
}

// Message is one item of a connection's outbound queue. Exactly one of
// Event and Reply is set.
type Message struct {
	Event *Event
	Reply *Reply
}
