package broker

import (
	"context"
	"encoding/json"
)

// Message types carried on the relay channels.
const (
	TypeChannel          = "channel"
	TypeUser             = "user"
	TypeConnectionOpened = "connection_opened"
	TypeConnectionClosed = "connection_closed"
)

// Message is the JSON body published on a broker channel.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	ConnID  string          `json:"conn_id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// MessageBroker is the pub/sub transport between this process and backend
// services.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error

	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Close() error
}
