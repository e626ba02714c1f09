// Package bridge connects the hub to a message broker. Backend services
// publish events for channels or users without holding a socket, and
// connection lifecycle changes are published back for them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wailbentafat/realtime-hub/broker"
	"github.com/wailbentafat/realtime-hub/hub"
)

const (
	DefaultPublishChannel   = "realtime-publish"
	DefaultLifecycleChannel = "realtime-lifecycle"

	lifecyclePublishTimeout = 5 * time.Second
)

// Publisher is the server side publish surface of the hub.
type Publisher interface {
	Publish(ctx context.Context, channel hub.ChannelName, event string, payload json.RawMessage) error
	PublishToUser(ctx context.Context, userID, event string, payload json.RawMessage) error
}

type Relay struct {
	broker           broker.MessageBroker
	hub              Publisher
	publishChannel   string
	lifecycleChannel string
}

// NewRelay returns a relay. Empty channel names fall back to the defaults.
func NewRelay(b broker.MessageBroker, h Publisher, publishChannel, lifecycleChannel string) *Relay {
	if publishChannel == "" {
		publishChannel = DefaultPublishChannel
	}
	if lifecycleChannel == "" {
		lifecycleChannel = DefaultLifecycleChannel
	}
	return &Relay{
		broker:           b,
		hub:              h,
		publishChannel:   publishChannel,
		lifecycleChannel: lifecycleChannel,
	}
}

// Listen forwards broker messages to the hub until ctx ends or the
// subscription closes. It returns an error only if subscribing fails.
func (r *Relay) Listen(ctx context.Context) error {
	messages, err := r.broker.Subscribe(ctx, r.publishChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.publishChannel, err)
	}
	log.WithField("channel", r.publishChannel).Info("Relay listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				log.WithField("channel", r.publishChannel).Warn("Relay subscription closed")
				return nil
			}
			if err := r.Deliver(ctx, msg); err != nil {
				if errors.Is(err, hub.ErrHubClosed) {
					return nil
				}
				log.WithField("type", msg.Type).
					WithField("channel", msg.Channel).
					WithField("user_id", msg.UserID).
					WithError(err).
					Warn("Dropped relay message")
			}
		}
	}
}

// Deliver hands one broker message to the hub.
func (r *Relay) Deliver(ctx context.Context, msg broker.Message) error {
	if msg.Event == "" {
		return fmt.Errorf("%w: event name is required", hub.ErrProtocol)
	}
	switch msg.Type {
	case broker.TypeChannel:
		channel, err := hub.ParseChannelName(msg.Channel)
		if err != nil {
			return err
		}
		return r.hub.Publish(ctx, channel, msg.Event, msg.Payload)
	case broker.TypeUser:
		if msg.UserID == "" {
			return fmt.Errorf("%w: user id is required", hub.ErrProtocol)
		}
		return r.hub.PublishToUser(ctx, msg.UserID, msg.Event, msg.Payload)
	default:
		return fmt.Errorf("%w: unknown message type %q", hub.ErrProtocol, msg.Type)
	}
}

func (r *Relay) ConnectionOpened(ctx context.Context, conn *hub.Conn) {
	r.publishLifecycle(ctx, broker.Message{
		Type:   broker.TypeConnectionOpened,
		UserID: conn.Session().UserID,
		ConnID: conn.ID().String(),
	})
}

func (r *Relay) ConnectionClosed(ctx context.Context, conn *hub.Conn) {
	r.publishLifecycle(ctx, broker.Message{
		Type:   broker.TypeConnectionClosed,
		UserID: conn.Session().UserID,
		ConnID: conn.ID().String(),
		Reason: conn.Reason().String(),
	})
}

func (r *Relay) publishLifecycle(ctx context.Context, msg broker.Message) {
	ctx, cancel := context.WithTimeout(ctx, lifecyclePublishTimeout)
	defer cancel()

	if err := r.broker.Publish(ctx, r.lifecycleChannel, msg); err != nil {
		log.WithField("conn_id", msg.ConnID).
			WithField("type", msg.Type).
			WithError(err).
			Error("Failed to publish lifecycle event")
	}
}
