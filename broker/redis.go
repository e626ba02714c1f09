package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	publishAttempts    = 3
	publishFirstDelay  = 100 * time.Millisecond
	publishMaxDelay    = 5 * time.Second
	connectTimeout     = 5 * time.Second
	subscriptionBuffer = 256
)

// RedisBroker relays hub messages over Redis pub/sub so backend services can
// reach sockets held by this process.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to addr and fails unless the server answers PING.
func NewRedisBroker(ctx context.Context, addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}
	return &RedisBroker{client: client}, nil
}

// MarshalBinary lets go-redis publish a Message as its JSON body.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

func publishPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(publishFirstDelay),
		backoff.WithMaxInterval(publishMaxDelay),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, publishAttempts), ctx)
}

// Publish sends message on channel, retrying transient Redis errors.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	send := func() error {
		return b.client.Publish(ctx, channel, message).Err()
	}
	return backoff.RetryNotify(send, publishPolicy(ctx), func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"channel": channel,
			"type":    message.Type,
		}).WithError(err).Warnf("Publish failed, retrying in %s", wait)
	})
}

// Subscribe confirms the subscription with Redis and then streams decoded
// messages. Undecodable payloads are logged and skipped. The returned channel
// closes when ctx ends or Redis drops the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Message, subscriptionBuffer)
	go b.forward(ctx, channel, sub, out)
	return out, nil
}

func (b *RedisBroker) forward(ctx context.Context, channel string, sub *redis.PubSub, out chan<- Message) {
	defer close(out)
	defer sub.Close()

	incoming := sub.Channel()
	for {
		var raw *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-incoming:
			if !ok {
				return
			}
			raw = m
		}

		var msg Message
		if err := msg.UnmarshalBinary([]byte(raw.Payload)); err != nil {
			log.WithField("channel", channel).WithError(err).Warn("Skipping undecodable message")
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
