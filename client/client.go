// Package client is a Go client for the realtime hub socket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wailbentafat/realtime-hub/hub"
	"github.com/wailbentafat/realtime-hub/protocol"
	transport "github.com/wailbentafat/realtime-hub/websocket"
)

// ErrClosed is returned after Close has been called.
var ErrClosed = errors.New("client: connection closed")

const (
	defaultWriteWait     = 10 * time.Second
	defaultHandshakeWait = 10 * time.Second
	defaultMaxRetry      = 30 * time.Second
)

// Event is one channel event as seen by the client.
type Event struct {
	Channel string
	Name    string
	Payload json.RawMessage
	Seq     uint64
	From    string
	At      time.Time
}

type options struct {
	dialer          *websocket.Dialer
	header          http.Header
	maxRetryElapsed time.Duration
	writeWait       time.Duration
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithMaxRetryElapsed bounds how long Dial keeps retrying. Zero disables
// retries.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(o *options) { o.maxRetryElapsed = d }
}

func WithWriteWait(d time.Duration) Option {
	return func(o *options) { o.writeWait = d }
}

type Client struct {
	ws        *websocket.Conn
	connID    string
	userID    string
	writeWait time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan protocol.Envelope
	onEvent  []func(Event)
	channels map[string][]func(Event)
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a connection to endpoint authenticated with credential.
// Transient failures are retried with exponential backoff; rejected
// credentials are not.
func Dial(ctx context.Context, endpoint, credential string, opts ...Option) (*Client, error) {
	o := options{
		dialer:          websocket.DefaultDialer,
		header:          http.Header{},
		maxRetryElapsed: defaultMaxRetry,
		writeWait:       defaultWriteWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.header.Set("Authorization", "Bearer "+credential)

	var ws *websocket.Conn
	operation := func() error {
		conn, resp, err := o.dialer.DialContext(ctx, endpoint, o.header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				switch resp.StatusCode {
				case http.StatusUnauthorized, http.StatusForbidden:
					return backoff.Permanent(&hub.Error{Code: hub.CodeAuth, Message: resp.Status})
				case http.StatusServiceUnavailable:
					return &hub.Error{Code: hub.CodeCapacity, Message: resp.Status}
				}
			}
			return err
		}
		ws = conn
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if o.maxRetryElapsed > 0 {
		policy = backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(o.maxRetryElapsed))
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		log.WithField("endpoint", endpoint).WithError(err).Debugf("Dial failed, retrying in %s", d)
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		ws:        ws,
		writeWait: o.writeWait,
		pending:   make(map[string]chan protocol.Envelope),
		channels:  make(map[string][]func(Event)),
		done:      make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.ws.SetReadDeadline(time.Now().Add(defaultHandshakeWait)); err != nil {
		return err
	}
	var env protocol.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return fmt.Errorf("read connected frame: %w", err)
	}
	if env.Type != protocol.TypeConnected {
		return fmt.Errorf("%w: expected connected frame, got %q", hub.ErrProtocol, env.Type)
	}
	c.connID = env.ConnID
	c.userID = env.UserID
	return c.ws.SetReadDeadline(time.Time{})
}

// ConnID is the id the server assigned to this connection.
func (c *Client) ConnID() string { return c.connID }

// UserID is the authenticated user of this connection.
func (c *Client) UserID() string { return c.userID }

// OnEvent registers fn for every event. Handlers run on the reader
// goroutine in delivery order and must not block for long.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = append(c.onEvent, fn)
}

// OnChannel registers fn for events of one channel.
func (c *Client) OnChannel(channel string, fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = append(c.channels[channel], fn)
}

func (c *Client) Join(ctx context.Context, channel string) error {
	_, err := c.request(ctx, protocol.Envelope{Type: protocol.TypeJoin, Channel: channel})
	return err
}

func (c *Client) Leave(ctx context.Context, channel string) error {
	_, err := c.request(ctx, protocol.Envelope{Type: protocol.TypeLeave, Channel: channel})
	return err
}

// Emit publishes event on channel. payload is sent as JSON; a
// json.RawMessage or []byte is sent as is.
func (c *Client) Emit(ctx context.Context, channel, event string, payload interface{}) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, protocol.Envelope{Type: protocol.TypeEmit, Channel: channel, Event: event, Payload: raw})
	return err
}

// Ping round-trips a protocol ping.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Envelope{Type: protocol.TypePing})
	return err
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}

func (c *Client) request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	env.RequestID = uuid.NewString()
	reply := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}
	c.pending[env.RequestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case resp := <-reply:
		if herr := resp.Err(); herr != nil {
			return resp, herr
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		return protocol.Envelope{}, c.Err()
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(closeError(err))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("Discarding undecodable frame")
			continue
		}

		switch env.Type {
		case protocol.TypeEvent:
			c.dispatch(Event{
				Channel: env.Channel,
				Name:    env.Event,
				Payload: env.Payload,
				Seq:     env.Seq,
				From:    env.From,
				At:      time.UnixMilli(env.Ts),
			})
		case protocol.TypeAck, protocol.TypeError, protocol.TypePong:
			c.resolve(env)
		default:
			log.WithField("type", env.Type).Debug("Ignoring unexpected frame")
		}
	}
}

func (c *Client) dispatch(evt Event) {
	c.mu.Lock()
	handlers := make([]func(Event), 0, len(c.onEvent)+len(c.channels[evt.Channel]))
	handlers = append(handlers, c.onEvent...)
	handlers = append(handlers, c.channels[evt.Channel]...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

func (c *Client) resolve(env protocol.Envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.RequestID]
	c.mu.Unlock()

	if !ok {
		if env.Type == protocol.TypeError {
			log.WithField("code", env.Code).Warnf("Server error: %s", env.Message)
		}
		return
	}
	reply <- env
}

// closeError maps the server's close frame to the error reported by Err.
func closeError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return fmt.Errorf("connection lost: %w", err)
	}
	switch ce.Code {
	case transport.CloseSlowConsumer:
		return &hub.Error{Code: hub.CodeSlowConsumer, Message: ce.Text}
	case transport.CloseIdleTimeout:
		return fmt.Errorf("idle timeout: %w", err)
	default:
		return fmt.Errorf("connection closed: %w", err)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal close frame and releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeWait),
	)
	c.writeMu.Unlock()

	c.fail(ErrClosed)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
