// Package hub implements the realtime channel runtime: a single goroutine
// owns the channel membership table and per-channel sequence counters, and
// every connection talks to it through a bounded mailbox.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wailbentafat/realtime-hub/metrics"
)

// Stats is a snapshot of the hub's tables.
type Stats struct {
	Connections int
	Channels    int
	Users       int
}

type request struct {
	cmd  *Command
	call func()
	done chan struct{}
}

// Hub is the single writer of all membership state. Create it with New and
// start it with Run.
type Hub struct {
	cfg     Config
	policy  ChannelPolicy
	mailbox chan request
	stopped chan struct{}
	running atomic.Bool

	// owned by the Run goroutine
	conns    map[ConnectionID]*Conn
	users    map[string]map[ConnectionID]struct{}
	channels map[ChannelName]map[ConnectionID]struct{}
	seqs     map[ChannelName]uint64
}

// New builds a hub. A nil policy means DefaultPolicy.
func New(cfg Config, policy ChannelPolicy) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}
	if policy == nil {
		policy = DefaultPolicy{}
	}
	return &Hub{
		cfg:      cfg,
		policy:   policy,
		mailbox:  make(chan request, cfg.MailboxSize),
		stopped:  make(chan struct{}),
		conns:    make(map[ConnectionID]*Conn),
		users:    make(map[string]map[ConnectionID]struct{}),
		channels: make(map[ChannelName]map[ConnectionID]struct{}),
		seqs:     make(map[ChannelName]uint64),
	}, nil
}

// Run processes the mailbox until ctx is done, then disconnects every
// connection with ReasonShutdown.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("hub is already running")
	}
	log.Info("Hub started")
	defer log.Info("Hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case req := <-h.mailbox:
			h.process(req)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

func (h *Hub) process(req request) {
	if req.call != nil {
		req.call()
		close(req.done)
		return
	}
	h.handle(req.cmd)
}

func (h *Hub) shutdown() {
	for _, c := range h.conns {
		h.disconnect(c, ReasonShutdown)
	}
	close(h.stopped)
}

func (h *Hub) enqueue(ctx context.Context, req request) error {
	select {
	case <-h.stopped:
		return ErrHubClosed
	default:
	}
	select {
	case h.mailbox <- req:
		return nil
	case <-h.stopped:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the hub goroutine and waits for it. Once fn is queued the
// caller waits for it regardless of ctx so results are never lost.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.enqueue(ctx, request{call: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrHubClosed
		}
	}
}

// Submit queues cmd, blocking while the mailbox is full.
func (h *Hub) Submit(ctx context.Context, cmd Command) error {
	return h.enqueue(ctx, request{cmd: &cmd})
}

// Join queues a join of channel for connection id. The outcome arrives on the
// connection's outbound queue as a reply.
func (h *Hub) Join(ctx context.Context, id ConnectionID, channel ChannelName, requestID string) error {
	return h.Submit(ctx, Command{Kind: CommandJoin, Conn: id, Channel: channel, RequestID: requestID})
}

// Leave queues a leave of channel. Leaving a channel the connection is not in
// succeeds.
func (h *Hub) Leave(ctx context.Context, id ConnectionID, channel ChannelName, requestID string) error {
	return h.Submit(ctx, Command{Kind: CommandLeave, Conn: id, Channel: channel, RequestID: requestID})
}

// Emit queues an event from connection id to every member of channel.
func (h *Hub) Emit(ctx context.Context, id ConnectionID, channel ChannelName, event string, payload json.RawMessage, requestID string) error {
	return h.Submit(ctx, Command{
		Kind:      CommandEmit,
		Conn:      id,
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		RequestID: requestID,
	})
}

// Disconnect queues removal of connection id. Done on its Conn is closed once
// the hub has processed it.
func (h *Hub) Disconnect(ctx context.Context, id ConnectionID, reason DisconnectReason) error {
	return h.Submit(ctx, Command{Kind: CommandDisconnect, Conn: id, Reason: reason})
}

// Register creates the hub record for an authenticated session.
func (h *Hub) Register(ctx context.Context, session Session) (*Conn, error) {
	var (
		conn *Conn
		rerr error
	)
	err := h.call(ctx, func() {
		conn, rerr = h.register(session)
	})
	if err != nil {
		return nil, err
	}
	return conn, rerr
}

// Publish delivers a server originated event to every member of channel.
// The channel policy is not consulted. Publishing to a channel without
// members is a no-op and consumes no sequence number.
func (h *Hub) Publish(ctx context.Context, channel ChannelName, event string, payload json.RawMessage) error {
	return h.call(ctx, func() {
		members := h.channels[channel]
		if len(members) == 0 {
			return
		}
		evt := h.nextEvent(channel, event, payload, "", "")
		h.broadcast(evt, members, "")
	})
}

// PublishToUser delivers an event on the user's private channel to every
// connection of userID, whether or not it joined that channel. It is a no-op
// when the user has no connections.
func (h *Hub) PublishToUser(ctx context.Context, userID, event string, payload json.RawMessage) error {
	return h.call(ctx, func() {
		conns := h.users[userID]
		if len(conns) == 0 {
			return
		}
		evt := h.nextEvent(UserChannel(userID), event, payload, "", "")
		h.broadcast(evt, conns, "")
	})
}

// Members returns the connection ids currently in channel, sorted.
func (h *Hub) Members(ctx context.Context, channel ChannelName) ([]ConnectionID, error) {
	var out []ConnectionID
	err := h.call(ctx, func() {
		for id := range h.channels[channel] {
			out = append(out, id)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

// ChannelsOf returns the channels id belongs to, sorted.
func (h *Hub) ChannelsOf(ctx context.Context, id ConnectionID) ([]ChannelName, error) {
	var (
		out   []ChannelName
		found bool
	)
	err := h.call(ctx, func() {
		c, ok := h.conns[id]
		if !ok {
			return
		}
		found = true
		for ch := range c.channels {
			out = append(out, ch)
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidState
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Stats counts live connections, channels with members and distinct users.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.call(ctx, func() {
		s = Stats{Connections: len(h.conns), Channels: len(h.channels), Users: len(h.users)}
	})
	return s, err
}

func (h *Hub) register(session Session) (*Conn, error) {
	if len(h.conns) >= h.cfg.MaxConnections {
		return nil, ErrCapacity
	}
	c := newConn(session, h.cfg)
	h.conns[c.id] = c
	if h.users[session.UserID] == nil {
		h.users[session.UserID] = make(map[ConnectionID]struct{})
	}
	h.users[session.UserID][c.id] = struct{}{}
	metrics.ConnectionOpened()

	if h.cfg.AutoJoinUserChannel && session.UserID != "" {
		h.addMember(c, UserChannel(session.UserID))
	}
	h.connLog(c).Debug("Connection registered")
	return c, nil
}

func (h *Hub) handle(cmd *Command) {
	c, ok := h.conns[cmd.Conn]
	if !ok || c.state != stateActive {
		if cmd.Kind != CommandDisconnect {
			metrics.CommandRejected(cmd.Kind.String(), string(CodeInvalidState))
			log.WithField("conn_id", cmd.Conn).
				WithField("command", cmd.Kind.String()).
				Debug("Command for inactive connection rejected")
		}
		return
	}

	switch cmd.Kind {
	case CommandJoin:
		h.join(c, cmd)
	case CommandLeave:
		h.leave(c, cmd)
	case CommandEmit:
		h.emit(c, cmd)
	case CommandDisconnect:
		h.disconnect(c, cmd.Reason)
	default:
		h.reply(c, cmd, newError(CodeProtocol, "unknown command"))
	}
}

func (h *Hub) join(c *Conn, cmd *Command) {
	if !allow(c.joins) {
		h.reply(c, cmd, ErrRateLimited)
		return
	}
	if !h.policy.CanJoin(c.session, cmd.Channel) {
		h.reply(c, cmd, ErrPolicyDenied)
		return
	}
	if _, member := c.channels[cmd.Channel]; member {
		h.reply(c, cmd, nil)
		return
	}
	if len(c.channels) >= h.cfg.MaxChannelsPerConnection {
		h.reply(c, cmd, ErrChannelLimit)
		return
	}
	h.addMember(c, cmd.Channel)
	h.reply(c, cmd, nil)
}

func (h *Hub) leave(c *Conn, cmd *Command) {
	h.removeMember(c, cmd.Channel)
	h.reply(c, cmd, nil)
}

func (h *Hub) emit(c *Conn, cmd *Command) {
	if !allow(c.emits) {
		h.reply(c, cmd, ErrRateLimited)
		return
	}
	if !h.policy.CanEmit(c.session, cmd.Channel, cmd.Event) {
		h.reply(c, cmd, ErrPolicyDenied)
		return
	}
	if _, member := c.channels[cmd.Channel]; !member {
		h.reply(c, cmd, ErrNotAMember)
		return
	}

	evt := h.nextEvent(cmd.Channel, cmd.Event, cmd.Payload, c.id, c.session.UserID)
	var skip ConnectionID
	if !h.echo(c.session, cmd.Channel, cmd.Event) {
		skip = c.id
	}
	h.broadcast(evt, h.channels[cmd.Channel], skip)
	h.reply(c, cmd, nil)
}

func (h *Hub) echo(s Session, channel ChannelName, event string) bool {
	if p, ok := h.policy.(EchoPolicy); ok {
		return p.Echo(s, channel, event)
	}
	return h.cfg.EchoToSender
}

func (h *Hub) nextEvent(channel ChannelName, name string, payload json.RawMessage, from ConnectionID, fromUser string) *Event {
	h.seqs[channel]++
	return &Event{
		Channel:  channel,
		Name:     name,
		Payload:  payload,
		From:     from,
		FromUser: fromUser,
		Seq:      h.seqs[channel],
		At:       time.Now(),
	}
}

// broadcast never blocks: members whose queue is full are disconnected
// after everyone else has been served.
func (h *Hub) broadcast(evt *Event, members map[ConnectionID]struct{}, skip ConnectionID) {
	var (
		slow      []*Conn
		delivered int
	)
	for id := range members {
		if id == skip {
			continue
		}
		c := h.conns[id]
		if c == nil {
			continue
		}
		if c.enqueue(Message{Event: evt}) {
			delivered++
			continue
		}
		slow = append(slow, c)
	}
	metrics.EventPublished(delivered)
	for _, c := range slow {
		h.disconnect(c, ReasonSlowConsumer)
	}
}

// reply is silent for successful commands without a request id.
func (h *Hub) reply(c *Conn, cmd *Command, err *Error) {
	if err != nil {
		metrics.CommandRejected(cmd.Kind.String(), string(err.Code))
	}
	if c.state != stateActive || (err == nil && cmd.RequestID == "") {
		return
	}
	r := &Reply{RequestID: cmd.RequestID, Kind: cmd.Kind, Channel: cmd.Channel, Err: err}
	if !c.enqueue(Message{Reply: r}) {
		h.disconnect(c, ReasonSlowConsumer)
	}
}

func (h *Hub) addMember(c *Conn, channel ChannelName) {
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[ConnectionID]struct{})
		h.channels[channel] = members
		metrics.SetChannels(len(h.channels))
	}
	members[c.id] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) removeMember(c *Conn, channel ChannelName) {
	delete(c.channels, channel)
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.channels, channel)
		metrics.SetChannels(len(h.channels))
	}
}

func (h *Hub) disconnect(c *Conn, reason DisconnectReason) {
	if c.state == stateClosed {
		return
	}
	for ch := range c.channels {
		h.removeMember(c, ch)
	}
	delete(h.conns, c.id)
	if ids := h.users[c.session.UserID]; ids != nil {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(h.users, c.session.UserID)
		}
	}
	c.state = stateClosed
	c.reason.Store(int32(reason))
	close(c.done)
	c.discardOutbound()
	metrics.ConnectionClosed(reason.String())

	entry := h.connLog(c).WithField("reason", reason.String())
	if reason == ReasonSlowConsumer {
		entry.Warn("Slow consumer disconnected")
		return
	}
	entry.Debug("Connection unregistered")
}

func (h *Hub) connLog(c *Conn) *logrus.Entry {
	return log.WithField("conn_id", c.id).WithField("user_id", c.session.UserID)
}
