package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoJoinUserChannel = false
	cfg.EmitRatePerSec = 0
	cfg.JoinRatePerSec = 0
	return cfg
}

func startHub(t *testing.T, cfg Config, policy ChannelPolicy) *Hub {
	t.Helper()
	h, err := New(cfg, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func register(t *testing.T, h *Hub, userID string, roles ...string) *Conn {
	t.Helper()
	c, err := h.Register(context.Background(), NewSession(userID, roles, ""))
	require.NoError(t, err)
	return c
}

func recv(t *testing.T, c *Conn) Message {
	t.Helper()
	select {
	case m := <-c.Outbound():
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message on %s", c.ID())
		return Message{}
	}
}

func recvReply(t *testing.T, c *Conn) *Reply {
	t.Helper()
	m := recv(t, c)
	require.NotNil(t, m.Reply, "expected a reply, got %+v", m)
	return m.Reply
}

func recvEvent(t *testing.T, c *Conn) *Event {
	t.Helper()
	m := recv(t, c)
	require.NotNil(t, m.Event, "expected an event, got %+v", m)
	return m.Event
}

// requireIdle waits for the hub to drain everything queued before it and
// then checks that c received nothing.
func requireIdle(t *testing.T, h *Hub, c *Conn) {
	t.Helper()
	_, err := h.Stats(context.Background())
	require.NoError(t, err)
	select {
	case m := <-c.Outbound():
		t.Fatalf("unexpected message for %s: %+v", c.ID(), m)
	default:
	}
}

func joinOK(t *testing.T, h *Hub, c *Conn, channel ChannelName) {
	t.Helper()
	require.NoError(t, h.Join(context.Background(), c.ID(), channel, "join-"+string(channel)))
	r := recvReply(t, c)
	require.Nil(t, r.Err)
	require.Equal(t, CommandJoin, r.Kind)
}

type denyPolicy struct {
	channel ChannelName
	noEcho  bool
}

func (p denyPolicy) CanJoin(_ Session, ch ChannelName) bool { return ch != p.channel }

func (p denyPolicy) CanEmit(_ Session, ch ChannelName, _ string) bool { return ch != p.channel }

func (p denyPolicy) Echo(Session, ChannelName, string) bool { return !p.noEcho }

func TestLobbyScenario(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	a := register(t, h, "alice")
	b := register(t, h, "bob")

	joinOK(t, h, a, "lobby")
	joinOK(t, h, b, "lobby")

	require.NoError(t, h.Publish(ctx, "lobby", "warmup", nil))
	prior := recvEvent(t, b)
	recvEvent(t, a)

	require.NoError(t, h.Emit(ctx, a.ID(), "lobby", "ping", json.RawMessage(`{"x":1}`), "r1"))

	evt := recvEvent(t, b)
	assert.Equal(t, "ping", evt.Name)
	assert.JSONEq(t, `{"x":1}`, string(evt.Payload))
	assert.Greater(t, evt.Seq, prior.Seq)
	assert.Equal(t, a.ID(), evt.From)
	assert.Equal(t, "alice", evt.FromUser)
	requireIdle(t, h, b)

	echo := recvEvent(t, a)
	assert.Equal(t, evt.Seq, echo.Seq)
	ack := recvReply(t, a)
	assert.Equal(t, "r1", ack.RequestID)
	assert.Nil(t, ack.Err)

	require.NoError(t, h.Disconnect(ctx, a.ID(), ReasonClientClosed))
	<-a.Done()
	assert.Equal(t, ReasonClientClosed, a.Reason())

	members, err := h.Members(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []ConnectionID{b.ID()}, members)
}

func TestPolicyDeniedJoinLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), denyPolicy{channel: "secret"})
	c := register(t, h, "mallory")

	require.NoError(t, h.Join(ctx, c.ID(), "secret", "r1"))
	r := recvReply(t, c)
	require.NotNil(t, r.Err)
	assert.ErrorIs(t, r.Err, ErrPolicyDenied)
	assert.Equal(t, "r1", r.RequestID)

	members, err := h.Members(ctx, "secret")
	require.NoError(t, err)
	assert.Empty(t, members)

	channels, err := h.ChannelsOf(ctx, c.ID())
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestPolicyDeniedEmit(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), denyPolicy{channel: "readonly"})
	c := register(t, h, "carol")

	require.NoError(t, h.Emit(ctx, c.ID(), "readonly", "msg", nil, "r1"))
	assert.ErrorIs(t, recvReply(t, c).Err, ErrPolicyDenied)
}

func TestEmitRequiresMembership(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	outsider := register(t, h, "eve")
	member := register(t, h, "bob")
	joinOK(t, h, member, "room")

	require.NoError(t, h.Emit(ctx, outsider.ID(), "room", "shout", nil, "r1"))
	r := recvReply(t, outsider)
	assert.ErrorIs(t, r.Err, ErrNotAMember)
	requireIdle(t, h, member)
}

func TestPerChannelOrdering(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	a := register(t, h, "alice")
	b := register(t, h, "bob")
	joinOK(t, h, a, "orders")
	joinOK(t, h, b, "orders")

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			_ = h.Emit(ctx, a.ID(), "orders", "tick", payload, "")
		}
	}()

	var last uint64
	for i := 0; i < n; i++ {
		evt := recvEvent(t, b)
		var body struct{ I int }
		require.NoError(t, json.Unmarshal(evt.Payload, &body))
		assert.Equal(t, i, body.I)
		assert.Greater(t, evt.Seq, last)
		last = evt.Seq
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OutboundQueueSize = 4
	cfg.EchoToSender = false
	h := startHub(t, cfg, AllowAll{})

	sender := register(t, h, "alice")
	fast := register(t, h, "bob")
	slow := register(t, h, "carol")
	for _, c := range []*Conn{sender, fast, slow} {
		require.NoError(t, h.Join(ctx, c.ID(), "feed", ""))
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Emit(ctx, sender.ID(), "feed", "tick", nil, ""))
		evt := recvEvent(t, fast)
		assert.Equal(t, uint64(i+1), evt.Seq)
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
	assert.Equal(t, ReasonSlowConsumer, slow.Reason())

	members, err := h.Members(ctx, "feed")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ConnectionID{sender.ID(), fast.ID()}, members)
}

func TestDisconnectRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	c := register(t, h, "dave")
	other := register(t, h, "erin")
	channels := []ChannelName{"a", "b", "c"}
	for _, ch := range channels {
		joinOK(t, h, c, ch)
		joinOK(t, h, other, ch)
	}

	require.NoError(t, h.Disconnect(ctx, c.ID(), ReasonSocketError))
	for _, ch := range channels {
		members, err := h.Members(ctx, ch)
		require.NoError(t, err)
		assert.Equal(t, []ConnectionID{other.ID()}, members)
	}
	<-c.Done()

	// queued commands of a closed connection are rejected without effect
	require.NoError(t, h.Join(ctx, c.ID(), "d", "late"))
	members, err := h.Members(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, h.Publish(ctx, "a", "after", nil))
	recvEvent(t, other)
	select {
	case m := <-c.Outbound():
		t.Fatalf("closed connection received %+v", m)
	default:
	}

	_, err = h.ChannelsOf(ctx, c.ID())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	c := register(t, h, "frank")

	require.NoError(t, h.Leave(ctx, c.ID(), "nowhere", "r1"))
	r := recvReply(t, c)
	assert.Nil(t, r.Err)
	assert.Equal(t, CommandLeave, r.Kind)

	joinOK(t, h, c, "room")
	require.NoError(t, h.Leave(ctx, c.ID(), "room", "r2"))
	assert.Nil(t, recvReply(t, c).Err)
	members, err := h.Members(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestJoinTwiceIsSingleMembership(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	c := register(t, h, "gina")
	joinOK(t, h, c, "room")
	joinOK(t, h, c, "room")

	members, err := h.Members(ctx, "room")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSequenceSurvivesChannelRecreation(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	c := register(t, h, "hank")

	joinOK(t, h, c, "room")
	require.NoError(t, h.Emit(ctx, c.ID(), "room", "one", nil, ""))
	assert.Equal(t, uint64(1), recvEvent(t, c).Seq)

	require.NoError(t, h.Leave(ctx, c.ID(), "room", ""))
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Channels)

	joinOK(t, h, c, "room")
	require.NoError(t, h.Emit(ctx, c.ID(), "room", "two", nil, ""))
	assert.Equal(t, uint64(2), recvEvent(t, c).Seq)
}

func TestPublishWithoutMembersKeepsNoCounter(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), AllowAll{})
	c := register(t, h, "ivy")

	for i := 0; i < 200; i++ {
		ch := ChannelName(fmt.Sprintf("churn-%d", i))
		joinOK(t, h, c, ch)
		require.NoError(t, h.Leave(ctx, c.ID(), ch, ""))
		require.NoError(t, h.Publish(ctx, ch, "late", nil))
	}
	require.NoError(t, h.PublishToUser(ctx, "nobody", "notice", nil))

	var counters int
	require.NoError(t, h.call(ctx, func() { counters = len(h.seqs) }))
	assert.Zero(t, counters)
	requireIdle(t, h, c)

	joinOK(t, h, c, "churn-0")
	require.NoError(t, h.Publish(ctx, "churn-0", "first", nil))
	assert.Equal(t, uint64(1), recvEvent(t, c).Seq)
}

func TestNoEchoPolicy(t *testing.T) {
	ctx := context.Background()
	h := startHub(t, testConfig(), denyPolicy{noEcho: true})
	a := register(t, h, "alice")
	b := register(t, h, "bob")
	joinOK(t, h, a, "room")
	joinOK(t, h, b, "room")

	require.NoError(t, h.Emit(ctx, a.ID(), "room", "hi", nil, "r1"))
	assert.Equal(t, "hi", recvEvent(t, b).Name)
	r := recvReply(t, a)
	assert.Equal(t, "r1", r.RequestID)
	requireIdle(t, h, a)
}

func TestRegisterAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	h := startHub(t, cfg, AllowAll{})
	register(t, h, "one")

	_, err := h.Register(context.Background(), NewSession("two", nil, ""))
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestRateLimitedJoin(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.JoinRatePerSec = 1
	h := startHub(t, cfg, AllowAll{})
	c := register(t, h, "ivan")

	joinOK(t, h, c, "a")
	require.NoError(t, h.Join(ctx, c.ID(), "b", "r2"))
	assert.ErrorIs(t, recvReply(t, c).Err, ErrRateLimited)
}

func TestChannelLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxChannelsPerConnection = 1
	h := startHub(t, cfg, AllowAll{})
	c := register(t, h, "judy")

	joinOK(t, h, c, "a")
	require.NoError(t, h.Join(ctx, c.ID(), "b", "r2"))
	assert.ErrorIs(t, recvReply(t, c).Err, ErrChannelLimit)
}

func TestAutoJoinAndPublishToUser(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AutoJoinUserChannel = true
	h := startHub(t, cfg, DefaultPolicy{})
	phone := register(t, h, "kate")
	laptop := register(t, h, "kate")
	other := register(t, h, "leo")

	channels, err := h.ChannelsOf(ctx, phone.ID())
	require.NoError(t, err)
	assert.Equal(t, []ChannelName{"user:kate"}, channels)

	require.NoError(t, h.PublishToUser(ctx, "kate", "notice", json.RawMessage(`"hello"`)))
	for _, c := range []*Conn{phone, laptop} {
		evt := recvEvent(t, c)
		assert.Equal(t, ChannelName("user:kate"), evt.Channel)
		assert.Equal(t, "notice", evt.Name)
		assert.Empty(t, evt.From)
	}
	requireIdle(t, h, other)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 3, Channels: 2, Users: 2}, stats)
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	h, err := New(testConfig(), AllowAll{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c, err := h.Register(context.Background(), NewSession("mike", nil, ""))
	require.NoError(t, err)

	cancel()
	<-h.Done()
	<-c.Done()
	assert.Equal(t, ReasonShutdown, c.Reason())

	_, err = h.Register(context.Background(), NewSession("nina", nil, ""))
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, h.Join(context.Background(), c.ID(), "x", ""), ErrHubClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueueSize = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
