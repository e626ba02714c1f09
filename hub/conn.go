package hub

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type connState int

const (
	stateActive connState = iota + 1
	stateClosed
)

// Conn is the hub's record of one live connection. The transport only reads
// from it: Outbound delivers queued events and replies, Done is closed when
// the hub has removed the connection, and Reason tells why.
type Conn struct {
	id       ConnectionID
	session  Session
	openedAt time.Time
	outbound chan Message
	done     chan struct{}
	reason   atomic.Int32

	// owned by the hub goroutine
	state    connState
	channels map[ChannelName]struct{}
	joins    *rate.Limiter
	emits    *rate.Limiter
}

func newConn(session Session, cfg Config) *Conn {
	return &Conn{
		id:       newConnectionID(),
		session:  session,
		openedAt: time.Now(),
		outbound: make(chan Message, cfg.OutboundQueueSize),
		done:     make(chan struct{}),
		state:    stateActive,
		channels: make(map[ChannelName]struct{}),
		joins:    newLimiter(cfg.JoinRatePerSec),
		emits:    newLimiter(cfg.EmitRatePerSec),
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func allow(l *rate.Limiter) bool {
	return l == nil || l.Allow()
}

func (c *Conn) ID() ConnectionID { return c.id }

func (c *Conn) Session() Session { return c.session }

func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Outbound is the bounded queue the transport drains onto the socket.
func (c *Conn) Outbound() <-chan Message { return c.outbound }

// Done is closed once the connection has left every channel.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Reason is ReasonNone until Done is closed.
func (c *Conn) Reason() DisconnectReason {
	return DisconnectReason(c.reason.Load())
}

// enqueue never blocks; false means the queue is full.
func (c *Conn) enqueue(m Message) bool {
	select {
	case c.outbound <- m:
		return true
	default:
		return false
	}
}

func (c *Conn) discardOutbound() {
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}
