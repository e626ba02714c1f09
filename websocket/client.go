package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wailbentafat/realtime-hub/hub"
)

// Close codes sent when the hub removes a connection.
const (
	CloseIdleTimeout  = 4002
	CloseSlowConsumer = 4008
)

const activityCheckDivisor = 4

// ClientSession is the socket side of one hub connection.
type ClientSession struct {
	ID           hub.ConnectionID
	conn         *hub.Conn
	ws           *websocket.Conn
	opts         Options
	lastActivity int64 // UnixNano timestamp
	mu           sync.Mutex
}

func NewClientSession(conn *hub.Conn, ws *websocket.Conn, opts Options) *ClientSession {
	return &ClientSession{
		ID:           conn.ID(),
		conn:         conn,
		ws:           ws,
		opts:         opts,
		lastActivity: time.Now().UnixNano(),
	}
}

// SafeWriteJSON serializes data frames; gorilla allows one concurrent writer.
func (s *ClientSession) SafeWriteJSON(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		return err
	}
	return s.ws.WriteJSON(data)
}

func (s *ClientSession) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *ClientSession) StartPingSender(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.ws.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(s.opts.WriteWait),
			)
			if err != nil {
				log.WithField("conn_id", s.ID).WithError(err).Debug("Ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartActivityChecker calls onTimeout once if nothing, pongs included, has
// been read for IdleTimeout.
func (s *ClientSession) StartActivityChecker(ctx context.Context, onTimeout func()) {
	interval := s.opts.IdleTimeout / activityCheckDivisor
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > s.opts.IdleTimeout {
				onTimeout()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) Close(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.opts.WriteWait),
	)
	if err != nil {
		log.WithField("conn_id", s.ID).WithError(err).Debug("Error sending close message")
	}
	return s.ws.Close()
}

func closeFrameFor(reason hub.DisconnectReason) (int, string) {
	switch reason {
	case hub.ReasonSlowConsumer:
		return CloseSlowConsumer, reason.String()
	case hub.ReasonIdleTimeout:
		return CloseIdleTimeout, reason.String()
	case hub.ReasonShutdown:
		return websocket.CloseGoingAway, reason.String()
	default:
		return websocket.CloseNormalClosure, reason.String()
	}
}
