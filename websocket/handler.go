package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wailbentafat/realtime-hub/hub"
	"github.com/wailbentafat/realtime-hub/metrics"
	"github.com/wailbentafat/realtime-hub/protocol"
)

// Options configures the socket transport.
type Options struct {
	Path              string        `env:"REALTIME_PATH,default=/realtime/socket"`
	MaxMessageBytes   int64         `env:"REALTIME_MAX_MESSAGE_BYTES,default=65536"`
	HeartbeatInterval time.Duration `env:"REALTIME_HEARTBEAT_INTERVAL,default=20s"`
	IdleTimeout       time.Duration `env:"REALTIME_IDLE_TIMEOUT,default=60s"`
	WriteWait         time.Duration `env:"REALTIME_WRITE_WAIT,default=5s"`
	AllowQueryToken   bool          `env:"REALTIME_ALLOW_QUERY_TOKEN,default=true"`
	StrictHeader      bool          `env:"REALTIME_STRICT_HEADER,default=true"`
	AllowedOrigins    []string      `env:"REALTIME_ALLOWED_ORIGINS"`
}

func DefaultOptions() Options {
	return Options{
		Path:              "/realtime/socket",
		MaxMessageBytes:   64 << 10,
		HeartbeatInterval: 20 * time.Second,
		IdleTimeout:       60 * time.Second,
		WriteWait:         5 * time.Second,
		AllowQueryToken:   true,
		StrictHeader:      true,
	}
}

func (o Options) Validate() error {
	switch {
	case o.Path == "" || !strings.HasPrefix(o.Path, "/"):
		return errors.New("socket path must start with /")
	case o.MaxMessageBytes <= 0:
		return errors.New("max message bytes must be positive")
	case o.HeartbeatInterval <= 0:
		return errors.New("heartbeat interval must be positive")
	case o.IdleTimeout <= o.HeartbeatInterval:
		return errors.New("idle timeout must exceed the heartbeat interval")
	case o.WriteWait <= 0:
		return errors.New("write wait must be positive")
	}
	return nil
}

// Frames up to MaxMessageBytes are processed. Larger frames are answered
// with a protocol error; only frames beyond this multiple end the connection.
const hardReadLimitFactor = 4

// Hub is the part of the hub the transport drives.
type Hub interface {
	Register(ctx context.Context, session hub.Session) (*hub.Conn, error)
	Submit(ctx context.Context, cmd hub.Command) error
	Disconnect(ctx context.Context, id hub.ConnectionID, reason hub.DisconnectReason) error
}

// LifecycleNotifier is told when sockets open and close. Calls for one
// connection are made in order from a background goroutine.
type LifecycleNotifier interface {
	ConnectionOpened(ctx context.Context, conn *hub.Conn)
	ConnectionClosed(ctx context.Context, conn *hub.Conn)
}

type Handler struct {
	hub      Hub
	verifier hub.TokenVerifier
	manager  *ClientManager
	notifier LifecycleNotifier
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler builds the upgrade handler. notifier may be nil.
func NewHandler(h Hub, verifier hub.TokenVerifier, manager *ClientManager, notifier LifecycleNotifier, opts Options) *Handler {
	handler := &Handler{
		hub:      h,
		verifier: verifier,
		manager:  manager,
		notifier: notifier,
		opts:     opts,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     handler.checkOrigin,
	}
	return handler
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

var (
	errNoCredential    = errors.New("credential not provided")
	errMalformedHeader = errors.New("malformed authorization header")
)

// credential prefers the Authorization bearer header. The token query
// parameter is used only when enabled. With StrictHeader a malformed header
// is refused even if a query token is present.
func (h *Handler) credential(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	query := r.URL.Query().Get("token")

	if header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			if token := strings.TrimSpace(header[len(prefix):]); token != "" {
				return token, nil
			}
		}
		if h.opts.StrictHeader || query == "" || !h.opts.AllowQueryToken {
			return "", errMalformedHeader
		}
	}
	if query != "" && h.opts.AllowQueryToken {
		return query, nil
	}
	return "", errNoCredential
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := h.credential(r)
	if err != nil {
		metrics.Handshake("unauthorized")
		log.WithField("remote", r.RemoteAddr).WithError(err).Debug("Rejected handshake")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	session, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		metrics.Handshake("unauthorized")
		log.WithField("remote", r.RemoteAddr).WithError(err).Info("Invalid token")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.hub.Register(r.Context(), session)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrCapacity), errors.Is(err, hub.ErrHubClosed):
			metrics.Handshake("unavailable")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			metrics.Handshake("error")
			log.WithError(err).Error("Failed to register connection")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Handshake("upgrade_failed")
		log.WithField("conn_id", conn.ID()).WithError(err).Warn("WebSocket upgrade failed")
		if err := h.hub.Disconnect(context.Background(), conn.ID(), hub.ReasonHandshakeFailed); err != nil {
			log.WithError(err).Debug("Disconnect after failed upgrade")
		}
		return
	}
	metrics.Handshake("accepted")

	h.serve(ws, conn)
}

func (h *Handler) serve(ws *websocket.Conn, conn *hub.Conn) {
	session := NewClientSession(conn, ws, h.opts)
	h.manager.AddClient(session)
	defer h.manager.RemoveClient(conn.ID())

	logger := log.WithFields(logrus.Fields{
		"conn_id": conn.ID(),
		"user_id": conn.Session().UserID,
	})
	logger.Info("Connection established")

	opened := make(chan struct{})
	if h.notifier != nil {
		go func() {
			defer close(opened)
			h.notifier.ConnectionOpened(context.Background(), conn)
		}()
	} else {
		close(opened)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.SetReadLimit(h.opts.MaxMessageBytes * hardReadLimitFactor)
	ws.SetPongHandler(func(string) error {
		session.UpdateActivity()
		return nil
	})

	if err := session.SafeWriteJSON(protocol.Connected(conn.ID(), conn.Session().UserID)); err != nil {
		logger.WithError(err).Warn("Failed to send connected frame")
	}

	go session.StartPingSender(ctx)
	go session.StartActivityChecker(ctx, func() {
		logger.Info("Connection idle, closing")
		h.disconnect(conn, hub.ReasonIdleTimeout)
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(session)
	}()

	reason := h.readPump(ctx, session)
	h.disconnect(conn, reason)

	<-conn.Done()
	<-writerDone
	ws.Close()

	logger.WithField("reason", conn.Reason()).Info("Connection closed")

	if h.notifier != nil {
		go func() {
			<-opened
			h.notifier.ConnectionClosed(context.Background(), conn)
		}()
	}
}

func (h *Handler) disconnect(conn *hub.Conn, reason hub.DisconnectReason) {
	err := h.hub.Disconnect(context.Background(), conn.ID(), reason)
	if err != nil && !errors.Is(err, hub.ErrHubClosed) {
		log.WithField("conn_id", conn.ID()).WithError(err).Warn("Failed to submit disconnect")
	}
}

// readPump decodes client frames and forwards them to the hub until the
// socket fails. It returns the reason to report.
func (h *Handler) readPump(ctx context.Context, s *ClientSession) hub.DisconnectReason {
	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return hub.ReasonClientClosed
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				metrics.ProtocolError()
			}
			log.WithField("conn_id", s.ID).WithError(err).Debug("Read failed")
			return hub.ReasonSocketError
		}
		s.UpdateActivity()

		if int64(len(data)) > h.opts.MaxMessageBytes {
			h.protocolError(s, "", &hub.Error{Code: hub.CodeProtocol, Message: "message too large"})
			continue
		}
		if msgType != websocket.TextMessage {
			h.protocolError(s, "", &hub.Error{Code: hub.CodeProtocol, Message: "only text frames are accepted"})
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.protocolError(s, "", hub.AsError(err))
			continue
		}
		if env.Type == protocol.TypePing {
			if err := s.SafeWriteJSON(protocol.Pong(env.RequestID)); err != nil {
				return hub.ReasonSocketError
			}
			continue
		}

		cmd, err := env.Command(s.ID)
		if err != nil {
			h.protocolError(s, env.RequestID, hub.AsError(err))
			continue
		}
		if err := h.hub.Submit(ctx, cmd); err != nil {
			return hub.ReasonShutdown
		}
	}
}

func (h *Handler) protocolError(s *ClientSession, requestID string, herr *hub.Error) {
	metrics.ProtocolError()
	if err := s.SafeWriteJSON(protocol.ErrorEnvelope(requestID, herr)); err != nil {
		log.WithField("conn_id", s.ID).WithError(err).Debug("Failed to send protocol error")
	}
}

// writePump drains the hub's outbound queue in order. When the hub closes
// the connection it sends a close frame carrying the reason.
func (h *Handler) writePump(s *ClientSession) {
	for {
		select {
		case msg := <-s.conn.Outbound():
			if err := s.SafeWriteJSON(protocol.FromMessage(msg)); err != nil {
				log.WithField("conn_id", s.ID).WithError(err).Debug("Write failed")
				h.disconnect(s.conn, hub.ReasonSocketError)
				s.ws.Close()
				return
			}
		case <-s.conn.Done():
			code, text := closeFrameFor(s.conn.Reason())
			s.Close(code, text)
			return
		}
	}
}
