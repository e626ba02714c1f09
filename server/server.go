package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wailbentafat/realtime-hub/broker"
	"github.com/wailbentafat/realtime-hub/hub"
	"github.com/wailbentafat/realtime-hub/metrics"
	"github.com/wailbentafat/realtime-hub/websocket"
)

const healthTimeout = 2 * time.Second

// StatsSource answers health checks.
type StatsSource interface {
	Stats(ctx context.Context) (hub.Stats, error)
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
}

// NewServer mounts the socket handler at socketPath next to /metrics and
// /healthz.
func NewServer(addr, socketPath string, wsHandler http.Handler, stats StatsSource) *Server {
	router := mux.NewRouter()
	router.Handle(socketPath, wsHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthHandler(stats)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		router:     router,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func healthHandler(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		st, err := stats.Stats(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"connections": st.Connections,
			"channels":    st.Channels,
			"users":       st.Users,
		})
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and cleans up resources. ctx
// bounds the whole sequence. stopHub stops the hub and waits for it; msgBroker
// may be nil.
func (s *Server) Shutdown(ctx context.Context, stopHub func(), clientManager *websocket.ClientManager, msgBroker broker.MessageBroker) {
	// Step 1: Stop accepting new connections
	log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}

	// Step 2: Stop the hub; every connection is closed with reason shutdown
	log.Info("Stopping hub...")
	stopHub()

	// Step 3: Close any socket still open
	log.Info("Closing WebSocket connections...")
	clientManager.CloseAllConnections("server shutting down")

	// Step 4: Wait for socket goroutines to finish
	log.Info("Waiting for pending operations...")
	done := make(chan struct{})
	go func() {
		clientManager.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All operations completed")
	case <-ctx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
	}

	// Step 5: Close message broker
	if msgBroker != nil {
		log.Info("Closing message broker...")
		if err := msgBroker.Close(); err != nil {
			log.WithError(err).Warn("Broker closure error")
		}
	}

	log.Info("Shutdown complete")
}
