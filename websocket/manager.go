package websocket

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wailbentafat/realtime-hub/hub"
)

// ClientManager tracks live sockets so the server can close them on
// shutdown and wait for their goroutines to finish.
type ClientManager struct {
	clients sync.Map
	wg      sync.WaitGroup
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: sync.Map{},
	}
}

func (m *ClientManager) AddClient(session *ClientSession) {
	m.wg.Add(1)
	m.clients.Store(session.ID, session)
}

func (m *ClientManager) RemoveClient(id hub.ConnectionID) {
	if _, ok := m.clients.LoadAndDelete(id); ok {
		m.wg.Done()
	}
}

func (m *ClientManager) Count() int {
	n := 0
	m.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends a going-away close frame to every socket. The
// per-socket goroutines then unregister from the hub and remove themselves.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		session := value.(*ClientSession)

		log.WithField("conn_id", key).Infof("Closing connection: %s", reason)
		session.Close(websocket.CloseGoingAway, reason)

		return true
	})
}
