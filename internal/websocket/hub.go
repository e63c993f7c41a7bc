package websocket

import (
	"context"
	"sync"

	"fleetview/internal/session"
	"fleetview/internal/view"

	log "github.com/sirupsen/logrus"
)

// ViewFactory builds the view a dashboard connection will own. The client is
// passed as the view's renderer.
type ViewFactory func(cred session.Credential, renderer view.Renderer) *view.View

// Hub maintains active dashboard connections. Every connection owns exactly
// one mounted view.
type Hub struct {
	// Registered clients (clientID -> Client)
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	newView ViewFactory

	// Closed when Run returns
	done chan struct{}

	// Tracks views being unmounted so Run can wait for them on shutdown
	unmounting sync.WaitGroup

	// Mutex for thread-safe client map access
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(newView ViewFactory) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		newView:    newView,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. When ctx is done every view is unmounted
// and Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			if err := client.view.Mount(ctx); err != nil {
				log.WithField("client", client.ID).Errorf("❌ Failed to mount view: %v", err)
				h.release(client)
				continue
			}

			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()

			log.WithFields(log.Fields{
				"client": client.ID,
				"user":   client.UserID,
				"role":   client.UserRole,
				"total":  total,
			}).Info("✅ [WEBSOCKET] Dashboard CONNECTED")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.ID]
			if ok {
				delete(h.clients, client.ID)
			}
			remaining := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.release(client)
				log.WithFields(log.Fields{
					"client":    client.ID,
					"user":      client.UserID,
					"remaining": remaining,
				}).Info("🔴 [WEBSOCKET] Dashboard DISCONNECTED")
			}

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				h.release(client)
			}
			h.mu.Unlock()
			h.unmounting.Wait()
			log.Info("🛑 [WEBSOCKET] Hub stopped")
			return
		}
	}
}

// Register hands a new connection to the hub. It returns false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a connection and unmounts its view.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// release unmounts the client's view and then closes its send channel, so no
// render can hit a closed channel.
func (h *Hub) release(client *Client) {
	h.unmounting.Add(1)
	go func() {
		defer h.unmounting.Done()
		client.view.Unmount()
		client.closeSend()
	}()
}

// ViewCount returns the number of mounted views
func (h *Hub) ViewCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsClientConnected checks if a dashboard connection is currently registered
func (h *Hub) IsClientConnected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}

// GetConnectedClientIDs returns a list of all connected client IDs
func (h *Hub) GetConnectedClientIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}
