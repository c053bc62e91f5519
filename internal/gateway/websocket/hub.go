// Package websocket provides the read-only gateway that fans workspace bus
// events out to connected UI clients. It carries no domain state; every frame
// is a bus event serialized as JSON.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// outbound is one serialized event addressed to a workspace's clients.
type outbound struct {
	workspaceID int64
	data        []byte
}

// workspaceGroup holds the clients watching one workspace and the bus
// subscription feeding them. The subscription lives as long as the group.
type workspaceGroup struct {
	clients map[*Client]bool
	sub     bus.Subscription
}

// Hub manages WebSocket client connections grouped by workspace.
type Hub struct {
	bus bus.EventBus

	workspaces map[int64]*workspaceGroup

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub backed by the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        eventBus,
		workspaces: make(map[int64]*workspaceGroup),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients across all workspaces.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, group := range h.workspaces {
		n += len(group.clients)
	}
	return n
}

// addClient attaches a client to its workspace group, creating the group and
// its bus subscription on first use.
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.workspaces[client.workspaceID]
	if !ok {
		group = &workspaceGroup{clients: make(map[*Client]bool)}
		sub, err := h.bus.Subscribe(events.WorkspaceSubject(client.workspaceID), h.eventHandler(client.workspaceID))
		if err != nil {
			h.logger.Error("Failed to subscribe to workspace events",
				zap.Int64("workspace_id", client.workspaceID), zap.Error(err))
			close(client.send)
			return
		}
		group.sub = sub
		h.workspaces[client.workspaceID] = group
	}
	group.clients[client] = true

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.Int64("workspace_id", client.workspaceID))
}

// removeClient detaches a client; the workspace subscription is dropped when
// the last client leaves.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.workspaces[client.workspaceID]
	if !ok || !group.clients[client] {
		return
	}
	delete(group.clients, client)
	close(client.send)

	if len(group.clients) == 0 {
		if group.sub != nil {
			_ = group.sub.Unsubscribe()
		}
		delete(h.workspaces, client.workspaceID)
	}

	h.logger.Debug("Client unregistered",
		zap.String("client_id", client.ID),
		zap.Int64("workspace_id", client.workspaceID))
}

// eventHandler serializes bus events for one workspace onto the broadcast
// channel. A full channel drops the event; clients resync from REST state,
// events are change notifications only.
func (h *Hub) eventHandler(workspaceID int64) bus.EventHandler {
	return func(_ context.Context, event *bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Failed to marshal event", zap.String("type", event.Type), zap.Error(err))
			return nil
		}
		select {
		case h.broadcast <- outbound{workspaceID: workspaceID, data: data}:
		default:
			h.logger.Warn("Broadcast buffer full, dropping event", zap.String("type", event.Type))
		}
		return nil
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group, ok := h.workspaces[msg.workspaceID]
	if !ok {
		return
	}
	for client := range group.clients {
		select {
		case client.send <- msg.data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, group := range h.workspaces {
		for client := range group.clients {
			close(client.send)
		}
		if group.sub != nil {
			_ = group.sub.Unsubscribe()
		}
		delete(h.workspaces, id)
	}
}
