package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huddle-chat/huddle/internal/presence"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// Hub owns the connection-id to peer table and turns outbound events into
// frames. It is the delivery side of the presence registry: the registry
// answers "which connection", the hub answers "which socket".
//
// A user whose registry entry points at a connection the hub no longer holds
// is effectively offline; the event is dropped with the reason recorded.
type Hub struct {
	registry *presence.Registry

	mu    sync.Mutex
	peers map[string]*wsPeer
}

// NewHub creates a hub resolving users through the given registry.
func NewHub(registry *presence.Registry) *Hub {
	return &Hub{
		registry: registry,
		peers:    make(map[string]*wsPeer),
	}
}

func (h *Hub) register(connectionID string, peer *wsPeer) {
	h.mu.Lock()
	h.peers[connectionID] = peer
	h.mu.Unlock()
}

// unregister drops the table entry only when it still points at this peer, so
// a reconnect that already replaced the entry is left alone.
func (h *Hub) unregister(connectionID string, peer *wsPeer) {
	h.mu.Lock()
	if current, ok := h.peers[connectionID]; ok && current == peer {
		delete(h.peers, connectionID)
	}
	h.mu.Unlock()
}

func (h *Hub) peer(connectionID string) (*wsPeer, bool) {
	h.mu.Lock()
	peer, ok := h.peers[connectionID]
	h.mu.Unlock()
	return peer, ok
}

// Send pushes one event to the user's live connection. Undeliverable events
// are dropped, never queued; the Delivery result says why.
func (h *Hub) Send(_ context.Context, userID string, event presence.Event) presence.Delivery {
	connectionID, ok := h.registry.Resolve(userID)
	if !ok {
		return presence.Skipped(presence.ReasonOffline)
	}
	peer, ok := h.peer(connectionID)
	if !ok {
		return presence.Skipped(presence.ReasonUnknownPeer)
	}
	if err := peer.writeFrame(wsFrame{Type: event.Type, Payload: mustJSON(event.Payload)}); err != nil {
		return presence.Skipped(presence.ReasonWriteFailed)
	}
	return presence.Delivered()
}

var _ presence.Sender = (*Hub)(nil)
