package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dmsync/internal/events"

	"go.uber.org/zap"
)

const (
	maxConnectionsPerUser = 10
	presenceTimeout       = 2 * time.Second
)

// PresenceTracker counts connections across instances and remembers whom a
// user is typing to, so whichever instance closes the user's last connection
// can send peer_offline. Without one the hub only knows about its own
// connections.
type PresenceTracker interface {
	TrackConnection(ctx context.Context, userID, clientID string) error
	ReleaseConnection(ctx context.Context, userID, clientID string) (int64, error)
	Refresh(ctx context.Context, userID string) error
	AddTypingTarget(ctx context.Context, userID, peerID string) error
	RemoveTypingTarget(ctx context.Context, userID, peerID string) error
	TakeTypingTargets(ctx context.Context, userID string) ([]string, error)
}

// Hub maintains the set of active clients, one room per user id, and
// delivers encoded frames to every connection in a room.
type Hub struct {
	rooms      map[string]map[string]*Client
	typing     map[string]map[string]struct{}
	register   chan *Client
	unregister chan *Client
	publisher  events.Publisher
	presence   PresenceTracker
	logger     *WebSocketLogger
	mu         sync.RWMutex
	stopChan   chan struct{}
	stopOnce   sync.Once
	isRunning  int32
}

// NewHub creates a hub that delivers locally. Use SetPublisher to route
// deliveries through a cross-instance bus.
func NewHub() *Hub {
	h := &Hub{
		rooms:      make(map[string]map[string]*Client),
		typing:     make(map[string]map[string]struct{}),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		logger:     NewWebSocketLogger(),
		stopChan:   make(chan struct{}),
	}
	h.publisher = LocalDeliverer{hub: h}
	return h
}

// SetPublisher replaces the deliverer used for hub-originated frames.
func (h *Hub) SetPublisher(p events.Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// SetPresence enables cross-instance connection counting.
func (h *Hub) SetPresence(p PresenceTracker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = p
}

func (h *Hub) Publisher() events.Publisher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.publisher
}

// Run processes registrations until ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	atomic.StoreInt32(&h.isRunning, 1)
	defer atomic.StoreInt32(&h.isRunning, 0)

	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(ctx, client)

		case <-ctx.Done():
			h.Stop()
			return

		case <-h.stopChan:
			return
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopChan:
		client.close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopChan:
	}
}

func (h *Hub) handleRegister(client *Client) {
	var evicted *Client

	h.mu.Lock()
	room := h.rooms[client.userID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[client.userID] = room
	}

	if len(room) >= maxConnectionsPerUser {
		for _, c := range room {
			if evicted == nil || c.connectedAt.Before(evicted.connectedAt) {
				evicted = c
			}
		}
		h.logger.Warn("max connections per user reached", client.userID, evicted.clientID)
		delete(room, evicted.clientID)
		evicted.close()
	}

	room[client.clientID] = client
	h.logger.Info("client connected", client.userID, client.clientID, zap.Int("room_size", len(room)))
	presence := h.presence
	h.mu.Unlock()

	if presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := presence.TrackConnection(ctx, client.userID, client.clientID); err != nil {
			h.logger.Error("presence track failed", client.userID, client.clientID, err)
		}
		if evicted != nil {
			if _, err := presence.ReleaseConnection(ctx, evicted.userID, evicted.clientID); err != nil {
				h.logger.Error("presence release failed", evicted.userID, evicted.clientID, err)
			}
		}
		cancel()
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleUnregister(ctx context.Context, client *Client) {
	var (
		notify    []string
		lastLocal bool
		known     bool
	)

	h.mu.Lock()
	if room, ok := h.rooms[client.userID]; ok {
		if _, ok := room[client.clientID]; ok {
			known = true
			delete(room, client.clientID)
			client.close()

			if len(room) == 0 {
				lastLocal = true
				delete(h.rooms, client.userID)
				for peer := range h.typing[client.userID] {
					notify = append(notify, peer)
				}
				delete(h.typing, client.userID)
			}

			h.logger.Info("client disconnected", client.userID, client.clientID)
		}
	}
	presence := h.presence
	deliverer := h.publisher
	h.mu.Unlock()

	if !known {
		return
	}
	last := lastLocal
	if presence != nil {
		last = h.releasePresence(ctx, presence, client, lastLocal)
		if last {
			notify = mergeTargets(notify, h.takeTypingTargets(ctx, presence, client))
		}
	}
	if !last || len(notify) == 0 {
		return
	}

	payload := events.MustEncodeServerFrame(events.PeerOffline{FromID: client.userID})
	for _, peer := range notify {
		if err := deliverer.PublishToUser(ctx, peer, payload); err != nil {
			h.logger.Error("peer offline delivery failed", client.userID, client.clientID, err, zap.String("peer_id", peer))
		}
	}
}

// releasePresence drops client from the shared registry and reports whether
// the user has no connections left on any instance. When the registry is
// unreachable the local view wins.
func (h *Hub) releasePresence(ctx context.Context, presence PresenceTracker, client *Client, lastLocal bool) bool {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	remaining, err := presence.ReleaseConnection(ctx, client.userID, client.clientID)
	if err != nil {
		h.logger.Error("presence release failed", client.userID, client.clientID, err)
		return lastLocal
	}
	return remaining == 0
}

// takeTypingTargets claims the typing targets recorded by every instance
// the user was connected through.
func (h *Hub) takeTypingTargets(ctx context.Context, presence PresenceTracker, client *Client) []string {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	targets, err := presence.TakeTypingTargets(ctx, client.userID)
	if err != nil {
		h.logger.Error("typing targets lookup failed", client.userID, client.clientID, err)
		return nil
	}
	return targets
}

func mergeTargets(local, shared []string) []string {
	seen := make(map[string]struct{}, len(local))
	for _, peer := range local {
		seen[peer] = struct{}{}
	}
	for _, peer := range shared {
		if _, ok := seen[peer]; !ok {
			seen[peer] = struct{}{}
			local = append(local, peer)
		}
	}
	return local
}

// refreshPresence extends the shared registry entry for a live connection.
func (h *Hub) refreshPresence(client *Client) {
	h.mu.RLock()
	presence := h.presence
	h.mu.RUnlock()
	if presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := presence.Refresh(ctx, client.userID); err != nil {
		h.logger.Warn("presence refresh failed", client.userID, client.clientID, zap.Error(err))
	}
}

// DeliverLocal enqueues payload on every connection in userID's room on
// this instance and reports how many accepted it.
func (h *Hub) DeliverLocal(userID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, client := range h.rooms[userID] {
		if client.enqueue(payload) {
			delivered++
			continue
		}
		h.logger.Warn("client send buffer full", client.userID, client.clientID)
	}
	return delivered
}

// ConnectionCount returns the number of live connections for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

func (h *Hub) markTyping(ctx context.Context, from, to string) {
	h.mu.Lock()
	targets := h.typing[from]
	if targets == nil {
		targets = make(map[string]struct{})
		h.typing[from] = targets
	}
	targets[to] = struct{}{}
	presence := h.presence
	h.mu.Unlock()

	if presence != nil {
		ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
		defer cancel()
		if err := presence.AddTypingTarget(ctx, from, to); err != nil {
			h.logger.Warn("typing target not shared", from, "", zap.String("peer_id", to), zap.Error(err))
		}
	}
}

func (h *Hub) clearTyping(ctx context.Context, from, to string) {
	h.mu.Lock()
	if targets, ok := h.typing[from]; ok {
		delete(targets, to)
		if len(targets) == 0 {
			delete(h.typing, from)
		}
	}
	presence := h.presence
	h.mu.Unlock()

	if presence != nil {
		ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
		defer cancel()
		if err := presence.RemoveTypingTarget(ctx, from, to); err != nil {
			h.logger.Warn("typing target not cleared", from, "", zap.String("peer_id", to), zap.Error(err))
		}
	}
}

// Stop gracefully shuts down the Hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, room := range h.rooms {
			for _, client := range room {
				client.close()
			}
		}
		h.rooms = make(map[string]map[string]*Client)
		h.typing = make(map[string]map[string]struct{})
	})
}

// LocalDeliverer publishes straight into the hub of this instance.
type LocalDeliverer struct {
	hub *Hub
}

func (d LocalDeliverer) PublishToUser(ctx context.Context, userID string, payload []byte) error {
	d.hub.DeliverLocal(userID, payload)
	return nil
}
