package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/metrics"
)

type unregistration struct {
	client *Client
	done   chan struct{}
}

// Hub tracks the connections of this gateway and the rooms each one is
// subscribed to, and delivers room frames to them.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[int64]map[*Client]bool // room_id -> clients
	register   chan *Client
	unregister chan unregistration
	stopped    chan struct{}
	mu         sync.RWMutex
	presence   *Presence
	logger     zerolog.Logger
}

func NewHub(presence *Presence, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan unregistration),
		stopped:    make(chan struct{}),
		presence:   presence,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run processes registrations until ctx is done, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.Connections.Inc()
			h.logger.Debug().Str("conn_id", c.id).Int64("auth_user", c.authUser).Msg("client registered")

		case u := <-h.unregister:
			c := u.client
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.unsubscribeLocked(c)
				metrics.Connections.Dec()
			}
			userID, bound := h.presence.Release(c.id)
			h.mu.Unlock()

			c.close()
			close(u.done)
			h.logger.Debug().Str("conn_id", c.id).Int64("user_id", userID).Bool("bound", bound).Msg("client unregistered")
		}
	}
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister drops c together with its presence and subscriptions. It
// returns once the hub has processed the removal.
func (h *Hub) Unregister(c *Client) {
	u := unregistration{client: c, done: make(chan struct{})}
	select {
	case h.unregister <- u:
		<-u.done
	case <-h.stopped:
	}
}

func (h *Hub) Subscribe(c *Client, roomIDs ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, roomIDs)
}

func (h *Hub) subscribeLocked(c *Client, roomIDs []int64) {
	for _, id := range roomIDs {
		if h.rooms[id] == nil {
			h.rooms[id] = make(map[*Client]bool)
		}
		h.rooms[id][c] = true
	}
}

// Attach binds c to userID in the presence registry and subscribes it to
// roomIDs. Switching users drops the previous subscriptions. It reports
// false, changing nothing, once c has been unregistered.
func (h *Hub) Attach(c *Client, userID int64, roomIDs ...int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return false
	}
	if prev := c.UserID(); prev != 0 && prev != userID {
		h.unsubscribeLocked(c)
	}
	h.presence.Bind(userID, c.id)
	c.bind(userID)
	h.subscribeLocked(c, roomIDs)
	return true
}

func (h *Hub) Unsubscribe(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) UnsubscribeAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c)
}

func (h *Hub) unsubscribeLocked(c *Client) {
	for id, clients := range h.rooms {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, id)
			}
		}
	}
}

// Deliver hands env.Frame to every local subscriber of the room except the
// excluded connection. A client whose buffer is full is disconnected.
func (h *Hub) Deliver(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[env.RoomID] {
		if c.id == env.ExcludeConn {
			continue
		}
		if !c.enqueue(env.Frame) {
			h.logger.Warn().Str("conn_id", c.id).Int64("room_id", env.RoomID).Msg("dropping slow client")
		}
	}
}

// Subscribers returns the number of local connections subscribed to roomID.
func (h *Hub) Subscribers(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
