package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 * 1024

	requestTimeout = 30 * time.Second
	sendBuffer     = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// user proven by the handshake token
	authUser int64

	mu     sync.RWMutex
	userID int64 // bound by login, zero when logged out

	inflight sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, authUser int64) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		authUser: authUser,
	}
}

func (c *Client) ID() string {
	return c.id
}

// UserID returns the logged in user, or zero.
func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) bind(userID int64) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// enqueue queues a frame without blocking. A full buffer closes the client.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("conn_id", c.id).Msg("failed to marshal frame")
		return
	}
	c.enqueue(b)
}

// close stops the client. writePump sends the close frame and shuts the
// connection, which in turn ends readPump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump reads request frames and serves each in its own goroutine.
func (c *Client) readPump(h *Handler) {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("conn_id", c.id).Msg("websocket read failed")
			}
			break
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendJSON(errorResponse(Request{}, model.Wrap(model.KindValidation, "decode request", err)))
			continue
		}

		c.inflight.Add(1)
		go c.serve(h, req)
	}
}

func (c *Client) serve(h *Handler, req Request) {
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	c.sendJSON(h.Handle(ctx, c, req))
}

// writePump writes queued frames to the connection and keeps it alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
