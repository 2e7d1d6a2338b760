package server

import (
	"context"
	"sync"
	"time"

	"dmsync/internal/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// FrameHandler processes decoded frames for an authenticated connection.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Client, frame events.ClientFrame)
}

// Client represents a single WebSocket connection
type Client struct {
	hub         *Hub
	handler     FrameHandler
	conn        *websocket.Conn
	send        chan []byte
	userID      string
	clientID    string
	rateLimiter *ClientRateLimiter
	connectedAt time.Time
	logger      *WebSocketLogger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, handler FrameHandler, conn *websocket.Conn, userID string, clientID string, logger *WebSocketLogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Client{
		hub:         hub,
		handler:     handler,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		userID:      userID,
		clientID:    clientID,
		rateLimiter: NewClientRateLimiter(DefaultRateLimits),
		connectedAt: now,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Client) UserID() string   { return c.userID }
func (c *Client) ClientID() string { return c.clientID }

// enqueue hands payload to the write pump without blocking. It reports false
// when the buffer is full or the client is closed.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Reply sends a frame to this connection only.
func (c *Client) Reply(frame events.ServerFrame) {
	if !c.enqueue(events.MustEncodeServerFrame(frame)) {
		c.logger.Warn("reply dropped", c.userID, c.clientID, zap.String("frame", string(frame.Type())))
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket unexpected close", c.userID, c.clientID, err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	frame, err := events.DecodeClientFrame(data)
	if err != nil {
		c.logger.Warn("invalid frame", c.userID, c.clientID, zap.Error(err))
		c.Reply(events.ErrorFrame{Code: events.CodeInvalidFrame, Message: err.Error()})
		return
	}

	if !c.rateLimiter.Allow(frame.Type()) {
		c.logger.Warn("rate limit exceeded", c.userID, c.clientID, zap.String("msg_type", string(frame.Type())))
		if send, ok := frame.(events.SendMessageFrame); ok {
			c.Reply(events.ErrorFrame{
				Code:      events.CodeRateLimited,
				Message:   "too many messages",
				ClientRef: send.ClientRef,
			})
		}
		return
	}

	if _, ok := frame.(events.PingFrame); ok {
		c.Reply(events.PongFrame{})
		return
	}

	c.handler.HandleFrame(c.ctx, c, frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("websocket write failed", c.userID, c.clientID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.hub.refreshPresence(c)
		}
	}
}
