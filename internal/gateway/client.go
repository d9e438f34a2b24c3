package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 64
)

// Client is one authenticated WebSocket connection.
type Client struct {
	id      string
	user    store.User
	conn    *websocket.Conn
	server  *Server
	send    chan *protocol.EventFrame
	limiter *rate.Limiter

	mu     sync.RWMutex
	rooms  map[string]struct{}
	closed bool
}

// NewClient wraps an upgraded connection. Every connection starts in its
// user room; conversation and panel rooms are joined by activity.
func NewClient(conn *websocket.Conn, server *Server, user store.User) *Client {
	rps := float64(server.cfg.Gateway.RateLimitRPS)
	burst := server.cfg.Gateway.RateLimitBurst
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = int(rps)
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Client{
		id:      uuid.NewString(),
		user:    user,
		conn:    conn,
		server:  server,
		send:    make(chan *protocol.EventFrame, sendBufferSize),
		limiter: limiter,
		rooms: map[string]struct{}{
			bus.UserRoom(user.ID): {},
		},
	}
}

func (c *Client) join(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) inRooms(rooms []string) bool {
	if len(rooms) == 0 {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, room := range rooms {
		if _, ok := c.rooms[room]; ok {
			return true
		}
	}
	return false
}

// fanOut forwards bus events matching the client's rooms until the
// subscription channel closes.
func (c *Client) fanOut(events <-chan *bus.Event) {
	for ev := range events {
		if !c.inRooms(ev.Rooms) {
			continue
		}
		c.SendEvent(protocol.NewEvent(ev.Name, ev.Payload))
	}
}

// SendEvent queues a frame; slow clients drop frames instead of stalling the
// publisher.
func (c *Client) SendEvent(frame *protocol.EventFrame) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.server.logger.Warn("gateway.client_lagging", "id", c.id, "event", frame.Event)
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

// Run drives the read and write pumps until the connection drops.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame protocol.EventFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("gateway.read_failed", "id", c.id, "error", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(errdefs.New(errdefs.RateLimited, "too many requests"), "")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch handles one client frame. Errors go back only to this connection.
func (c *Client) dispatch(ctx context.Context, frame protocol.EventFrame) {
	switch frame.Event {
	case protocol.EventChatSend:
		var p protocol.ChatSendPayload
		if !c.decode(frame.Payload, &p) {
			return
		}
		if p.ContactID != "" {
			c.join(bus.ConversationRoom(store.ConversationID(c.user.ID, p.ContactID)))
		}
		if p.AgentKey != "" {
			c.join(bus.ConversationRoom(store.AgentConversationID(c.user.ID, p.AgentKey)))
			c.join(bus.PanelRoom(c.user.ID, p.AgentKey))
		}
		if _, err := c.server.router.HandleClientSend(ctx, c.user, p); err != nil {
			c.sendError(err, p.TempID)
		}

	case protocol.EventChatMarkRead:
		var p protocol.ChatMarkReadPayload
		if !c.decode(frame.Payload, &p) {
			return
		}
		c.join(bus.ConversationRoom(p.ConversationID))
		if err := c.server.router.MarkRead(ctx, c.user, p); err != nil {
			c.sendError(err, "")
		}

	case protocol.EventUserTyping:
		var p protocol.TypingPayload
		if !c.decode(frame.Payload, &p) {
			return
		}
		c.server.router.Typing(c.user, p)

	case protocol.EventAgentOpen:
		var p protocol.AgentOpenPayload
		if !c.decode(frame.Payload, &p) {
			return
		}
		c.join(bus.PanelRoom(c.user.ID, p.AgentKey))
		c.join(bus.ConversationRoom(store.AgentConversationID(c.user.ID, p.AgentKey)))

	case protocol.EventAgentClose:
		var p protocol.AgentClosePayload
		if !c.decode(frame.Payload, &p) {
			return
		}
		c.leave(bus.PanelRoom(c.user.ID, p.AgentKey))
		c.leave(bus.ConversationRoom(store.AgentConversationID(c.user.ID, p.AgentKey)))

	default:
		c.sendError(errdefs.Newf(errdefs.Invalid, "unknown event %q", frame.Event), "")
	}
}

// decode remarshals the loosely typed payload onto its concrete shape.
func (c *Client) decode(payload interface{}, into interface{}) bool {
	buf, err := json.Marshal(payload)
	if err == nil {
		err = json.Unmarshal(buf, into)
	}
	if err != nil {
		c.sendError(errdefs.Wrap(errdefs.Invalid, "malformed payload", err), "")
		return false
	}
	return true
}

func (c *Client) sendError(err error, tempID string) {
	c.SendEvent(protocol.NewEvent(protocol.EventError, protocol.ErrorPayload{
		Kind:    string(errdefs.KindOf(err)),
		Message: errdefs.MessageOf(err),
		TempID:  tempID,
	}))
}
