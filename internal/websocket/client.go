package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bizsync-p2p/internal/events"
)

// Client is one control API subscriber of the event stream.
type Client struct {
	ID       string
	DeviceID string
	Conn     *websocket.Conn
	Manager  *Manager
	Send     chan []byte

	mu     sync.Mutex
	kinds  map[events.Kind]bool
	closed bool
}

func NewClient(id, deviceID string, conn *websocket.Conn, manager *Manager, kinds []events.Kind) *Client {
	c := &Client{
		ID:       id,
		DeviceID: deviceID,
		Conn:     conn,
		Manager:  manager,
		Send:     make(chan []byte, 256),
	}
	c.setKinds(kinds)
	return c
}

func (c *Client) setKinds(kinds []events.Kind) {
	set := make(map[events.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	c.mu.Lock()
	c.kinds = set
	c.mu.Unlock()
}

func (c *Client) wants(k events.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kinds) == 0 || c.kinds[k]
}

// enqueue reports false when the buffer is full or the client is gone.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Remove(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.log.Debug("event stream read failed", "client", c.ID, "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(TypeError, ErrorPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		var payload SubscribePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			c.reply(TypeError, ErrorPayload{Error: "malformed subscribe payload"})
			return
		}
		c.setKinds(payload.Kinds)
		c.reply(TypeSubscribed, payload)
	case TypePing:
		c.reply(TypePong, nil)
	default:
		c.reply(TypeError, ErrorPayload{Error: "unknown message type " + string(msg.Type)})
	}
}

func (c *Client) reply(msgType MessageType, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.Manager.log.Warn("failed to encode reply", "client", c.ID, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
