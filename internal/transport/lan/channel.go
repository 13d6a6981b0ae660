package lan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bizsync-p2p/internal/domain"
)

// wsChannel carries one engine byte stream over a websocket. A single write
// pump owns every data write; the read pump owns the receive side.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	send      chan []byte
	recv      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newChannel(conn *websocket.Conn, opts Options, log *slog.Logger, onClose func()) *wsChannel {
	c := &wsChannel{
		id:      uuid.New().String(),
		conn:    conn,
		opts:    opts,
		log:     log,
		send:    make(chan []byte, 256),
		recv:    make(chan []byte, 64),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.readPump()
	go c.writePump()
	return c
}

func (c *wsChannel) readPump() {
	defer func() {
		close(c.recv)
		c.shutdown()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("channel read ended", "channel", c.id, "error", err)
			}
			return
		}

		select {
		case c.recv <- message:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.log.Debug("channel write failed", "channel", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteWait)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *wsChannel) ID() string                      { return c.id }
func (c *wsChannel) Transport() domain.TransportType { return domain.TransportTCP }
func (c *wsChannel) Receive() <-chan []byte          { return c.recv }
func (c *wsChannel) Done() <-chan struct{}           { return c.done }

// Send queues a frame for the write pump. Unlike a broadcast fan-out it never
// drops: a full queue blocks until ctx ends.
func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.E(domain.KindTransport, "send", domain.ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	c.shutdown()
	return nil
}
