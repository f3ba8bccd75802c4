package onebot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errConnClosed = errors.New("connection closed")

// connection is the single live bot client.
type connection struct {
	id     string
	selfID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func newConnection(conn *websocket.Conn, id, selfID string, queue int, log zerolog.Logger) *connection {
	return &connection{
		id:     id,
		selfID: selfID,
		conn:   conn,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
		log:    log.With().Str("conn", id).Logger(),
	}
}

func (c *connection) readPump(handle func([]byte)) {
	defer c.close()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Bot connection unexpected close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("Bot connection write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

// enqueue waits for room in the send queue until ctx is done.
func (c *connection) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
