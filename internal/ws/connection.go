package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/relay"
)

// Connection pumps one WebSocket client to and from its relay session.
type Connection struct {
	conn    *websocket.Conn
	session *relay.Session
	manager *relay.Manager
	cfg     config.WebSocketConfig
	logger  *zap.Logger
}

func NewConnection(conn *websocket.Conn, session *relay.Session, manager *relay.Manager, cfg config.WebSocketConfig, logger *zap.Logger) *Connection {
	return &Connection{
		conn:    conn,
		session: session,
		manager: manager,
		cfg:     cfg,
		logger:  logger.With(zap.String("session", session.ID())),
	}
}

func (c *Connection) pongWait() time.Duration {
	return 2 * c.cfg.PingInterval
}

// ReadPump hands every client frame to the manager. When the client goes
// away the session is disconnected, whether or not it said goodbye.
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		c.manager.Disconnect(c.session)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("connection close error", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("unexpected close", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))

		if err := c.manager.HandleRaw(ctx, c.session, data); err != nil {
			level := zap.DebugLevel
			if !errors.Is(err, relay.ErrProtocol) && !errors.Is(err, relay.ErrNotAttached) {
				level = zap.WarnLevel
			}
			c.logger.Log(level, "message failed", zap.Error(err))
		}
	}
}

// WritePump writes queued messages until the session's outbox is closed,
// then sends a close frame. It also keeps the connection alive with pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("connection close error", zap.Error(err))
		}
	}()

	outbox := c.session.Outbox()
	for {
		select {
		case msg, ok := <-outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.conn.WriteMessage(websocket.CloseMessage, closing); err != nil {
					c.logger.Debug("failed to close websocket", zap.Error(err))
				}
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Info("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
