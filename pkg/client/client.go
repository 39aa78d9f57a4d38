// Package client is a Go client for the labnet terminal relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

const (
	DefaultPath = "/ws/terminal"

	sendBufferSize    = 64
	messageBufferSize = 256
	closeGrace        = time.Second
)

var ErrClosed = errors.New("client: connection closed")

type Client struct {
	addr string
	// Path is the relay's WebSocket path; set it before Connect.
	Path   string
	Logger *zap.Logger

	conn     *websocket.Conn
	send     chan protocol.Inbound
	messages chan protocol.Outbound
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	deviceID string
}

// New returns a client for the relay at addr (host:port).
func New(addr string) *Client {
	return &Client{
		addr:     addr,
		Path:     DefaultPath,
		Logger:   zap.NewNop(),
		send:     make(chan protocol.Inbound, sendBufferSize),
		messages: make(chan protocol.Outbound, messageBufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: c.Path}
	c.Logger.Debug("connecting", zap.String("url", u.String()))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}
	c.conn = conn
	return nil
}

// Run starts the read and write pumps.
func (c *Client) Run() error {
	if c.conn == nil {
		return fmt.Errorf("connection not established")
	}
	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.messages)
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		var msg protocol.Outbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger.Info("websocket error", zap.Error(err))
			}
			return
		}
		c.track(msg)

		select {
		case c.messages <- msg:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Logger.Info("write error", zap.Error(err))
				return
			}
		case <-c.quit:
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(closeGrace))
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) track(msg protocol.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case protocol.EventConnected:
		if msg.DeviceID != "" {
			c.deviceID = msg.DeviceID
		}
	case protocol.EventDisconnected:
		if msg.DeviceID == "" || msg.DeviceID == c.deviceID {
			c.deviceID = ""
		}
	}
}

// DeviceID is the device the relay last confirmed an attachment to.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Messages delivers every relay message. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan protocol.Outbound {
	return c.messages
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) enqueue(msg protocol.Inbound) error {
	select {
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) Join(roomID, userID, username string) error {
	return c.enqueue(protocol.Inbound{
		Type:     protocol.CmdJoin,
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
	})
}

// Attach asks the relay to connect to deviceID. An empty portPath lets
// the relay look the device up; a zero baudRate uses its default.
func (c *Client) Attach(deviceID, portPath string, baudRate int) error {
	return c.enqueue(protocol.Inbound{
		Type:     protocol.CmdConnect,
		DeviceID: deviceID,
		PortPath: portPath,
		BaudRate: baudRate,
	})
}

func (c *Client) Detach() error {
	return c.enqueue(protocol.Inbound{Type: protocol.CmdDisconnect})
}

func (c *Client) Command(text string) error {
	return c.enqueue(protocol.Inbound{Type: protocol.CmdCommand, Command: &text})
}

func (c *Client) Ping() error {
	return c.enqueue(protocol.Inbound{Type: protocol.CmdPing})
}

func (c *Client) ListPorts() error {
	return c.enqueue(protocol.Inbound{Type: protocol.CmdListPorts})
}

// Close sends a close frame and waits briefly for the relay to end the
// connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
		return nil
	case <-time.After(closeGrace):
		return c.conn.Close()
	}
}
