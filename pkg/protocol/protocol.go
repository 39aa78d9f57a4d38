// Package protocol defines the JSON messages exchanged between terminal
// clients and the relay over the /ws/terminal socket. Every message is a
// flat object discriminated by its "type" field.
package protocol

// Command messages (client -> relay)
type CommandType string

const (
	CmdJoin       CommandType = "join"
	CmdConnect    CommandType = "connect"
	CmdDisconnect CommandType = "disconnect"
	CmdCommand    CommandType = "command"
	CmdPing       CommandType = "ping"
	CmdListPorts  CommandType = "ports"
)

// DefaultBaudRate is used when a connect message carries no baud rate
// and the device registry has none either.
const DefaultBaudRate = 9600

// Inbound is any client -> relay message. Fields not used by Type are
// left empty.
type Inbound struct {
	Type CommandType `json:"type"`

	// join. The lab application sends labId; roomId is accepted too.
	LabID    string `json:"labId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`

	// connect
	DeviceID string `json:"deviceId,omitempty"`
	PortPath string `json:"portPath,omitempty"`
	BaudRate int    `json:"baudRate,omitempty"`

	// command. An empty command is valid (a bare Enter), so absence is
	// tracked with a pointer.
	Command *string `json:"command,omitempty"`
	Text    *string `json:"text,omitempty"`
}

// Room returns the room the message names, preferring roomId.
func (m Inbound) Room() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.LabID
}

// CommandText returns the command payload and whether one was present.
func (m Inbound) CommandText() (string, bool) {
	switch {
	case m.Command != nil:
		return *m.Command, true
	case m.Text != nil:
		return *m.Text, true
	default:
		return "", false
	}
}

// Event messages (relay -> client)
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventOutput         EventType = "output"
	EventError          EventType = "error"
	EventPong           EventType = "pong"
	EventPresenceUpdate EventType = "presence_update"
	EventPorts          EventType = "ports"
)

// Outbound is any relay -> client message.
type Outbound struct {
	Type     EventType      `json:"type"`
	DeviceID string         `json:"deviceId,omitempty"`
	Data     string         `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Users    []PresenceUser `json:"users,omitempty"`
	Ports    []PortInfo     `json:"ports,omitempty"`
}

// PresenceUser is one session of a room. DeviceID is null when the
// session is not attached to a device.
type PresenceUser struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	DeviceID *string `json:"deviceId"`
}

// PortInfo describes a serial port on the relay host. Manufacturer
// carries the USB product string; the enumerator reports no vendor name.
type PortInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
}

// Helpers

func NewConnected(deviceID, data string) Outbound {
	return Outbound{Type: EventConnected, DeviceID: deviceID, Data: data}
}

func NewDisconnected(deviceID string) Outbound {
	return Outbound{Type: EventDisconnected, DeviceID: deviceID}
}

func NewOutput(deviceID, data string) Outbound {
	return Outbound{Type: EventOutput, DeviceID: deviceID, Data: data}
}

func NewError(deviceID, message string) Outbound {
	return Outbound{Type: EventError, DeviceID: deviceID, Error: message}
}

func NewPong() Outbound {
	return Outbound{Type: EventPong}
}

func NewPresenceUpdate(users []PresenceUser) Outbound {
	return Outbound{Type: EventPresenceUpdate, Users: users}
}

func NewPorts(ports []PortInfo) Outbound {
	return Outbound{Type: EventPorts, Ports: ports}
}
