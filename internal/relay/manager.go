package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/devices"
	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

const welcomeMessage = "WebSocket Terminal Server Ready"

type ManagerOptions struct {
	Registry  *Registry
	Router    *Router
	Transport Transport
	// Resolver finds the endpoint of a device when connect omits portPath.
	// May be nil.
	Resolver devices.Resolver
	Relay    config.RelayConfig

	SendBuffer  int
	MaxSessions int
	Logger      *zap.Logger
}

// Manager owns the live sessions and turns their protocol messages into
// registry, router and transport operations.
type Manager struct {
	registry  *Registry
	router    *Router
	transport Transport
	resolver  devices.Resolver
	presence  *Presence
	cfg       config.RelayConfig

	sendBuffer  int
	maxSessions int
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = config.Default().WebSocket.SendBuffer
	}
	m := &Manager{
		registry:    opts.Registry,
		router:      opts.Router,
		transport:   opts.Transport,
		resolver:    opts.Resolver,
		cfg:         opts.Relay,
		sendBuffer:  buffer,
		maxSessions: opts.MaxSessions,
		logger:      logger.Named("sessions"),
		sessions:    make(map[string]*Session),
	}
	m.presence = NewPresence(m, logger)
	m.registry.SetFaultHandler(m.deviceFault)
	return m
}

func (m *Manager) Presence() *Presence { return m.presence }

// Open creates a session and queues the welcome message on it.
func (m *Manager) Open() (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s := newSession(uuid.NewString(), m.sendBuffer)
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.Deliver(protocol.NewConnected("", welcomeMessage))
	m.logger.Info("session opened", zap.String("session", s.id))
	return s, nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns every live session's info, ordered by id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) RoomSessions(roomID string) []*Session {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var members []*Session
	for _, s := range all {
		if s.Info().RoomID == roomID {
			members = append(members, s)
		}
	}
	return members
}

// HandleRaw decodes one client frame and handles it.
func (m *Manager) HandleRaw(ctx context.Context, s *Session, data []byte) error {
	var msg protocol.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.Deliver(protocol.NewError("", "Invalid message format"))
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return m.Handle(ctx, s, msg)
}

func (m *Manager) Handle(ctx context.Context, s *Session, msg protocol.Inbound) error {
	switch msg.Type {
	case protocol.CmdJoin:
		room := msg.Room()
		if room == "" || msg.UserID == "" || msg.Username == "" {
			return m.protocolError(s, "Missing roomId, userId or username")
		}
		return m.Join(s, room, msg.UserID, msg.Username)

	case protocol.CmdConnect:
		if msg.DeviceID == "" {
			return m.protocolError(s, "Missing deviceId")
		}
		if msg.UserID != "" || msg.Username != "" {
			s.mu.Lock()
			if msg.UserID != "" {
				s.userID = msg.UserID
			}
			if msg.Username != "" {
				s.username = msg.Username
			}
			s.mu.Unlock()
		}
		return m.Attach(ctx, s, msg.DeviceID, msg.PortPath, msg.BaudRate)

	case protocol.CmdDisconnect:
		return m.Detach(s)

	case protocol.CmdCommand:
		text, ok := msg.CommandText()
		if !ok {
			return m.protocolError(s, "Missing command")
		}
		return m.SendCommand(s, text)

	case protocol.CmdPing:
		m.Ping(s)
		return nil

	case protocol.CmdListPorts:
		ports, err := m.ListPorts()
		if err != nil {
			s.Deliver(protocol.NewError("", "Failed to list ports"))
			return err
		}
		s.Deliver(protocol.NewPorts(ports))
		return nil

	default:
		return m.protocolError(s, "Unknown message type")
	}
}

func (m *Manager) protocolError(s *Session, text string) error {
	s.Deliver(protocol.NewError("", text))
	return fmt.Errorf("%w: %s", ErrProtocol, text)
}

// Join records the session's identity and room. Changing rooms updates
// presence in both the old and the new room.
func (m *Manager) Join(s *Session, roomID, userID, username string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	oldRoom := s.roomID
	s.roomID = roomID
	s.userID = userID
	s.username = username
	s.mu.Unlock()

	m.logger.Info("session joined",
		zap.String("session", s.id),
		zap.String("room", roomID),
		zap.String("user", userID))

	if oldRoom != "" && oldRoom != roomID {
		m.presence.BroadcastRoom(oldRoom)
	}
	m.presence.BroadcastRoom(roomID)
	return nil
}

// Attach binds the session to deviceID, opening the device if needed. A
// session bound to another device is detached from it first. When
// portPath is empty the endpoint comes from the resolver.
func (m *Manager) Attach(ctx context.Context, s *Session, deviceID, portPath string, baudRate int) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	current, lease := s.deviceID, s.lease
	address, rate := s.address, s.baudRate
	s.mu.Unlock()

	if current == deviceID && lease != nil {
		if m.registry.Valid(lease) {
			s.Deliver(protocol.NewConnected(deviceID, connectedText(address, rate)))
			return nil
		}
		m.detach(s)
	} else if current != "" {
		m.detachNotify(s)
	}

	address, rate, err := m.endpoint(ctx, deviceID, portPath, baudRate)
	if err != nil {
		s.Deliver(protocol.NewError(deviceID, fmt.Sprintf("Unknown device %s", deviceID)))
		return err
	}

	lease, err = m.registry.EnsureOpen(ctx, deviceID, address, rate)
	if err != nil {
		s.Deliver(protocol.NewError(deviceID, fmt.Sprintf("Failed to connect to %s", address)))
		return err
	}

	// An already open device keeps the endpoint it was opened on.
	address, rate = lease.Address(), lease.BaudRate()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.registry.Release(lease)
		return ErrSessionClosed
	}
	s.deviceID = deviceID
	s.address = address
	s.baudRate = rate
	s.lease = lease
	room := s.roomID
	s.mu.Unlock()

	m.router.Register(deviceID, s)
	// A fault between EnsureOpen and Register would not have reached us.
	if !m.registry.Valid(lease) {
		m.dropLease(s, lease)
		s.Deliver(protocol.NewError(deviceID, fmt.Sprintf("Failed to connect to %s", address)))
		return fmt.Errorf("%w: %s", ErrTransportFault, deviceID)
	}

	s.Deliver(protocol.NewConnected(deviceID, connectedText(address, rate)))
	m.logger.Info("session attached",
		zap.String("session", s.id),
		zap.String("device", deviceID),
		zap.String("address", address),
		zap.Int("baud", rate))
	m.presence.BroadcastRoom(room)
	return nil
}

func connectedText(address string, baudRate int) string {
	return fmt.Sprintf("Connected to %s at %d baud", address, baudRate)
}

func (m *Manager) endpoint(ctx context.Context, deviceID, portPath string, baudRate int) (string, int, error) {
	address, rate := portPath, baudRate
	if (address == "" || rate <= 0) && m.resolver != nil {
		ep, err := m.resolver.Lookup(ctx, deviceID)
		switch {
		case err == nil:
			if address == "" {
				address = ep.Address
			}
			if rate <= 0 {
				rate = ep.BaudRate
			}
		case address == "":
			return "", 0, fmt.Errorf("%w: %w", ErrUnknownEndpoint, err)
		}
	}
	if address == "" {
		return "", 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, deviceID)
	}
	if rate <= 0 {
		rate = m.cfg.DefaultBaud
	}
	if rate <= 0 {
		rate = protocol.DefaultBaudRate
	}
	return address, rate, nil
}

// Detach unbinds the session from its device. It does nothing when the
// session is not attached.
func (m *Manager) Detach(s *Session) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	m.detachNotify(s)
	return nil
}

func (m *Manager) detachNotify(s *Session) {
	deviceID, room := m.detach(s)
	if deviceID == "" {
		return
	}
	s.Deliver(protocol.NewDisconnected(deviceID))
	m.logger.Info("session detached", zap.String("session", s.id), zap.String("device", deviceID))
	m.presence.BroadcastRoom(room)
}

// detach clears the attachment and returns the device it was bound to and
// the session's room. It sends nothing.
func (m *Manager) detach(s *Session) (deviceID, roomID string) {
	s.mu.Lock()
	deviceID, lease := s.deviceID, s.lease
	roomID = s.roomID
	s.deviceID, s.address, s.baudRate, s.lease = "", "", 0, nil
	s.mu.Unlock()

	if deviceID == "" {
		return "", roomID
	}
	m.router.Unregister(deviceID, s)
	m.registry.Release(lease)
	return deviceID, roomID
}

// dropLease clears the session's attachment if it still holds lease.
func (m *Manager) dropLease(s *Session, lease *Lease) (roomID string, ok bool) {
	s.mu.Lock()
	if s.lease != lease {
		s.mu.Unlock()
		return "", false
	}
	deviceID := s.deviceID
	roomID = s.roomID
	s.deviceID, s.address, s.baudRate, s.lease = "", "", 0, nil
	s.mu.Unlock()

	m.router.Unregister(deviceID, s)
	m.registry.Release(lease)
	return roomID, true
}

// SendCommand writes text to the session's device.
func (m *Manager) SendCommand(s *Session, text string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()

	if deviceID == "" {
		s.Deliver(protocol.NewError("", "Not connected to any device"))
		return ErrNotAttached
	}
	if err := m.transport.Send(deviceID, text); err != nil {
		m.logger.Warn("command write failed",
			zap.String("session", s.id),
			zap.String("device", deviceID),
			zap.Error(err))
		s.Deliver(protocol.NewError(deviceID, "Failed to send command"))
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	return nil
}

func (m *Manager) Ping(s *Session) {
	s.Deliver(protocol.NewPong())
}

// Disconnect ends the session: it is detached, removed from its room and
// its outbox is closed. Calling it again does nothing.
func (m *Manager) Disconnect(s *Session) {
	s.ops.Lock()
	defer s.ops.Unlock()

	m.mu.Lock()
	_, live := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !live {
		return
	}

	s.close()
	deviceID, room := m.detach(s)
	m.logger.Info("session closed",
		zap.String("session", s.id),
		zap.String("device", deviceID),
		zap.Int64("dropped", s.Dropped()))
	m.presence.BroadcastRoom(room)
}

// Shutdown disconnects every session and closes every open device.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.Disconnect(s)
	}
	return m.registry.CloseAll(ctx)
}

func (m *Manager) ListPorts() ([]protocol.PortInfo, error) {
	found, err := m.transport.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationError, err)
	}
	ports := make([]protocol.PortInfo, 0, len(found))
	for _, p := range found {
		ports = append(ports, protocol.PortInfo{
			Path:         p.Path,
			Manufacturer: p.Product,
			Product:      p.Product,
			SerialNumber: p.SerialNumber,
			VendorID:     p.VendorID,
			ProductID:    p.ProductID,
		})
	}
	return ports, nil
}

// deviceFault detaches every session still bound to the cycle of deviceID
// that just ended, then refreshes presence in their rooms.
func (m *Manager) deviceFault(deviceID string) {
	rooms := make(map[string]struct{})
	for _, sub := range m.router.Subscribers(deviceID) {
		s, ok := sub.(*Session)
		if !ok {
			continue
		}
		s.mu.Lock()
		lease := s.lease
		attached := s.deviceID == deviceID
		s.mu.Unlock()
		if !attached || m.registry.Valid(lease) {
			continue
		}
		if room, ok := m.dropLease(s, lease); ok {
			rooms[room] = struct{}{}
		}
	}

	m.logger.Warn("device fault detached sessions",
		zap.String("device", deviceID),
		zap.Int("rooms", len(rooms)))
	for room := range rooms {
		m.presence.BroadcastRoom(room)
	}
}
