package relay

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

// RoomLister returns the sessions currently recorded in a room.
type RoomLister interface {
	RoomSessions(roomID string) []*Session
}

// Presence sends full room snapshots. Building and delivering a snapshot
// happens under the room's lock, so clients see a room's snapshots in
// the order they were taken.
type Presence struct {
	source RoomLister
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func NewPresence(source RoomLister, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		source: source,
		logger: logger.Named("presence"),
		rooms:  make(map[string]*sync.Mutex),
	}
}

func (p *Presence) roomLock(roomID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.rooms[roomID]
	if !ok {
		l = &sync.Mutex{}
		p.rooms[roomID] = l
	}
	return l
}

// BroadcastRoom delivers the current snapshot of roomID to every session
// in it and returns the snapshot. An empty room id is ignored.
func (p *Presence) BroadcastRoom(roomID string) []protocol.PresenceUser {
	if roomID == "" {
		return nil
	}
	l := p.roomLock(roomID)
	l.Lock()
	defer l.Unlock()

	members, users := p.snapshot(roomID)
	msg := protocol.NewPresenceUpdate(users)
	for _, s := range members {
		s.Deliver(msg)
	}
	p.logger.Debug("presence broadcast",
		zap.String("room", roomID),
		zap.Int("users", len(users)))
	return users
}

// Snapshot returns the current presence list for roomID without sending it.
func (p *Presence) Snapshot(roomID string) []protocol.PresenceUser {
	if roomID == "" {
		return nil
	}
	_, users := p.snapshot(roomID)
	return users
}

func (p *Presence) snapshot(roomID string) ([]*Session, []protocol.PresenceUser) {
	type entry struct {
		session *Session
		info    SessionInfo
	}
	var entries []entry
	for _, s := range p.source.RoomSessions(roomID) {
		info := s.Info()
		if info.RoomID != roomID {
			continue
		}
		entries = append(entries, entry{s, info})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].info, entries[j].info
		if a.Username != b.Username {
			return a.Username < b.Username
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.ID < b.ID
	})

	members := make([]*Session, 0, len(entries))
	users := make([]protocol.PresenceUser, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.session)
		user := protocol.PresenceUser{UserID: e.info.UserID, Username: e.info.Username}
		if e.info.DeviceID != "" {
			id := e.info.DeviceID
			user.DeviceID = &id
		}
		users = append(users, user)
	}
	return members, users
}
