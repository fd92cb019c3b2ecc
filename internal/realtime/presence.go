package realtime

import (
	"errors"
	"sync"
)

var (
	ErrRoomFull        = errors.New("room is at max_users_per_room")
	ErrTooManyRooms    = errors.New("user is at max_rooms_per_user")
	ErrTenantRoomsFull = errors.New("tenant is at max_rooms_total")
)

// RoomLimits are the tenant's room-shape limits, checked on join.
type RoomLimits struct {
	MaxUsersPerRoom int
	MaxRoomsPerUser int
	MaxRoomsTotal   int
}

// Presence tracks who is in which room. Membership is per (user, room)
// with a refcount of that user's sessions in the room: a user with two
// tabs in a room counts once toward max_users_per_room, and leaves the
// room only when the last tab does.
//
// All limit checks run before any mutation; a rejected join leaves no
// partial state behind.
type Presence struct {
	mu sync.RWMutex

	roomSessions map[string]map[string]struct{} // room_key -> session_key set
	roomUsers    map[string]map[string]struct{} // room_key -> user_key set
	sessionRooms map[string]map[string]struct{} // session_key -> room_key set
	userRooms    map[string]map[string]struct{} // user_key -> room_key set
	refs         map[refKey]int                 // (user, room) -> session count
	tenantRooms  map[string]int                 // tenant -> distinct live rooms
}

type refKey struct{ userKey, roomKey string }

func NewPresence() *Presence {
	return &Presence{
		roomSessions: make(map[string]map[string]struct{}),
		roomUsers:    make(map[string]map[string]struct{}),
		sessionRooms: make(map[string]map[string]struct{}),
		userRooms:    make(map[string]map[string]struct{}),
		refs:         make(map[refKey]int),
		tenantRooms:  make(map[string]int),
	}
}

// TryJoin adds a session to a room, enforcing limits. Joining a room the
// session is already in is a no-op success.
func (p *Presence) TryJoin(tenant, roomKey, userKey, sessionKey string, lim RoomLimits) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, in := p.sessionRooms[sessionKey][roomKey]; in {
		return nil
	}

	rk := refKey{userKey, roomKey}
	newUserInRoom := p.refs[rk] == 0
	_, roomExists := p.roomSessions[roomKey]
	_, userKnowsRoom := p.userRooms[userKey][roomKey]

	// All checks before any mutation.
	if newUserInRoom && lim.MaxUsersPerRoom > 0 && len(p.roomUsers[roomKey]) >= lim.MaxUsersPerRoom {
		return ErrRoomFull
	}
	if !userKnowsRoom && lim.MaxRoomsPerUser > 0 && len(p.userRooms[userKey]) >= lim.MaxRoomsPerUser {
		return ErrTooManyRooms
	}
	if !roomExists && lim.MaxRoomsTotal > 0 && p.tenantRooms[tenant] >= lim.MaxRoomsTotal {
		return ErrTenantRoomsFull
	}

	if !roomExists {
		p.roomSessions[roomKey] = make(map[string]struct{})
		p.roomUsers[roomKey] = make(map[string]struct{})
		p.tenantRooms[tenant]++
	}
	p.roomSessions[roomKey][sessionKey] = struct{}{}
	p.roomUsers[roomKey][userKey] = struct{}{}
	addToSet(p.sessionRooms, sessionKey, roomKey)
	addToSet(p.userRooms, userKey, roomKey)
	p.refs[rk]++
	return nil
}

// Leave removes a session from a room. Unknown membership is a no-op.
func (p *Presence) Leave(tenant, roomKey, userKey, sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveLocked(tenant, roomKey, userKey, sessionKey)
}

func (p *Presence) leaveLocked(tenant, roomKey, userKey, sessionKey string) {
	if _, in := p.sessionRooms[sessionKey][roomKey]; !in {
		return
	}
	delete(p.sessionRooms[sessionKey], roomKey)
	if len(p.sessionRooms[sessionKey]) == 0 {
		delete(p.sessionRooms, sessionKey)
	}
	delete(p.roomSessions[roomKey], sessionKey)

	rk := refKey{userKey, roomKey}
	p.refs[rk]--
	if p.refs[rk] <= 0 {
		delete(p.refs, rk)
		delete(p.roomUsers[roomKey], userKey)
		delete(p.userRooms[userKey], roomKey)
		if len(p.userRooms[userKey]) == 0 {
			delete(p.userRooms, userKey)
		}
	}

	// Last session out tears the room down.
	if len(p.roomSessions[roomKey]) == 0 {
		delete(p.roomSessions, roomKey)
		delete(p.roomUsers, roomKey)
		if p.tenantRooms[tenant] > 0 {
			p.tenantRooms[tenant]--
		}
		if p.tenantRooms[tenant] == 0 {
			delete(p.tenantRooms, tenant)
		}
	}
}

// CleanupSession removes the session from every room it joined. Called
// from the connection's teardown guard.
func (p *Presence) CleanupSession(tenant, userKey, sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for roomKey := range p.sessionRooms[sessionKey] {
		p.leaveLocked(tenant, roomKey, userKey, sessionKey)
	}
}

// SessionsIn snapshots the session keys currently in a room.
func (p *Presence) SessionsIn(roomKey string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.roomSessions[roomKey]
	out := make([]string, 0, len(set))
	for sk := range set {
		out = append(out, sk)
	}
	return out
}

// UsersIn reports the distinct user count of a room.
func (p *Presence) UsersIn(roomKey string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.roomUsers[roomKey])
}

// RoomCount reports a tenant's distinct live rooms.
func (p *Presence) RoomCount(tenant string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tenantRooms[tenant]
}

// InRoom reports whether the session is currently joined to the room.
func (p *Presence) InRoom(sessionKey, roomKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, in := p.sessionRooms[sessionKey][roomKey]
	return in
}

func addToSet(m map[string]map[string]struct{}, k, v string) {
	if m[k] == nil {
		m[k] = make(map[string]struct{})
	}
	m[k][v] = struct{}{}
}
