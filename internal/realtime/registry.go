package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrSessionExists  = errors.New("session key already registered")
	ErrTenantFull     = errors.New("tenant session capacity reached")
	ErrSessionClosed  = errors.New("session closed")
	ErrSendTimeout    = errors.New("send timed out")
	ErrUnknownSession = errors.New("unknown session")
)

// Registry tracks live sessions. The session and user maps are exact
// (mutex-guarded); the per-tenant counters are intentionally best-effort:
// incremented optimistically before the insert and reverted on overshoot,
// so they may transiently exceed the cap under contention but converge and
// never go negative. Admission enforcement tolerates that slack.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session_key -> session
	users    map[string]map[string]*Session // user_key -> session_key -> session

	seq     atomic.Uint64
	tenants sync.Map // tenant -> *atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]*Session),
	}
}

func (r *Registry) tenantCounter(tenant string) *atomic.Int64 {
	if c, ok := r.tenants.Load(tenant); ok {
		return c.(*atomic.Int64)
	}
	c, _ := r.tenants.LoadOrStore(tenant, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// TryInsert registers a new session. The tenant counter is taken first;
// on overshoot or duplicate key the increment is reverted and an error
// returned, leaving no trace of the attempt.
func (r *Registry) TryInsert(tenant, userKey, sessionKey string, queueLen, maxTenantSessions int) (*Session, error) {
	ctr := r.tenantCounter(tenant)
	if n := ctr.Add(1); maxTenantSessions > 0 && n > int64(maxTenantSessions) {
		ctr.Add(-1)
		return nil, ErrTenantFull
	}

	sess := newSession(tenant, userKey, sessionKey, r.seq.Add(1), queueLen)

	r.mu.Lock()
	if _, dup := r.sessions[sessionKey]; dup {
		r.mu.Unlock()
		ctr.Add(-1)
		return nil, ErrSessionExists
	}
	r.sessions[sessionKey] = sess
	bySid := r.users[userKey]
	if bySid == nil {
		bySid = make(map[string]*Session)
		r.users[userKey] = bySid
	}
	bySid[sessionKey] = sess
	r.mu.Unlock()

	return sess, nil
}

// Remove unregisters a session. Idempotent: the tenant counter is
// decremented only when the key was actually present.
func (r *Registry) Remove(sessionKey string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionKey]
	if ok {
		delete(r.sessions, sessionKey)
		if bySid := r.users[sess.UserKey]; bySid != nil {
			delete(bySid, sessionKey)
			if len(bySid) == 0 {
				delete(r.users, sess.UserKey)
			}
		}
	}
	r.mu.Unlock()
	if ok {
		r.tenantCounter(sess.Tenant).Add(-1)
	}
}

func (r *Registry) Get(sessionKey string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey]
	return s, ok
}

// SessionsOfUser snapshots a user's live sessions.
func (r *Registry) SessionsOfUser(userKey string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bySid := r.users[userKey]
	out := make([]*Session, 0, len(bySid))
	for _, s := range bySid {
		out = append(out, s)
	}
	return out
}

// OldestOfUser returns the user's session with the lowest created_seq, the
// kick_oldest victim. Nil when the user has none.
func (r *Registry) OldestOfUser(userKey string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest *Session
	for _, s := range r.users[userKey] {
		if oldest == nil || s.CreatedSeq < oldest.CreatedSeq {
			oldest = s
		}
	}
	return oldest
}

func (r *Registry) CountUser(userKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userKey])
}

// CountTenant reads the best-effort tenant counter.
func (r *Registry) CountTenant(tenant string) int64 {
	return r.tenantCounter(tenant).Load()
}

// CountAll reports total live sessions (exact).
func (r *Registry) CountAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach calls fn for every live session, on a snapshot so fn may mutate
// the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}
