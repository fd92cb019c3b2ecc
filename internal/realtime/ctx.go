package realtime

import "context"

// Ctx is the per-dispatch view a service gets: who sent the frame, where
// they are, and the egress engine scoped to their tenant's keyspace.
type Ctx struct {
	Tenant     string
	User       string
	SID        string
	TraceID    string
	ActiveRoom string // empty when the session has not joined a room

	userKey    string
	sessionKey string
	engine     *Engine
}

// NewCtx builds a dispatch context. The gateway constructs one per frame.
func NewCtx(engine *Engine, tenant, user, sid, traceID, activeRoom string) *Ctx {
	uk := UserKey(tenant, user)
	return &Ctx{
		Tenant:     tenant,
		User:       user,
		SID:        sid,
		TraceID:    traceID,
		ActiveRoom: activeRoom,
		userKey:    uk,
		sessionKey: SessionKey(uk, sid),
		engine:     engine,
	}
}

func (c *Ctx) UserKeyOf() string    { return c.userKey }
func (c *Ctx) SessionKeyOf() string { return c.sessionKey }

// RoomKeyOf derives the tenant-scoped room key; services only ever see
// unscoped room names.
func (c *Ctx) RoomKeyOf(room string) string { return RoomKey(c.Tenant, room) }

// SendToSelf delivers back to the sending session.
func (c *Ctx) SendToSelf(ctx context.Context, out Outgoing) error {
	return c.engine.SendToSession(ctx, c.sessionKey, out)
}

// SendToUser delivers to every session of the sending user.
func (c *Ctx) SendToUser(ctx context.Context, out Outgoing) error {
	return c.engine.SendToUser(ctx, c.userKey, out)
}

// PublishRoomLossy broadcasts to a room in the sender's tenant.
func (c *Ctx) PublishRoomLossy(room string, out Outgoing) error {
	return c.engine.PublishRoomLossy(c.RoomKeyOf(room), out)
}

// PublishRoomReliable broadcasts to a room in the sender's tenant,
// honoring the message's reliable QoS.
func (c *Ctx) PublishRoomReliable(ctx context.Context, room string, out Outgoing) error {
	return c.engine.PublishRoomReliable(ctx, c.RoomKeyOf(room), out)
}
