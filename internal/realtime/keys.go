// Package realtime holds the gateway's in-memory core: the session
// registry, room presence, and the egress engine that fans frames out to
// session queues.
package realtime

// Composite key derivation. All cross-tenant maps are keyed on these, so a
// tenant can never address another tenant's users or rooms by picking a
// colliding name.

func UserKey(tenant, user string) string { return tenant + "::" + user }

func SessionKey(userKey, sid string) string { return userKey + "::" + sid }

func RoomKey(tenant, room string) string { return tenant + "::" + room }
