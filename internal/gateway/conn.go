package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wsprism/gateway/internal/monitoring"
	"github.com/wsprism/gateway/internal/policy"
	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

// conn is one live WebSocket connection's server-side state. The read
// loop runs on the goroutine that called serveConn; the writer pump is
// the only goroutine that writes to the socket.
type conn struct {
	s       *Server
	netConn net.Conn
	sess    *realtime.Session
	rt      *policy.Runtime
	bucket  *policy.TokenBucket // per-connection rate bucket, nil for tenant scope

	tenant     string
	user       string
	sid        string
	userKey    string
	sessionKey string
	traceID    string
	activeRoom string

	log         zerolog.Logger
	cleanupOnce sync.Once
}

// serveConn owns the connection from just after the upgrade until the
// socket dies. Admission (per-user session policy) happens here, post
// upgrade, because kick_oldest needs the registry.
func (s *Server) serveConn(netConn net.Conn, rt *policy.Runtime, tenant, user, sid, clientIP string) {
	traceID := s.nextTraceID()
	userKey := realtime.UserKey(tenant, user)
	sessionKey := realtime.SessionKey(userKey, sid)
	log := s.logger.With().
		Str("tenant", tenant).
		Str("user", user).
		Str("sid", sid).
		Str("trace_id", traceID).
		Str("client_ip", clientIP).
		Logger()

	sessPol := rt.Sessions()
	if s.sessions.CountUser(userKey) >= sessPol.MaxSessionsPerUser {
		if sessPol.OnExceed == "deny" {
			log.Info().Msg("session denied: user at max_sessions_per_user")
			s.rejectConn(netConn, traceID, wire.CodeTooManySessions, "too many sessions for user", ws.StatusPolicyViolation)
			return
		}
		// kick_oldest: the victim gets a kicked notice and close 1008;
		// its writer flushes both before tearing the socket down.
		if victim := s.sessions.OldestOfUser(userKey); victim != nil {
			log.Info().Str("victim", victim.SessionKey).Msg("kicking oldest session")
			victim.TrySend(sysKicked(traceID, "max_sessions_exceeded"))
			victim.TrySend(closeFrame(ws.StatusPolicyViolation, "max_sessions_exceeded"))
			victim.Close()
		}
	}

	sess, err := s.sessions.TryInsert(tenant, userKey, sessionKey, s.cfg.Gateway.SendQueueLen, rt.Limits().MaxSessionsTotal)
	switch {
	case errors.Is(err, realtime.ErrSessionExists):
		log.Info().Msg("session rejected: duplicate session key")
		s.rejectConn(netConn, traceID, wire.CodeBadRequest, "session id already connected", ws.StatusPolicyViolation)
		return
	case errors.Is(err, realtime.ErrTenantFull):
		log.Info().Msg("session rejected: tenant capacity")
		s.metrics.Upgrades.WithLabelValues(tenant, monitoring.UpgradeCapacity).Inc()
		// 1013 Try Again Later; gobwas has no named constant for it.
		s.rejectConn(netConn, traceID, wire.CodeRateLimited, "tenant at capacity", ws.StatusCode(1013))
		return
	case err != nil:
		log.Error().Err(err).Msg("session insert failed")
		netConn.Close()
		return
	}

	c := &conn{
		s:          s,
		netConn:    netConn,
		sess:       sess,
		rt:         rt,
		bucket:     rt.NewConnBucket(),
		tenant:     tenant,
		user:       user,
		sid:        sid,
		userKey:    userKey,
		sessionKey: sessionKey,
		traceID:    traceID,
		log:        log,
	}

	s.metrics.SessionsActive.WithLabelValues(tenant).Inc()
	defer c.cleanup()

	go c.writePump()

	sess.TrySend(sysAuthed(traceID, tenant, user, sid))
	log.Info().Msg("session established")

	c.readLoop()
}

// rejectConn writes a sys.error and close frame synchronously; there is
// no session or writer pump yet for this socket.
func (s *Server) rejectConn(netConn net.Conn, traceID string, code wire.Code, msg string, status ws.StatusCode) {
	deadline := time.Now().Add(time.Duration(s.cfg.Gateway.WriterSendTimeoutMS) * time.Millisecond)
	netConn.SetWriteDeadline(deadline)
	ef := sysError(traceID, code, msg)
	wsutil.WriteServerMessage(netConn, ef.Op, ef.Data)
	wsutil.WriteServerMessage(netConn, ws.OpClose, ws.NewCloseFrameBody(status, msg))
	netConn.Close()
}

// cleanup is the single teardown path: registry, presence, session and
// gauge all release exactly once no matter how the connection died.
func (c *conn) cleanup() {
	c.cleanupOnce.Do(func() {
		c.s.sessions.Remove(c.sessionKey)
		c.s.presence.CleanupSession(c.tenant, c.userKey, c.sessionKey)
		c.sess.Close()
		c.s.metrics.SessionsActive.WithLabelValues(c.tenant).Dec()
		c.log.Info().Msg("session closed")
	})
}

func (c *conn) readLoop() {
	idle := time.Duration(c.s.cfg.Gateway.IdleTimeoutMS) * time.Millisecond
	for {
		// A drain in progress already queued a goodbye; finish up.
		if c.s.draining.Load() {
			return
		}
		select {
		case <-c.sess.Done():
			return
		default:
		}

		c.netConn.SetReadDeadline(time.Now().Add(idle))
		msgs, err := wsutil.ReadClientMessage(c.netConn, nil)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.sess.TrySend(sysError(c.traceID, wire.CodeTimeout, "idle timeout"))
				c.sess.TrySend(closeFrame(ws.StatusNormalClosure, "idle timeout"))
				c.sess.Close()
				return
			}
			c.log.Debug().Err(err).Msg("read failed")
			return
		}
		for _, m := range msgs {
			if !c.handleFrame(m.OpCode, m.Payload) {
				return
			}
		}
	}
}

// handleFrame processes one frame; false tears the connection down.
func (c *conn) handleFrame(op ws.OpCode, payload []byte) bool {
	in, err := wire.Decode(op, payload)
	if err != nil {
		// Decode errors are terminal: a peer speaking a broken protocol
		// gets one sys.error (hot lane only in close mode) and the socket.
		c.s.metrics.DecodeErrors.WithLabelValues(c.tenant).Inc()
		if op != ws.OpBinary || c.rt.HotErrorCloses() {
			c.sess.TrySend(sysError(c.traceID, wire.CodeOf(err), wire.ClientMsg(err)))
		}
		c.sess.TrySend(closeFrame(ws.StatusProtocolError, "decode failed"))
		c.sess.Close()
		return false
	}

	switch in.Kind {
	case wire.InboundText:
		return c.handleText(in.Env, in.BytesLen)
	case wire.InboundHot:
		return c.handleHot(in.Frame, in.BytesLen)
	case wire.InboundPing:
		// Pong goes through the queue: the writer pump is the only
		// socket writer.
		c.sess.TrySend(realtime.Frame{Op: ws.OpPong, Data: in.Control})
		return true
	case wire.InboundPong:
		return true
	case wire.InboundClose:
		// Echo the close so the peer sees a clean handshake.
		c.sess.TrySend(closeFrame(ws.StatusNormalClosure, ""))
		c.sess.Close()
		return false
	default:
		return true
	}
}

func (c *conn) handleText(env wire.Envelope, bytesLen int) bool {
	v := c.rt.CheckText(bytesLen, c.bucket, env.Svc, env.Type)
	c.s.metrics.PolicyDecisions.WithLabelValues(c.tenant, string(wire.LaneExt), v.Action.String(), v.Reason).Inc()
	switch v.Action {
	case policy.ActionDrop:
		return true
	case policy.ActionReject:
		c.sess.TrySend(sysError(c.traceID, v.Code, v.Msg))
		return true
	case policy.ActionClose:
		c.sess.TrySend(sysError(c.traceID, v.Code, v.Msg))
		c.sess.TrySend(closeFrame(ws.StatusPolicyViolation, string(v.Code)))
		c.sess.Close()
		return false
	}

	if env.Svc == "room" {
		return c.handleRoomOp(env)
	}

	rctx := realtime.NewCtx(c.s.egress, c.tenant, c.user, c.sid, c.traceID, c.activeRoom)
	start := time.Now()
	err := c.s.dispatcher.DispatchExt(context.Background(), rctx, env)
	c.s.metrics.ObserveDispatch(c.tenant, string(wire.LaneExt), float64(time.Since(start).Microseconds()))
	if err != nil {
		c.s.metrics.ServiceErrors.WithLabelValues(c.tenant, string(wire.LaneExt), env.Svc).Inc()
		c.log.Debug().Err(err).Str("svc", env.Svc).Str("type", env.Type).Msg("ext dispatch failed")
		c.sess.TrySend(sysError(c.traceID, wire.CodeOf(err), wire.ClientMsg(err)))
	}
	return true
}

// handleRoomOp is the in-loop short path for room membership. Join and
// leave mutate presence directly; no service gets involved.
func (c *conn) handleRoomOp(env wire.Envelope) bool {
	switch env.Type {
	case "join":
		if env.Room == "" {
			c.sess.TrySend(sysError(c.traceID, wire.CodeBadRequest, "room.join requires room"))
			return true
		}
		roomKey := realtime.RoomKey(c.tenant, env.Room)
		lim := c.rt.Limits()
		err := c.s.presence.TryJoin(c.tenant, roomKey, c.userKey, c.sessionKey, realtime.RoomLimits{
			MaxUsersPerRoom: lim.MaxUsersPerRoom,
			MaxRoomsPerUser: lim.MaxRoomsPerUser,
			MaxRoomsTotal:   lim.MaxRoomsTotal,
		})
		if err != nil {
			c.sess.TrySend(sysError(c.traceID, wire.CodeNotAllowed, err.Error()))
			return true
		}
		c.activeRoom = env.Room
		c.sess.TrySend(sysJoined(c.traceID, env.Room))
		return true
	case "leave":
		if env.Room == "" {
			c.sess.TrySend(sysError(c.traceID, wire.CodeBadRequest, "room.leave requires room"))
			return true
		}
		c.s.presence.Leave(c.tenant, realtime.RoomKey(c.tenant, env.Room), c.userKey, c.sessionKey)
		if c.activeRoom == env.Room {
			c.activeRoom = ""
		}
		c.sess.TrySend(sysLeft(c.traceID, env.Room))
		return true
	default:
		c.sess.TrySend(sysError(c.traceID, wire.CodeBadRequest, "unknown room type: "+env.Type))
		return true
	}
}

func (c *conn) handleHot(frame wire.HotFrame, bytesLen int) bool {
	v := c.rt.CheckHot(bytesLen, c.bucket, frame.SvcID, frame.Opcode)
	c.s.metrics.PolicyDecisions.WithLabelValues(c.tenant, string(wire.LaneHot), v.Action.String(), v.Reason).Inc()
	switch v.Action {
	case policy.ActionDrop:
		return true
	case policy.ActionClose:
		c.sess.TrySend(sysError(c.traceID, v.Code, v.Msg))
		c.sess.TrySend(closeFrame(ws.StatusPolicyViolation, string(v.Code)))
		c.sess.Close()
		return false
	}

	if c.rt.HotRequiresActiveRoom() && c.activeRoom == "" {
		return c.hotError(wire.NewError(wire.CodeBadRequest, "no active room"))
	}

	rctx := realtime.NewCtx(c.s.egress, c.tenant, c.user, c.sid, c.traceID, c.activeRoom)
	n := c.s.hotSample.Add(1)
	sampled := n&1023 == 1
	var start time.Time
	if sampled {
		start = time.Now()
	}
	err := c.s.dispatcher.DispatchHot(context.Background(), rctx, frame)
	if sampled {
		c.s.metrics.ObserveDispatch(c.tenant, string(wire.LaneHot), float64(time.Since(start).Microseconds()))
	}
	if err != nil {
		c.s.metrics.ServiceErrors.WithLabelValues(c.tenant, string(wire.LaneHot), "hot").Inc()
		return c.hotError(err)
	}
	return true
}

// hotError applies the tenant's hot_error_mode: drop mode stays silent,
// close mode surfaces the error and ends the connection.
func (c *conn) hotError(err error) bool {
	if !c.rt.HotErrorCloses() {
		c.log.Debug().Err(err).Msg("hot frame error dropped")
		return true
	}
	c.sess.TrySend(sysError(c.traceID, wire.CodeOf(err), wire.ClientMsg(err)))
	c.sess.TrySend(closeFrame(ws.StatusPolicyViolation, string(wire.CodeOf(err))))
	c.sess.Close()
	return false
}
