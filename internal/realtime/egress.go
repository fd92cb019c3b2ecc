package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Engine fans prepared frames out to session queues.
//
// Lossy publishes never block: a full or closed queue is a drop, counted
// and logged on a 1-in-1024 sample so a single slow client cannot flood
// the log at broadcast rate. Reliable publishes enqueue concurrently per
// recipient with an optional per-recipient timeout; one recipient's
// failure never affects the others.
type Engine struct {
	sessions *Registry
	presence *Presence
	logger   zerolog.Logger

	drops     atomic.Uint64
	sendFails atomic.Uint64
}

func NewEngine(sessions *Registry, presence *Presence, logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		presence: presence,
		logger:   logger.With().Str("component", "egress").Logger(),
	}
}

// sampleEvery1024 is true for n = 1, 1025, 2049, ...
func sampleEvery1024(n uint64) bool { return n&1023 == 1 }

// SendToSession delivers to one session, honoring the message's QoS.
func (e *Engine) SendToSession(ctx context.Context, sessionKey string, out Outgoing) error {
	sess, ok := e.sessions.Get(sessionKey)
	if !ok {
		return ErrUnknownSession
	}
	frame, err := out.prepare()
	if err != nil {
		return err
	}
	return e.deliverOne(ctx, sess, frame, out.QoS)
}

// SendToUser delivers to every session of a user.
func (e *Engine) SendToUser(ctx context.Context, userKey string, out Outgoing) error {
	frame, err := out.prepare()
	if err != nil {
		return err
	}
	sessions := e.sessions.SessionsOfUser(userKey)
	if out.QoS.Reliable {
		e.deliverReliable(ctx, sessions, frame, out.QoS)
		return nil
	}
	for _, s := range sessions {
		e.deliverLossy(s, frame, "")
	}
	return nil
}

// PublishRoomLossy broadcasts to a room, dropping on backpressure.
func (e *Engine) PublishRoomLossy(roomKey string, out Outgoing) error {
	frame, err := out.prepare()
	if err != nil {
		return err
	}
	for _, sk := range e.presence.SessionsIn(roomKey) {
		if sess, ok := e.sessions.Get(sk); ok {
			e.deliverLossy(sess, frame, roomKey)
		}
	}
	return nil
}

// PublishRoomReliable broadcasts to a room, blocking per recipient up to
// the QoS timeout. Prepared once, sent concurrently.
func (e *Engine) PublishRoomReliable(ctx context.Context, roomKey string, out Outgoing) error {
	frame, err := out.prepare()
	if err != nil {
		return err
	}
	var sessions []*Session
	for _, sk := range e.presence.SessionsIn(roomKey) {
		if sess, ok := e.sessions.Get(sk); ok {
			sessions = append(sessions, sess)
		}
	}
	e.deliverReliable(ctx, sessions, frame, out.QoS)
	return nil
}

func (e *Engine) deliverOne(ctx context.Context, sess *Session, frame Frame, qos QoS) error {
	if !qos.Reliable {
		e.deliverLossy(sess, frame, "")
		return nil
	}
	if err := sess.Send(ctx, frame, qos.Timeout); err != nil {
		e.noteSendFail(sess, err)
		return err
	}
	return nil
}

func (e *Engine) deliverLossy(sess *Session, frame Frame, roomKey string) {
	if sess.TrySend(frame) {
		return
	}
	n := e.drops.Add(1)
	if sampleEvery1024(n) {
		e.logger.Warn().
			Str("session", sess.SessionKey).
			Str("room", roomKey).
			Uint64("total_drops", n).
			Msg("lossy send dropped (sampled 1/1024)")
	}
}

func (e *Engine) deliverReliable(ctx context.Context, sessions []*Session, frame Frame, qos QoS) {
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Send(ctx, frame, qos.Timeout); err != nil {
				e.noteSendFail(s, err)
			}
		}(sess)
	}
	wg.Wait()
}

func (e *Engine) noteSendFail(sess *Session, err error) {
	n := e.sendFails.Add(1)
	if sampleEvery1024(n) {
		e.logger.Warn().
			Str("session", sess.SessionKey).
			Err(err).
			Uint64("total_failures", n).
			Msg("reliable send failed (sampled 1/1024)")
	}
}

// Drops reports cumulative lossy drops.
func (e *Engine) Drops() uint64 { return e.drops.Load() }

// SendFailures reports cumulative reliable-send failures.
func (e *Engine) SendFailures() uint64 { return e.sendFails.Load() }

// ShutdownAll enqueues a close frame to every live session, best-effort.
// Used at drain start so clients get a clean goodbye before the grace
// timer force-closes stragglers.
func (e *Engine) ShutdownAll(code ws.StatusCode, reason string) {
	frame := Frame{Op: ws.OpClose, Data: ws.NewCloseFrameBody(code, reason)}
	e.sessions.ForEach(func(s *Session) {
		s.TrySend(frame)
	})
}
