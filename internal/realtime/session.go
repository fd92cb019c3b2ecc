package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// Frame is one outbound WebSocket frame, ready to write.
type Frame struct {
	Op   ws.OpCode
	Data []byte
}

// Session is one WebSocket connection's registry entry. Identity fields are
// immutable after construction.
//
// The queue channel is never closed; closing is signalled through done
// (closed exactly once) and every send selects against it. This keeps
// concurrent senders safe during teardown: a send racing a close fails
// cleanly instead of panicking on a closed channel.
type Session struct {
	Tenant     string
	UserKey    string
	SessionKey string
	CreatedSeq uint64

	queue     chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(tenant, userKey, sessionKey string, createdSeq uint64, queueLen int) *Session {
	return &Session{
		Tenant:     tenant,
		UserKey:    userKey,
		SessionKey: sessionKey,
		CreatedSeq: createdSeq,
		queue:      make(chan Frame, queueLen),
		done:       make(chan struct{}),
	}
}

// TrySend enqueues without blocking. False means the queue was full or the
// session is closed; lossy callers treat both as a drop.
func (s *Session) TrySend(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- f:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Send blocks until the frame is enqueued, the session closes, ctx is
// cancelled, or timeout elapses. timeout <= 0 waits indefinitely.
func (s *Session) Send(ctx context.Context, f Frame, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case s.queue <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the session dead. Idempotent. Frames already queued remain
// readable so the writer can flush them before tearing the socket down.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Queue is the writer pump's consumption side.
func (s *Session) Queue() <-chan Frame { return s.queue }

// QueueLen reports frames currently buffered, for drain decisions.
func (s *Session) QueueLen() int { return len(s.queue) }
