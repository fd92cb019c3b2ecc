package gateway

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/wsprism/gateway/internal/realtime"
)

// writePump is the connection's single socket writer. It batches queued
// frames through a buffered writer to cut syscalls, keeps the client alive
// with pings, and enforces the per-write deadline. When the session is
// closed it flushes whatever is still queued (the goodbye frames from a
// kick or drain live there) before closing the socket.
func (c *conn) writePump() {
	writer := bufio.NewWriter(c.netConn)
	pingInterval := time.Duration(c.s.cfg.Gateway.PingIntervalMS) * time.Millisecond
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.netConn.Close()
		c.cleanup()
	}()

	for {
		select {
		case frame := <-c.sess.Queue():
			if !c.writeFrame(writer, frame) {
				return
			}
			// Batch whatever else is already queued before flushing.
			// Safe to receive without a default: this pump is the only
			// consumer, so QueueLen frames are guaranteed present.
			closeSeen := frame.Op == ws.OpClose
			n := c.sess.QueueLen()
			for i := 0; i < n && !closeSeen; i++ {
				next := <-c.sess.Queue()
				if !c.writeFrame(writer, next) {
					return
				}
				closeSeen = next.Op == ws.OpClose
			}
			if err := writer.Flush(); err != nil {
				c.log.Debug().Err(err).Msg("flush failed")
				return
			}
			if closeSeen {
				return
			}

		case <-ticker.C:
			c.setWriteDeadline()
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				c.noteWriteError(err, "ping failed")
				return
			}

		case <-c.sess.Done():
			c.drainAndClose(writer)
			return
		}
	}
}

// drainAndClose best-effort flushes the remaining queue after close. The
// last chance for sys.kicked / close frames to reach the client.
func (c *conn) drainAndClose(writer *bufio.Writer) {
	for {
		select {
		case frame := <-c.sess.Queue():
			if !c.writeFrame(writer, frame) {
				return
			}
			if frame.Op == ws.OpClose {
				writer.Flush()
				return
			}
		default:
			writer.Flush()
			return
		}
	}
}

func (c *conn) writeFrame(writer *bufio.Writer, frame realtime.Frame) bool {
	c.setWriteDeadline()
	if err := wsutil.WriteServerMessage(writer, frame.Op, frame.Data); err != nil {
		c.noteWriteError(err, "write failed")
		return false
	}
	// Close frames must hit the wire before the socket goes away.
	if frame.Op == ws.OpClose {
		if err := writer.Flush(); err != nil {
			c.noteWriteError(err, "close flush failed")
			return false
		}
	}
	return true
}

func (c *conn) setWriteDeadline() {
	timeout := time.Duration(c.s.cfg.Gateway.WriterSendTimeoutMS) * time.Millisecond
	if timeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	}
}

func (c *conn) noteWriteError(err error, msg string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.s.metrics.WriterTimeouts.WithLabelValues(c.tenant).Inc()
	}
	c.log.Debug().Err(err).Msg(msg)
}
