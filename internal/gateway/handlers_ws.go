package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"

	"github.com/wsprism/gateway/internal/monitoring"
)

const maxClientSIDLen = 64

// handleUpgrade runs the pre-upgrade gate in fixed order, cheapest checks
// first: draining, tenant, handshake defender, resource guard, tenant
// capacity, auth, sid. Everything here is still plain HTTP; a rejected
// client gets a status code, never a WebSocket frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	tenantID := q.Get("tenant")
	rt, ok := s.tenants[tenantID]
	if !ok {
		http.Error(w, "unknown tenant", http.StatusBadRequest)
		return
	}

	if s.defender != nil {
		if ok, reason, retryAfter := s.defender.Check(clientIP); !ok {
			s.metrics.HandshakeRejections.WithLabelValues(tenantID, reason).Inc()
			s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeRejected).Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			http.Error(w, "handshake rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if s.guard != nil {
		if ok, reason := s.guard.Admit(); !ok {
			s.metrics.GuardRejections.WithLabelValues(reason).Inc()
			s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeRejected).Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		s.metrics.GuardCPU.Set(s.guard.CPUPercent())
		s.metrics.GuardHeapBytes.Set(float64(s.guard.HeapBytes()))
	}

	// Best-effort capacity check against the tenant counter. The counter
	// may transiently overshoot; the authoritative check reruns inside
	// TryInsert after the upgrade.
	if s.sessions.CountTenant(tenantID) >= int64(rt.Limits().MaxSessionsTotal) {
		s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeCapacity).Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "tenant at capacity", http.StatusServiceUnavailable)
		return
	}

	user, err := resolveTicket(q.Get("ticket"))
	if err != nil {
		s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeAuthFailed).Inc()
		http.Error(w, "auth failed", http.StatusUnauthorized)
		return
	}

	sid := q.Get("sid")
	if sid == "" {
		sid = s.nextSID()
	} else if len(sid) > maxClientSIDLen {
		http.Error(w, "invalid sid", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("upgrade failed")
		s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeRejected).Inc()
		return
	}
	s.metrics.Upgrades.WithLabelValues(tenantID, monitoring.UpgradeOK).Inc()

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		s.serveConn(conn, rt, tenantID, user, sid, clientIP)
	}()
}

// clientIP takes the first X-Forwarded-For hop when present, otherwise
// the socket peer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
