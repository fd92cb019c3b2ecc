// Package limits holds pre-upgrade admission checks: the handshake defender
// (connection-rate DoS protection) and the host resource guard.
package limits

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defender rate-limits WebSocket handshakes before the upgrade is accepted.
//
// Two levels, cheapest first:
//   - Global: caps system-wide handshake rate (distributed attacks)
//   - Per-IP: caps a single client (floods, broken reconnect loops)
//
// A rejected handshake gets HTTP 429 with a Retry-After hint.
type Defender struct {
	global *rate.Limiter

	mu      sync.Mutex
	ips     map[string]*ipEntry
	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration
	maxIPs  int

	logger zerolog.Logger

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type DefenderConfig struct {
	GlobalRPS    int
	GlobalBurst  int
	PerIPRPS     int
	PerIPBurst   int
	MaxIPEntries int
	IPTTL        time.Duration // default 5m
	Logger       zerolog.Logger
}

// Rejection reasons, used as metric labels.
const (
	RejectGlobal = "global"
	RejectPerIP  = "per_ip"
)

func NewDefender(cfg DefenderConfig) *Defender {
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	d := &Defender{
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		ips:       make(map[string]*ipEntry),
		ipRate:    rate.Limit(cfg.PerIPRPS),
		ipBurst:   cfg.PerIPBurst,
		ipTTL:     cfg.IPTTL,
		maxIPs:    cfg.MaxIPEntries,
		logger:    cfg.Logger.With().Str("component", "handshake_defender").Logger(),
		stopSweep: make(chan struct{}),
	}
	d.sweepTicker = time.NewTicker(1 * time.Minute)
	go d.sweepLoop()
	return d
}

// Check decides whether a handshake from ip may proceed. On rejection it
// returns the reason label and a Retry-After hint in whole seconds (>= 1).
func (d *Defender) Check(ip string) (ok bool, reason string, retryAfter int) {
	if !d.global.Allow() {
		d.logger.Debug().Str("ip", ip).Msg("handshake rejected: global rate limit")
		return false, RejectGlobal, retryAfterHint(d.global)
	}
	lim := d.ipLimiter(ip)
	if !lim.Allow() {
		d.logger.Debug().Str("ip", ip).Msg("handshake rejected: per-IP rate limit")
		return false, RejectPerIP, retryAfterHint(lim)
	}
	return true, "", 0
}

// retryAfterHint asks the limiter how long until the next token and rounds
// up to whole seconds, never below 1. The reservation is cancelled so the
// probe does not consume the token it measured.
func retryAfterHint(l *rate.Limiter) int {
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (d *Defender) ipLimiter(ip string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.ips[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	lim := rate.NewLimiter(d.ipRate, d.ipBurst)
	d.ips[ip] = &ipEntry{limiter: lim, lastAccess: time.Now()}
	return lim
}

func (d *Defender) sweepLoop() {
	for {
		select {
		case <-d.sweepTicker.C:
			d.sweep()
		case <-d.stopSweep:
			d.sweepTicker.Stop()
			return
		}
	}
}

// sweep removes idle entries, then enforces the hard map cap by evicting
// the least recently seen IPs. The cap bounds memory under spoofed-IP
// floods where no entry ever goes idle.
func (d *Defender) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, e := range d.ips {
		if now.Sub(e.lastAccess) > d.ipTTL {
			delete(d.ips, ip)
			removed++
		}
	}
	for d.maxIPs > 0 && len(d.ips) > d.maxIPs {
		var oldestIP string
		var oldest time.Time
		for ip, e := range d.ips {
			if oldestIP == "" || e.lastAccess.Before(oldest) {
				oldestIP, oldest = ip, e.lastAccess
			}
		}
		delete(d.ips, oldestIP)
		removed++
	}
	if removed > 0 {
		d.logger.Debug().Int("removed", removed).Int("remaining", len(d.ips)).
			Msg("swept handshake limiter entries")
	}
}

// TrackedIPs reports the per-IP map size, for stats endpoints and tests.
func (d *Defender) TrackedIPs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ips)
}

func (d *Defender) Stop() {
	d.stopOnce.Do(func() { close(d.stopSweep) })
}
