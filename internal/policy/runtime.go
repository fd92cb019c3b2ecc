// Package policy implements the per-tenant decision runtime: frame length,
// rate, then allowlist — always in that order, so an oversize frame is
// rejected before it spends a rate token.
package policy

import (
	"fmt"

	"github.com/wsprism/gateway/internal/config"
	"github.com/wsprism/gateway/internal/wire"
)

// Action is what the connection loop does with a frame.
type Action int

const (
	ActionPass Action = iota
	ActionDrop
	ActionReject
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionDrop:
		return "drop"
	case ActionReject:
		return "reject"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of a policy check. Code and Msg are set for
// Reject and Close so the loop can build the sys.error frame directly.
// Reason labels decision metrics with the stable error code that caused
// a non-pass verdict; passes carry no reason.
type Verdict struct {
	Action Action
	Reason string
	Code   wire.Code
	Msg    string
}

var pass = Verdict{Action: ActionPass}

// Runtime is one tenant's compiled policy. One instance per tenant, shared
// by all of that tenant's connections; the tenant-scope bucket lives here.
type Runtime struct {
	tenant       string
	maxFrame     int
	rps, burst   int
	perConn      bool
	tenantBucket *TokenBucket // nil for connection-only scope
	ext          *ExtAllowlist
	hot          *HotAllowlist

	limits        config.TenantLimits
	sessions      config.SessionPolicy
	hotErrorClose bool
	hotNeedsRoom  bool
}

// Compile validates and compiles a tenant's policy. Errors here abort
// startup; a tenant never runs with a half-compiled policy.
func Compile(t config.Tenant) (*Runtime, error) {
	ext, err := CompileExt(t.Policy.ExtAllowlist)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	hot, err := CompileHot(t.Policy.HotAllowlist)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	scope := t.Policy.RateLimitScope
	var tenantBucket *TokenBucket
	if scope == "tenant" || scope == "tenant+conn" {
		tenantBucket = NewTokenBucket(t.Policy.RateLimitRPS, t.Policy.RateLimitBurst)
	}
	return &Runtime{
		tenant:        t.ID,
		maxFrame:      t.Limits.MaxFrameBytes,
		rps:           t.Policy.RateLimitRPS,
		burst:         t.Policy.RateLimitBurst,
		perConn:       scope == "conn" || scope == "tenant+conn",
		tenantBucket:  tenantBucket,
		ext:           ext,
		hot:           hot,
		limits:        t.Limits,
		sessions:      t.Policy.Sessions,
		hotErrorClose: t.Policy.HotErrorMode == "close",
		hotNeedsRoom:  t.Policy.HotRequiresActiveRoom,
	}, nil
}

func (r *Runtime) Tenant() string                 { return r.tenant }
func (r *Runtime) MaxFrameBytes() int             { return r.maxFrame }
func (r *Runtime) Limits() config.TenantLimits    { return r.limits }
func (r *Runtime) Sessions() config.SessionPolicy { return r.sessions }
func (r *Runtime) HotErrorCloses() bool           { return r.hotErrorClose }
func (r *Runtime) HotRequiresActiveRoom() bool    { return r.hotNeedsRoom }

// NewConnBucket returns a per-connection bucket, or nil when the tenant's
// rate scope is tenant-wide only.
func (r *Runtime) NewConnBucket() *TokenBucket {
	if !r.perConn {
		return nil
	}
	return NewTokenBucket(r.rps, r.burst)
}

func (r *Runtime) allowRate(conn *TokenBucket) bool {
	if r.tenantBucket != nil && !r.tenantBucket.Allow() {
		return false
	}
	return conn == nil || conn.Allow()
}

// roomShortPath: minimal room membership ops are permitted even under a
// deny-by-default allowlist. Length and rate checks still apply.
func roomShortPath(svc, typ string) bool {
	return svc == "room" && (typ == "join" || typ == "leave")
}

// checkLen is the cheap global gate shared by both lanes; it runs before
// any lane-specific handling, so an oversize frame closes the connection
// even on the hot lane in drop mode.
func (r *Runtime) checkLen(bytesLen int) Verdict {
	if bytesLen > r.maxFrame {
		return Verdict{
			Action: ActionClose,
			Reason: string(wire.CodePayloadTooLarge),
			Code:   wire.CodeBadRequest,
			Msg:    "frame too large",
		}
	}
	return pass
}

// CheckText runs the ext-lane pipeline for one frame. Over-limit traffic
// drops silently; only allowlist violations get a sys.error back.
func (r *Runtime) CheckText(bytesLen int, conn *TokenBucket, svc, typ string) Verdict {
	if v := r.checkLen(bytesLen); v.Action != ActionPass {
		return v
	}
	if !r.allowRate(conn) {
		return Verdict{Action: ActionDrop, Reason: string(wire.CodeRateLimited)}
	}
	if roomShortPath(svc, typ) {
		return pass
	}
	if r.ext.Empty() {
		return Verdict{
			Action: ActionReject,
			Reason: string(wire.CodeBadRequest),
			Code:   wire.CodeBadRequest,
			Msg:    "ext_allowlist empty (strict deny)",
		}
	}
	if !r.ext.Allows(svc, typ) {
		return Verdict{
			Action: ActionReject,
			Reason: string(wire.CodeNotAllowed),
			Code:   wire.CodeNotAllowed,
			Msg:    "svc/type not allowed",
		}
	}
	return pass
}

// CheckHot runs the hot-lane pipeline. Past the length gate the hot lane
// never sends error frames from policy: violations drop without feedback.
func (r *Runtime) CheckHot(bytesLen int, conn *TokenBucket, svcID, opcode uint8) Verdict {
	if v := r.checkLen(bytesLen); v.Action != ActionPass {
		return v
	}
	if !r.allowRate(conn) {
		return Verdict{Action: ActionDrop, Reason: string(wire.CodeRateLimited)}
	}
	if r.hot.Empty() {
		return Verdict{Action: ActionDrop, Reason: string(wire.CodeBadRequest)}
	}
	if !r.hot.Allows(svcID, opcode) {
		return Verdict{Action: ActionDrop, Reason: string(wire.CodeNotAllowed)}
	}
	return pass
}
