// Package dispatch routes decoded frames to registered services: ext
// envelopes by svc name, hot frames by numeric svc_id.
package dispatch

import (
	"context"
	"fmt"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

// ExtService handles one svc name on the ext (JSON) lane. Handlers parse
// env.Data lazily and must tolerate malformed payloads by returning a
// BAD_REQUEST wire error, never panicking.
type ExtService interface {
	Name() string
	Handle(ctx context.Context, rctx *realtime.Ctx, env wire.Envelope) error
}

// HotService handles one svc_id on the hot (binary) lane.
type HotService interface {
	ID() uint8
	HandleBinary(ctx context.Context, rctx *realtime.Ctx, frame wire.HotFrame) error
}

type Dispatcher struct {
	ext map[string]ExtService
	hot map[uint8]HotService
}

func New() *Dispatcher {
	return &Dispatcher{
		ext: make(map[string]ExtService),
		hot: make(map[uint8]HotService),
	}
}

// RegisterExt panics on duplicates: service wiring is a startup-time
// programming error, not a runtime condition.
func (d *Dispatcher) RegisterExt(svc ExtService) {
	name := svc.Name()
	if _, dup := d.ext[name]; dup {
		panic(fmt.Sprintf("dispatch: ext service %q registered twice", name))
	}
	d.ext[name] = svc
}

func (d *Dispatcher) RegisterHot(svc HotService) {
	id := svc.ID()
	if _, dup := d.hot[id]; dup {
		panic(fmt.Sprintf("dispatch: hot service %d registered twice", id))
	}
	d.hot[id] = svc
}

// DispatchExt routes an envelope. The envelope version is checked here, at
// the last common point before service code runs.
func (d *Dispatcher) DispatchExt(ctx context.Context, rctx *realtime.Ctx, env wire.Envelope) error {
	if env.V != 1 {
		return wire.Errorf(wire.CodeUnsupportedVersion, "unsupported envelope version: %d", env.V)
	}
	svc, ok := d.ext[env.Svc]
	if !ok {
		return wire.Errorf(wire.CodeBadRequest, "unknown svc: %s", env.Svc)
	}
	return svc.Handle(ctx, rctx, env)
}

// DispatchHot routes a binary frame by svc_id.
func (d *Dispatcher) DispatchHot(ctx context.Context, rctx *realtime.Ctx, frame wire.HotFrame) error {
	svc, ok := d.hot[frame.SvcID]
	if !ok {
		return wire.Errorf(wire.CodeBadRequest, "unknown svc_id: %d", frame.SvcID)
	}
	return svc.HandleBinary(ctx, rctx, frame)
}
