package services

import (
	"context"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

// EchoBinary is the hot-lane demo: the payload is echoed back as-is,
// lossily, to the sender's active room when they have one, otherwise to
// the sending session alone.
type EchoBinary struct {
	id uint8
}

func NewEchoBinary(id uint8) *EchoBinary { return &EchoBinary{id: id} }

func (e *EchoBinary) ID() uint8 { return e.id }

func (e *EchoBinary) HandleBinary(ctx context.Context, rctx *realtime.Ctx, frame wire.HotFrame) error {
	// Frame payloads alias the read buffer; copy before handing off to
	// queues that outlive this dispatch.
	data := make([]byte, len(frame.Payload))
	copy(data, frame.Payload)

	out := realtime.Outgoing{QoS: realtime.Lossy(), Payload: realtime.Binary(data)}
	if rctx.ActiveRoom != "" {
		return rctx.PublishRoomLossy(rctx.ActiveRoom, out)
	}
	return rctx.SendToSelf(ctx, out)
}
