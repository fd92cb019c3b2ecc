package wire

import "github.com/gobwas/ws"

// Lane identifies which protocol lane a frame arrived on. It is also a
// metric label value.
type Lane string

const (
	LaneExt Lane = "ext"
	LaneHot Lane = "hot"
)

// Inbound is the decode-once result for a single WebSocket frame. Exactly
// one of the lane fields is meaningful, per Kind.
type Inbound struct {
	Kind     InboundKind
	Env      Envelope // Kind == InboundText
	Frame    HotFrame // Kind == InboundHot
	BytesLen int      // raw frame length, for policy length checks
	Control  []byte   // ping/pong payload
}

type InboundKind int

const (
	InboundText InboundKind = iota
	InboundHot
	InboundPing
	InboundPong
	InboundClose
)

// Decode classifies and parses one frame. Control frames pass through for
// lifecycle handling; data frames are fully parsed here so downstream code
// never touches raw bytes.
func Decode(op ws.OpCode, b []byte) (Inbound, error) {
	switch op {
	case ws.OpText:
		env, err := DecodeEnvelope(b)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InboundText, Env: env, BytesLen: len(b)}, nil
	case ws.OpBinary:
		frame, err := DecodeHotFrame(b)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: InboundHot, Frame: frame, BytesLen: len(b)}, nil
	case ws.OpPing:
		return Inbound{Kind: InboundPing, Control: b}, nil
	case ws.OpPong:
		return Inbound{Kind: InboundPong, Control: b}, nil
	case ws.OpClose:
		return Inbound{Kind: InboundClose}, nil
	default:
		return Inbound{}, Errorf(CodeBadRequest, "unsupported frame op: %v", op)
	}
}
