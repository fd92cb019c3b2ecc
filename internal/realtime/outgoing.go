package realtime

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"

	"github.com/wsprism/gateway/internal/wire"
)

// QoS selects the fan-out discipline for an outbound message.
type QoS struct {
	Reliable bool
	// Timeout bounds each recipient's enqueue when Reliable; 0 waits
	// indefinitely. Ignored for lossy sends.
	Timeout time.Duration
}

func Lossy() QoS { return QoS{} }

func Reliable(timeout time.Duration) QoS { return QoS{Reliable: true, Timeout: timeout} }

type payloadKind int

const (
	payloadTextJSON payloadKind = iota
	payloadUTF8
	payloadBinary
)

// Payload is the not-yet-prepared body of an outbound message.
type Payload struct {
	kind  payloadKind
	value any
	raw   []byte
}

// TextJSON marshals value once at prepare time and sends it as a text frame.
func TextJSON(value any) Payload { return Payload{kind: payloadTextJSON, value: value} }

// UTF8Bytes sends pre-encoded text; prepare validates the encoding.
func UTF8Bytes(b []byte) Payload { return Payload{kind: payloadUTF8, raw: b} }

// Binary sends raw bytes as a binary frame.
func Binary(b []byte) Payload { return Payload{kind: payloadBinary, raw: b} }

// Outgoing pairs a payload with its delivery discipline.
type Outgoing struct {
	QoS     QoS
	Payload Payload
}

// prepare serializes exactly once per publish; fan-out then shares the
// resulting frame across all recipients.
func (o Outgoing) prepare() (Frame, error) {
	switch o.Payload.kind {
	case payloadTextJSON:
		b, err := json.Marshal(o.Payload.value)
		if err != nil {
			return Frame{}, wire.WrapError(wire.CodeInternal, "encode outgoing payload", err)
		}
		return Frame{Op: ws.OpText, Data: b}, nil
	case payloadUTF8:
		if !utf8.Valid(o.Payload.raw) {
			return Frame{}, wire.NewError(wire.CodeInternal, "outgoing text payload is not valid UTF-8")
		}
		return Frame{Op: ws.OpText, Data: o.Payload.raw}, nil
	default:
		return Frame{Op: ws.OpBinary, Data: o.Payload.raw}, nil
	}
}
