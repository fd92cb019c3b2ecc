package wire

import "encoding/binary"

// HotVersion is the only binary protocol version the gateway speaks.
const HotVersion = 1

// hot frame flag bits
const FlagHasSeq = 0x01

// HotFrame is the Hot-lane binary frame:
//
//	[v u8][svc_id u8][opcode u8][flags u8][seq u32 LE, iff flags&0x01][payload...]
//
// Payload is a subslice of the input buffer; callers must not retain it past
// the read iteration unless they copy.
type HotFrame struct {
	V       uint8
	SvcID   uint8
	Opcode  uint8
	Flags   uint8
	Seq     uint32
	HasSeq  bool
	Payload []byte
}

// DecodeHotFrame parses a binary frame. It never panics on short input.
func DecodeHotFrame(b []byte) (HotFrame, error) {
	if len(b) < 4 {
		return HotFrame{}, NewError(CodeBadRequest, "hot frame too short")
	}
	f := HotFrame{V: b[0], SvcID: b[1], Opcode: b[2], Flags: b[3]}
	if f.V != HotVersion {
		return HotFrame{}, Errorf(CodeUnsupportedVersion, "unsupported hot version: %d", f.V)
	}
	rest := b[4:]
	if f.Flags&FlagHasSeq != 0 {
		if len(rest) < 4 {
			return HotFrame{}, NewError(CodeBadRequest, "seq flag set but missing u32")
		}
		f.Seq = binary.LittleEndian.Uint32(rest[:4])
		f.HasSeq = true
		rest = rest[4:]
	}
	f.Payload = rest
	return f, nil
}

// EncodeHotFrame mirrors DecodeHotFrame. The seq word is written iff the
// seq flag is set; Flags is normalized to agree with HasSeq.
func EncodeHotFrame(f HotFrame) []byte {
	flags := f.Flags
	if f.HasSeq {
		flags |= FlagHasSeq
	} else {
		flags &^= FlagHasSeq
	}
	size := 4 + len(f.Payload)
	if f.HasSeq {
		size += 4
	}
	out := make([]byte, 0, size)
	out = append(out, f.V, f.SvcID, f.Opcode, flags)
	if f.HasSeq {
		out = binary.LittleEndian.AppendUint32(out, f.Seq)
	}
	return append(out, f.Payload...)
}
