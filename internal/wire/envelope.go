package wire

import (
	"bytes"
	"encoding/json"
)

// Envelope is the Ext-lane JSON frame. Data stays raw so services parse it
// lazily; a connection never pays for a payload the policy layer rejects.
type Envelope struct {
	V     uint8           `json:"v"`
	Svc   string          `json:"svc"`
	Type  string          `json:"type"`
	Flags uint32          `json:"flags,omitempty"`
	Seq   *uint64         `json:"seq,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a text frame strictly: unknown fields are rejected
// so client typos surface immediately instead of being silently ignored.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, Errorf(CodeBadRequest, "invalid envelope json: %v", err)
	}
	return env, nil
}

// EncodeEnvelope serializes an envelope, preserving Data byte-for-byte.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, WrapError(CodeInternal, "encode envelope", err)
	}
	return b, nil
}
