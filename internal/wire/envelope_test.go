package wire

import (
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"v":1,"svc":"chat","type":"send","room":"r1","data":{"msg":"hi"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.V != 1 || env.Svc != "chat" || env.Type != "send" || env.Room != "r1" {
		t.Fatalf("envelope = %+v", env)
	}
	if string(env.Data) != `{"msg":"hi"}` {
		t.Fatalf("data = %s, want raw bytes preserved", env.Data)
	}
	if env.Flags != 0 || env.Seq != nil {
		t.Fatalf("defaults wrong: flags=%d seq=%v", env.Flags, env.Seq)
	}
}

func TestDecodeEnvelopeUnknownField(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":1,"svc":"chat","type":"send","bogus":1}`))
	if err == nil {
		t.Fatal("expected rejection of unknown field")
	}
	if CodeOf(err) != CodeBadRequest {
		t.Fatalf("code = %s, want BAD_REQUEST", CodeOf(err))
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":`))
	if err == nil {
		t.Fatal("expected error")
	}
	if CodeOf(err) != CodeBadRequest {
		t.Fatalf("code = %s", CodeOf(err))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	seq := uint64(9)
	in := Envelope{V: 1, Svc: "game", Type: "input", Flags: 2, Seq: &seq, Room: "arena", Data: []byte(`{"k":[1,2]}`)}
	b, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Svc != in.Svc || out.Type != in.Type || out.Flags != in.Flags || out.Room != in.Room {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Seq == nil || *out.Seq != seq {
		t.Fatalf("seq = %v", out.Seq)
	}
	if string(out.Data) != `{"k":[1,2]}` {
		t.Fatalf("data = %s", out.Data)
	}
}
