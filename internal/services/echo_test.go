package services

import (
	"bytes"
	"context"
	"testing"

	"github.com/gobwas/ws"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

func recvBinary(t *testing.T, s *realtime.Session) []byte {
	t.Helper()
	select {
	case f := <-s.Queue():
		if f.Op != ws.OpBinary {
			t.Fatalf("op = %v, want binary", f.Op)
		}
		return f.Data
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestEchoBroadcastsToActiveRoom(t *testing.T) {
	fx := newFixture(t)
	alice, aliceCtx := fx.join(t, "acme", "alice", "s1", "arena")
	bob, _ := fx.join(t, "acme", "bob", "s1", "arena")

	frame := wire.HotFrame{V: 1, SvcID: 1, Opcode: 1, Payload: []byte{9, 8, 7}}
	if err := NewEchoBinary(1).HandleBinary(context.Background(), aliceCtx, frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	for _, s := range []*realtime.Session{alice, bob} {
		if got := recvBinary(t, s); !bytes.Equal(got, []byte{9, 8, 7}) {
			t.Fatalf("payload = %x", got)
		}
	}
}

func TestEchoFallsBackToSessionWithoutRoom(t *testing.T) {
	fx := newFixture(t)
	alice, ctx := fx.join(t, "acme", "alice", "s1", "")

	frame := wire.HotFrame{V: 1, SvcID: 1, Opcode: 1, Payload: []byte{1}}
	if err := NewEchoBinary(1).HandleBinary(context.Background(), ctx, frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := recvBinary(t, alice); !bytes.Equal(got, []byte{1}) {
		t.Fatalf("payload = %x", got)
	}
}

func TestEchoCopiesPayload(t *testing.T) {
	fx := newFixture(t)
	alice, ctx := fx.join(t, "acme", "alice", "s1", "")

	buf := []byte{1, 2, 3}
	frame := wire.HotFrame{V: 1, SvcID: 1, Opcode: 1, Payload: buf}
	if err := NewEchoBinary(1).HandleBinary(context.Background(), ctx, frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Mutating the read buffer after dispatch must not corrupt the
	// queued frame.
	buf[0] = 0xFF
	if got := recvBinary(t, alice); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("payload = %x, aliasing bug", got)
	}
}
