package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

type fixture struct {
	engine *realtime.Engine
	reg    *realtime.Registry
	pres   *realtime.Presence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := realtime.NewRegistry()
	pres := realtime.NewPresence()
	return &fixture{
		engine: realtime.NewEngine(reg, pres, zerolog.Nop()),
		reg:    reg,
		pres:   pres,
	}
}

// join registers a session and puts it in the room, returning the session
// and a dispatch ctx for it with the room active.
func (fx *fixture) join(t *testing.T, tenant, user, sid, room string) (*realtime.Session, *realtime.Ctx) {
	t.Helper()
	uk := realtime.UserKey(tenant, user)
	sess, err := fx.reg.TryInsert(tenant, uk, realtime.SessionKey(uk, sid), 8, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if room != "" {
		rk := realtime.RoomKey(tenant, room)
		if err := fx.pres.TryJoin(tenant, rk, uk, sess.SessionKey, realtime.RoomLimits{}); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return sess, realtime.NewCtx(fx.engine, tenant, user, sid, "t-1", room)
}

func recvText(t *testing.T, s *realtime.Session) []byte {
	t.Helper()
	select {
	case f := <-s.Queue():
		if f.Op != ws.OpText {
			t.Fatalf("op = %v, want text", f.Op)
		}
		return f.Data
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestChatSendBroadcastsToRoom(t *testing.T) {
	fx := newFixture(t)
	_, aliceCtx := fx.join(t, "acme", "alice", "s1", "lobby")
	bob, _ := fx.join(t, "acme", "bob", "s1", "lobby")

	env := wire.Envelope{
		V: 1, Svc: "chat", Type: "send", Room: "lobby",
		Data: json.RawMessage(`{"msg":"hello"}`),
	}
	if err := NewChat().Handle(context.Background(), aliceCtx, env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var got chatMsgOut
	if err := json.Unmarshal(recvText(t, bob), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.V != 1 || got.Svc != "chat" || got.Type != "msg" || got.Room != "lobby" {
		t.Fatalf("out = %+v", got)
	}
	if got.Data.From != "alice" || got.Data.Msg != "hello" {
		t.Fatalf("data = %+v", got.Data)
	}
}

func TestChatSendValidation(t *testing.T) {
	fx := newFixture(t)
	_, ctx := fx.join(t, "acme", "alice", "s1", "")
	chat := NewChat()

	cases := []struct {
		name string
		env  wire.Envelope
	}{
		{"missing room", wire.Envelope{V: 1, Svc: "chat", Type: "send", Data: json.RawMessage(`{"msg":"x"}`)}},
		{"missing data", wire.Envelope{V: 1, Svc: "chat", Type: "send", Room: "lobby"}},
		{"bad data json", wire.Envelope{V: 1, Svc: "chat", Type: "send", Room: "lobby", Data: json.RawMessage(`{`)}},
		{"unknown type", wire.Envelope{V: 1, Svc: "chat", Type: "history", Room: "lobby"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := chat.Handle(context.Background(), ctx, tc.env)
			if wire.CodeOf(err) != wire.CodeBadRequest {
				t.Fatalf("err = %v, want BAD_REQUEST", err)
			}
		})
	}
}
