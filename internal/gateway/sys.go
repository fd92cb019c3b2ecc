package gateway

import (
	"encoding/json"

	"github.com/gobwas/ws"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

// sysMsg is the gateway-originated envelope. Every lifecycle event a
// client sees (authed, joined, left, error, kicked) is one of these.
type sysMsg struct {
	V       uint8  `json:"v"`
	Svc     string `json:"svc"`
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Data    any    `json:"data,omitempty"`
	TraceID string `json:"trace_id"`
}

type sysErrorData struct {
	Code wire.Code `json:"code"`
	Msg  string    `json:"msg"`
}

type sysAuthedData struct {
	Tenant string `json:"tenant"`
	User   string `json:"user"`
	SID    string `json:"sid"`
}

type sysKickedData struct {
	Reason string `json:"reason"`
}

func sysFrame(traceID, typ, room string, data any) realtime.Frame {
	b, err := json.Marshal(sysMsg{
		V:       1,
		Svc:     "sys",
		Type:    typ,
		Room:    room,
		Data:    data,
		TraceID: traceID,
	})
	if err != nil {
		// All sys payloads are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return realtime.Frame{Op: ws.OpText, Data: b}
}

func sysAuthed(traceID, tenant, user, sid string) realtime.Frame {
	return sysFrame(traceID, "authed", "", sysAuthedData{Tenant: tenant, User: user, SID: sid})
}

func sysJoined(traceID, room string) realtime.Frame {
	// data is an empty object, not absent, for strict clients.
	return sysFrame(traceID, "joined", room, struct{}{})
}

func sysLeft(traceID, room string) realtime.Frame {
	return sysFrame(traceID, "left", room, struct{}{})
}

func sysError(traceID string, code wire.Code, msg string) realtime.Frame {
	return sysFrame(traceID, "error", "", sysErrorData{Code: code, Msg: msg})
}

func sysKicked(traceID, reason string) realtime.Frame {
	return sysFrame(traceID, "kicked", "", sysKickedData{Reason: reason})
}

func closeFrame(code ws.StatusCode, reason string) realtime.Frame {
	return realtime.Frame{Op: ws.OpClose, Data: ws.NewCloseFrameBody(code, reason)}
}
