// Package services holds the built-in demo services: chat on the ext lane
// and a binary echo on the hot lane. They double as reference
// implementations for the service interfaces.
package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

const chatReliableTimeout = 1500 * time.Millisecond

// Chat is a minimal room chat: "send" fans a message out reliably to the
// target room.
type Chat struct{}

func NewChat() *Chat { return &Chat{} }

func (*Chat) Name() string { return "chat" }

type chatSendReq struct {
	Msg string `json:"msg"`
}

type chatMsgOut struct {
	V    uint8       `json:"v"`
	Svc  string      `json:"svc"`
	Type string      `json:"type"`
	Room string      `json:"room"`
	Data chatMsgData `json:"data"`
}

type chatMsgData struct {
	From string `json:"from"`
	Msg  string `json:"msg"`
}

func (c *Chat) Handle(ctx context.Context, rctx *realtime.Ctx, env wire.Envelope) error {
	switch env.Type {
	case "send":
		if env.Room == "" {
			return wire.NewError(wire.CodeBadRequest, "chat.send requires room")
		}
		req, err := parseData[chatSendReq](env.Data)
		if err != nil {
			return err
		}
		out := realtime.Outgoing{
			QoS: realtime.Reliable(chatReliableTimeout),
			Payload: realtime.TextJSON(chatMsgOut{
				V:    1,
				Svc:  "chat",
				Type: "msg",
				Room: env.Room,
				Data: chatMsgData{From: rctx.User, Msg: req.Msg},
			}),
		}
		return rctx.PublishRoomReliable(ctx, env.Room, out)
	default:
		return wire.Errorf(wire.CodeBadRequest, "unknown chat type: %s", env.Type)
	}
}

// parseData decodes a lazy data payload. Missing or malformed data is a
// client error, surfaced as BAD_REQUEST.
func parseData[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, wire.NewError(wire.CodeBadRequest, "missing data")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, wire.NewError(wire.CodeBadRequest, "invalid data json")
	}
	return v, nil
}
