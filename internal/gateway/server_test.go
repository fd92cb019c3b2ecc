package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wsprism/gateway/internal/config"
	"github.com/wsprism/gateway/internal/dispatch"
	"github.com/wsprism/gateway/internal/services"
	"github.com/wsprism/gateway/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		Version: 1,
		Gateway: config.Gateway{
			Listen:              ":0",
			PingIntervalMS:      60000,
			IdleTimeoutMS:       120000,
			WriterSendTimeoutMS: 2000,
			DrainGraceMS:        2000,
			SendQueueLen:        64,
		},
		Tenants: []config.Tenant{{
			ID: "demo",
			Limits: config.TenantLimits{
				MaxFrameBytes:    4096,
				MaxSessionsTotal: 100,
				MaxUsersPerRoom:  10,
				MaxRoomsPerUser:  4,
				MaxRoomsTotal:    50,
			},
			Policy: config.TenantPolicy{
				RateLimitRPS:   1000,
				RateLimitBurst: 1000,
				RateLimitScope: "tenant+conn",
				ExtAllowlist:   []string{"chat:send"},
				HotAllowlist:   []string{"1:*"},
				Sessions:       config.SessionPolicy{Mode: "multi", MaxSessionsPerUser: 2, OnExceed: "deny"},
				HotErrorMode:   "drop",
			},
		}},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	d := dispatch.New()
	d.RegisterExt(services.NewChat())
	d.RegisterHot(services.NewEchoBinary(1))
	srv, err := New(cfg, zerolog.Nop(), d)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// clientConn pairs the dialer's buffered reader (when any) with the raw
// conn so wsutil reads see all bytes.
type clientConn struct {
	net.Conn
	r io.Reader
}

func (c *clientConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dialWS(t *testing.T, ts *httptest.Server, query string) *clientConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?" + query
	conn, br, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	cc := &clientConn{Conn: conn, r: conn}
	if br != nil {
		cc.r = br
	}
	return cc
}

// readMsg returns the next non-ping frame from the server.
func readMsg(t *testing.T, c *clientConn) wsutil.Message {
	t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msgs, err := wsutil.ReadServerMessage(c, nil)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, m := range msgs {
			if m.OpCode == ws.OpPing || m.OpCode == ws.OpPong {
				continue
			}
			return m
		}
	}
}

func readSys(t *testing.T, c *clientConn) sysMsg {
	t.Helper()
	m := readMsg(t, c)
	if m.OpCode != ws.OpText {
		t.Fatalf("op = %v, want text (payload %x)", m.OpCode, m.Payload)
	}
	var sys sysMsg
	if err := json.Unmarshal(m.Payload, &sys); err != nil {
		t.Fatalf("unmarshal %s: %v", m.Payload, err)
	}
	return sys
}

func sysErrCode(t *testing.T, sys sysMsg) wire.Code {
	t.Helper()
	b, _ := json.Marshal(sys.Data)
	var d sysErrorData
	if err := json.Unmarshal(b, &d); err != nil {
		t.Fatalf("error data: %v", err)
	}
	return d.Code
}

func sendEnv(t *testing.T, c *clientConn, env wire.Envelope) {
	t.Helper()
	b, err := wire.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(c, ws.OpText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestUpgradeGateRejections(t *testing.T) {
	_, ts := newTestServer(t, nil)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"unknown tenant", "tenant=nope&ticket=dev", http.StatusBadRequest},
		{"bad ticket", "tenant=demo&ticket=wrong", http.StatusUnauthorized},
		{"oversized sid", "tenant=demo&ticket=dev&sid=" + strings.Repeat("x", 65), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/ws?" + tc.query)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandshakeDefenderRejectsWith429(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Handshake = config.Handshake{
			Enabled: true, GlobalRPS: 1000, GlobalBurst: 1000,
			PerIPRPS: 1, PerIPBurst: 1, MaxIPEntries: 100,
		}
	})

	first, err := http.Get(ts.URL + "/v1/ws?tenant=demo&ticket=wrong")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Body.Close()
	// First request spends the per-IP token (and fails auth, later in
	// the gate). The immediate second request hits the defender.
	resp, err := http.Get(ts.URL + "/v1/ws?tenant=demo&ticket=dev")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}

func TestOpsEndpoints(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	resp, _ := http.Get(ts.URL + "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(ts.URL + "/readyz")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ready" {
		t.Fatalf("readyz = %d %q", resp.StatusCode, body)
	}

	resp, _ = http.Get(ts.URL + "/metrics")
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(metricsBody), "ws_draining") {
		t.Fatal("metrics exposition missing ws_draining")
	}

	srv.draining.Store(true)
	resp, _ = http.Get(ts.URL + "/readyz")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || string(body) != "draining" {
		t.Fatalf("draining readyz = %d %q", resp.StatusCode, body)
	}
	resp, _ = http.Get(ts.URL + "/v1/ws?tenant=demo&ticket=dev")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining upgrade = %d, want 503", resp.StatusCode)
	}
}

func TestConnectAuthedAndStrictDeny(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dialWS(t, ts, "tenant=demo&ticket=dev&sid=s1")

	authed := readSys(t, c)
	if authed.Svc != "sys" || authed.Type != "authed" || authed.TraceID == "" {
		t.Fatalf("authed = %+v", authed)
	}

	// Not on the allowlist: reject with NOT_ALLOWED, connection stays up.
	sendEnv(t, c, wire.Envelope{V: 1, Svc: "admin", Type: "op"})
	errMsg := readSys(t, c)
	if errMsg.Type != "error" || sysErrCode(t, errMsg) != wire.CodeNotAllowed {
		t.Fatalf("error = %+v", errMsg)
	}
}

func TestDecodeErrorClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c := dialWS(t, ts, "tenant=demo&ticket=dev&sid=s1")
	readSys(t, c) // authed

	// A frame that fails decoding is terminal: one sys.error, then close.
	wsutil.WriteClientMessage(c, ws.OpText, []byte(`{not json`))
	errMsg := readSys(t, c)
	if errMsg.Type != "error" || sysErrCode(t, errMsg) != wire.CodeBadRequest {
		t.Fatalf("decode error = %+v", errMsg)
	}
	m := readMsg(t, c)
	if m.OpCode != ws.OpClose {
		t.Fatalf("op = %v, want close after decode error", m.OpCode)
	}
}

func TestRoomJoinChatAndEcho(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialWS(t, ts, "tenant=demo&ticket=dev&sid=a")
	readSys(t, a) // authed

	sendEnv(t, a, wire.Envelope{V: 1, Svc: "room", Type: "join", Room: "lobby"})
	joined := readSys(t, a)
	if joined.Type != "joined" || joined.Room != "lobby" {
		t.Fatalf("joined = %+v", joined)
	}

	b := dialWS(t, ts, "tenant=demo&ticket=dev&sid=b")
	readSys(t, b) // authed
	sendEnv(t, b, wire.Envelope{V: 1, Svc: "room", Type: "join", Room: "lobby"})
	readSys(t, b) // joined

	// chat.send fans out to the room.
	sendEnv(t, a, wire.Envelope{V: 1, Svc: "chat", Type: "send", Room: "lobby",
		Data: json.RawMessage(`{"msg":"hi"}`)})
	got := readSys(t, b)
	if got.Svc != "chat" || got.Type != "msg" || got.Room != "lobby" {
		t.Fatalf("chat out = %+v", got)
	}
	readSys(t, a) // sender is in the room too

	// Hot echo broadcasts binary to the sender's active room.
	hot := wire.EncodeHotFrame(wire.HotFrame{V: 1, SvcID: 1, Opcode: 1, Payload: []byte{0xCA, 0xFE}})
	if err := wsutil.WriteClientMessage(a, ws.OpBinary, hot); err != nil {
		t.Fatalf("write hot: %v", err)
	}
	m := readMsg(t, b)
	if m.OpCode != ws.OpBinary || string(m.Payload) != "\xca\xfe" {
		t.Fatalf("echo = %v %x", m.OpCode, m.Payload)
	}

	// Leave clears membership.
	sendEnv(t, a, wire.Envelope{V: 1, Svc: "room", Type: "leave", Room: "lobby"})
	readMsg(t, a) // echo of hot frame (a was in the room)
	left := readSys(t, a)
	if left.Type != "left" || left.Room != "lobby" {
		t.Fatalf("left = %+v", left)
	}
}

func TestSessionAdmissionDeny(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Tenants[0].Policy.Sessions = config.SessionPolicy{
			Mode: "multi", MaxSessionsPerUser: 1, OnExceed: "deny",
		}
	})
	a := dialWS(t, ts, "tenant=demo&ticket=dev&sid=a")
	readSys(t, a) // authed

	b := dialWS(t, ts, "tenant=demo&ticket=dev&sid=b")
	denial := readSys(t, b)
	if denial.Type != "error" || sysErrCode(t, denial) != wire.CodeTooManySessions {
		t.Fatalf("denial = %+v", denial)
	}
	m := readMsg(t, b)
	if m.OpCode != ws.OpClose {
		t.Fatalf("op = %v, want close", m.OpCode)
	}
}

func TestSessionAdmissionKickOldest(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Tenants[0].Policy.Sessions = config.SessionPolicy{
			Mode: "multi", MaxSessionsPerUser: 1, OnExceed: "kick_oldest",
		}
	})
	a := dialWS(t, ts, "tenant=demo&ticket=dev&sid=a")
	readSys(t, a) // authed

	b := dialWS(t, ts, "tenant=demo&ticket=dev&sid=b")
	authed := readSys(t, b)
	if authed.Type != "authed" {
		t.Fatalf("new session = %+v", authed)
	}

	kicked := readSys(t, a)
	if kicked.Type != "kicked" {
		t.Fatalf("victim got %+v, want kicked", kicked)
	}
	b2, _ := json.Marshal(kicked.Data)
	var kd sysKickedData
	if err := json.Unmarshal(b2, &kd); err != nil {
		t.Fatalf("kicked data: %v", err)
	}
	if kd.Reason != "max_sessions_exceeded" {
		t.Fatalf("kicked reason = %q, want max_sessions_exceeded", kd.Reason)
	}
	m := readMsg(t, a)
	if m.OpCode != ws.OpClose {
		t.Fatalf("op = %v, want close 1008", m.OpCode)
	}
}

func TestDrainSaysGoodbye(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	c := dialWS(t, ts, "tenant=demo&ticket=dev&sid=a")
	readSys(t, c) // authed

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Shutdown(ctx)
	}()

	m := readMsg(t, c)
	if m.OpCode != ws.OpClose {
		t.Fatalf("op = %v, want close 1001", m.OpCode)
	}
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !srv.Draining() {
		t.Fatal("draining flag should stay set")
	}
}
