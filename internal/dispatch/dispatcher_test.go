package dispatch

import (
	"context"
	"testing"

	"github.com/wsprism/gateway/internal/realtime"
	"github.com/wsprism/gateway/internal/wire"
)

type fakeExt struct {
	name   string
	called int
	gotEnv wire.Envelope
}

func (f *fakeExt) Name() string { return f.name }
func (f *fakeExt) Handle(_ context.Context, _ *realtime.Ctx, env wire.Envelope) error {
	f.called++
	f.gotEnv = env
	return nil
}

type fakeHot struct {
	id     uint8
	called int
}

func (f *fakeHot) ID() uint8 { return f.id }
func (f *fakeHot) HandleBinary(_ context.Context, _ *realtime.Ctx, _ wire.HotFrame) error {
	f.called++
	return nil
}

func TestDispatchExtRoutes(t *testing.T) {
	d := New()
	svc := &fakeExt{name: "chat"}
	d.RegisterExt(svc)

	env := wire.Envelope{V: 1, Svc: "chat", Type: "send"}
	if err := d.DispatchExt(context.Background(), nil, env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if svc.called != 1 || svc.gotEnv.Type != "send" {
		t.Fatalf("handler not invoked correctly: %+v", svc)
	}
}

func TestDispatchExtUnknownSvc(t *testing.T) {
	d := New()
	err := d.DispatchExt(context.Background(), nil, wire.Envelope{V: 1, Svc: "nope"})
	if wire.CodeOf(err) != wire.CodeBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchExtVersionCheck(t *testing.T) {
	d := New()
	d.RegisterExt(&fakeExt{name: "chat"})
	err := d.DispatchExt(context.Background(), nil, wire.Envelope{V: 2, Svc: "chat"})
	if wire.CodeOf(err) != wire.CodeUnsupportedVersion {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchHotRoutes(t *testing.T) {
	d := New()
	svc := &fakeHot{id: 7}
	d.RegisterHot(svc)

	if err := d.DispatchHot(context.Background(), nil, wire.HotFrame{V: 1, SvcID: 7}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if svc.called != 1 {
		t.Fatal("handler not invoked")
	}
	err := d.DispatchHot(context.Background(), nil, wire.HotFrame{V: 1, SvcID: 8})
	if wire.CodeOf(err) != wire.CodeBadRequest {
		t.Fatalf("unknown svc_id err = %v", err)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	d := New()
	d.RegisterExt(&fakeExt{name: "chat"})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	d.RegisterExt(&fakeExt{name: "chat"})
}
