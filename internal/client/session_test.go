package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/status"
	"github.com/matheus3301/dmhub/internal/wire"
)

func TestConnectIsSingleFlight(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	s, tokens := newTestSession(t, d, fastPolicy)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}
	eventually(t, "first dial", func() bool { return d.dialCount() == 1 })
	close(d.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	}
	if n := d.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if n := tokens.count(); n != 1 {
		t.Errorf("token fetches = %d, want 1", n)
	}
	if s.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", s.State())
	}
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	s, _ := newTestSession(t, d, fastPolicy)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail")
	}
	if s.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State())
	}

	d.setErr(nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
}

func TestInvokeRequiresConnection(t *testing.T) {
	s, _ := newTestSession(t, &fakeDialer{}, fastPolicy)
	err := s.Invoke(context.Background(), wire.InvokeUpdateStatus, wire.UpdateStatusArgs{Status: "away"}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke() error = %v, want ErrNotConnected", err)
	}
}

func TestDropReconnectsWithFreshToken(t *testing.T) {
	d := &fakeDialer{}
	s, tokens := newTestSession(t, d, fastPolicy)
	events, unsub := s.Bus().Subscribe("session.", 32)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.last().drop()

	waitEvent(t, events, bus.SessionReconnecting)
	waitEvent(t, events, bus.SessionReconnected)
	if s.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", s.State())
	}
	if n := tokens.count(); n != 2 {
		t.Errorf("token fetches = %d, want 2 (one per attempt)", n)
	}
	if d.tokens[0] == d.tokens[1] {
		t.Error("reconnect reused the previous token")
	}
}

func TestReconnectExhaustionNeedsExplicitConnect(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, fastPolicy)
	events, unsub := s.Bus().Subscribe("session.", 32)
	defer unsub()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.setErr(errors.New("hub down"))
	d.last().drop()

	evt := waitEvent(t, events, bus.SessionDisconnected)
	if p, ok := evt.Payload.(Disconnected); !ok || !errors.Is(p.Err, ErrReconnectExhausted) {
		t.Errorf("payload = %#v, want ErrReconnectExhausted", evt.Payload)
	}
	if s.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State())
	}
	if n := d.dialCount(); n != 1+fastPolicy.MaxAttempts {
		t.Errorf("dials = %d, want %d", n, 1+fastPolicy.MaxAttempts)
	}

	d.setErr(nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after exhaustion error = %v", err)
	}
	if s.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", s.State())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, fastPolicy)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if n := d.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect after Close)", n)
	}
}

func TestPushesReachEverySubscriber(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, fastPolicy)
	first, unsubFirst := s.Subscribe(wire.EventUserStatusChanged, 4)
	defer unsubFirst()
	second, unsubSecond := s.Subscribe(wire.EventUserStatusChanged, 4)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.last().push(t, wire.EventUserStatusChanged, wire.UserStatusChanged{UserID: peer, Status: "online"})

	for _, ch := range []<-chan bus.Event{first, second} {
		evt := waitEvent(t, ch, bus.PushKind(wire.EventUserStatusChanged))
		var got wire.UserStatusChanged
		if err := DecodePush(evt, &got); err != nil {
			t.Fatal(err)
		}
		if got.UserID != peer || got.Status != "online" {
			t.Errorf("push = %+v", got)
		}
	}

	// Unsubscribing one listener leaves the other in place.
	unsubSecond()
	d.last().push(t, wire.EventUserStatusChanged, wire.UserStatusChanged{UserID: peer, Status: "away"})
	waitEvent(t, first, bus.PushKind(wire.EventUserStatusChanged))
}
