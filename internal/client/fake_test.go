package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/wire"
)

const (
	self = "7b0c8c1e-58f4-4bb8-9d55-9d1f2f1a0a01"
	peer = "0e3b4c55-2b0e-4d8c-8a7e-3d5c2a9b0b02"
)

type handlerFunc func(target string, args json.RawMessage) (any, error)

type invocation struct {
	Target string
	Args   json.RawMessage
}

type fakeTransport struct {
	events  chan wire.Frame
	done    chan struct{}
	once    sync.Once
	handler handlerFunc

	mu      sync.Mutex
	invoked []invocation
}

func newFakeTransport(h handlerFunc) *fakeTransport {
	return &fakeTransport{
		events:  make(chan wire.Frame, 16),
		done:    make(chan struct{}),
		handler: h,
	}
}

func (t *fakeTransport) Invoke(ctx context.Context, target string, args any) (wire.Frame, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return wire.Frame{}, err
	}
	select {
	case <-t.done:
		return wire.Frame{}, t.Err()
	default:
	}
	t.mu.Lock()
	t.invoked = append(t.invoked, invocation{Target: target, Args: raw})
	t.mu.Unlock()

	if t.handler == nil {
		return wire.NewResult("1", nil)
	}
	res, err := t.handler(target, raw)
	if err != nil {
		return wire.NewError("1", err), nil
	}
	return wire.NewResult("1", res)
}

func (t *fakeTransport) Events() <-chan wire.Frame { return t.events }
func (t *fakeTransport) Done() <-chan struct{}     { return t.done }

func (t *fakeTransport) Err() error {
	return &chaterr.TransportError{Op: "read", Err: errors.New("connection reset")}
}

func (t *fakeTransport) Close() error {
	t.drop()
	return nil
}

func (t *fakeTransport) drop() {
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTransport) push(tb testing.TB, event string, payload any) {
	tb.Helper()
	f, err := wire.NewEvent(event, payload)
	if err != nil {
		tb.Fatal(err)
	}
	t.events <- f
}

func (t *fakeTransport) invocations(target string) []invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []invocation
	for _, inv := range t.invoked {
		if inv.Target == target {
			out = append(out, inv)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	tokens     []string
	err        error
	gate       chan struct{}
	handler    handlerFunc
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	t := newFakeTransport(d.handler)
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type countingTokens struct {
	mu sync.Mutex
	n  int
}

func (c *countingTokens) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return "token-" + string(rune('a'+c.n-1)), nil
}

func (c *countingTokens) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestSession(t *testing.T, d *fakeDialer, policy Policy) (*Session, *countingTokens) {
	t.Helper()
	tokens := &countingTokens{}
	s, err := NewSession(Options{
		Dialer: d,
		Token:  tokens.Token,
		Policy: policy,
		Sleep:  noSleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, tokens
}

var fastPolicy = Policy{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 3}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return bus.Event{}
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
