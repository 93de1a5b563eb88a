package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/status"
	"github.com/matheus3301/dmhub/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotConnected is returned by Invoke when the session is not Connected.
	ErrNotConnected = errors.New("client: not connected")
	// ErrReconnectExhausted is reported when the reconnect policy gave up.
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: session closed")
)

// TokenSource fetches a fresh bearer token. It is called on every connection
// attempt and its result is never cached.
type TokenSource func(ctx context.Context) (string, error)

// Options configures a Session.
type Options struct {
	Dialer      Dialer
	Token       TokenSource
	Policy      Policy
	DialTimeout time.Duration
	Bus         *bus.Bus
	Logger      *zap.Logger
	// Sleep waits between reconnect attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Reconnected is the payload of session.reconnected events.
type Reconnected struct {
	Attempts int
}

// Disconnected is the payload of session.disconnected events.
type Disconnected struct {
	Err error
}

// Session owns one logical hub connection and keeps it alive across
// transport drops. Pushes are republished on the session bus as
// "push.<Event>" with the raw wire.Frame as payload.
type Session struct {
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger
	machine *status.Machine
	group   singleflight.Group

	life   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	transport Transport
	changed   chan struct{}
	closed    bool
}

// NewSession creates a disconnected session.
func NewSession(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if opts.Token == nil {
		return nil, errors.New("client: token source is required")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	life, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:    opts,
		bus:     opts.Bus,
		logger:  opts.Logger,
		machine: status.NewMachine(opts.Bus),
		life:    life,
		cancel:  cancel,
		changed: make(chan struct{}),
	}, nil
}

// Bus returns the bus carrying session.*, push.* and conversation.* events.
func (s *Session) Bus() *bus.Bus { return s.bus }

// State returns the current connection state.
func (s *Session) State() status.State { return s.machine.Current() }

// Subscribe listens for pushes of one event name, or all pushes when event
// is empty. Any number of subscribers may coexist.
func (s *Session) Subscribe(event string, bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(bus.PushKind(event), bufSize)
}

// Connect establishes the connection. Concurrent callers share a single
// handshake. While a reconnect is in progress Connect waits for its outcome.
func (s *Session) Connect(ctx context.Context) error {
	waited := false
	for {
		state, changed, closed := s.snapshot()
		if closed {
			return ErrClosed
		}
		switch state {
		case status.Connected:
			return nil
		case status.Reconnecting:
			waited = true
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		case status.Disconnected:
			if waited {
				return ErrReconnectExhausted
			}
		}

		res := s.group.DoChan("connect", func() (any, error) {
			return nil, s.connectOnce()
		})
		select {
		case r := <-res:
			return r.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Invoke calls a hub method and decodes its result into result, which may be
// nil. It fails fast with ErrNotConnected unless the session is Connected.
func (s *Session) Invoke(ctx context.Context, target string, args, result any) error {
	s.mu.Lock()
	t := s.transport
	connected := s.machine.Current() == status.Connected
	s.mu.Unlock()
	if !connected || t == nil {
		return ErrNotConnected
	}
	f, err := t.Invoke(ctx, target, args)
	if err != nil {
		return err
	}
	return f.DecodeResult(result)
}

// Close disconnects and stops any reconnect loop. The session cannot be
// reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.transport
	s.transport = nil
	if s.machine.Current() != status.Disconnected {
		s.setStateLocked(status.Disconnected)
	}
	s.mu.Unlock()

	s.cancel()
	if t != nil {
		_ = t.Close()
	}
	return nil
}

func (s *Session) snapshot() (status.State, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current(), s.changed, s.closed
}

// setStateLocked transitions and wakes everyone waiting on a state change.
func (s *Session) setStateLocked(to status.State) error {
	if err := s.machine.Transition(to); err != nil {
		return err
	}
	s.wakeLocked()
	return nil
}

func (s *Session) wakeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) transitionFrom(from, to status.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.machine.TransitionFrom(from, to) {
		return false
	}
	s.wakeLocked()
	return true
}

func (s *Session) connectOnce() error {
	if !s.transitionFrom(status.Disconnected, status.Connecting) {
		state, _, closed := s.snapshot()
		if closed {
			return ErrClosed
		}
		if state == status.Connected {
			return nil
		}
		return fmt.Errorf("client: cannot connect while %s", state)
	}

	t, err := s.dial()
	if err != nil {
		s.transitionFrom(status.Connecting, status.Disconnected)
		s.logger.Warn("connect failed", zap.Error(err))
		return err
	}
	if !s.attach(t, status.Connecting) {
		_ = t.Close()
		return ErrClosed
	}
	s.logger.Info("connected")
	return nil
}

func (s *Session) dial() (Transport, error) {
	ctx, cancel := context.WithTimeout(s.life, s.opts.DialTimeout)
	defer cancel()
	token, err := s.opts.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	return s.opts.Dialer.Dial(ctx, token)
}

// attach installs t as the live transport if the session is still in from.
func (s *Session) attach(t Transport, from status.State) bool {
	s.mu.Lock()
	if s.closed || s.machine.Current() != from {
		s.mu.Unlock()
		return false
	}
	s.transport = t
	_ = s.setStateLocked(status.Connected)
	s.mu.Unlock()

	go s.watch(t)
	return true
}

// watch republishes pushes until t drops, then drives the reconnect loop.
func (s *Session) watch(t Transport) {
	for {
		select {
		case f := <-t.Events():
			s.bus.Publish(bus.Event{Kind: bus.PushKind(f.Target), Timestamp: time.Now(), Payload: f})
		case <-t.Done():
			s.drain(t)
			s.handleDrop(t)
			return
		}
	}
}

func (s *Session) drain(t Transport) {
	for {
		select {
		case f := <-t.Events():
			s.bus.Publish(bus.Event{Kind: bus.PushKind(f.Target), Timestamp: time.Now(), Payload: f})
		default:
			return
		}
	}
}

func (s *Session) handleDrop(t Transport) {
	s.mu.Lock()
	if s.closed || s.transport != t || s.machine.Current() != status.Connected {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	_ = s.setStateLocked(status.Reconnecting)
	s.mu.Unlock()

	s.logger.Warn("connection lost, reconnecting", zap.Error(t.Err()))
	s.bus.Publish(bus.Event{Kind: bus.SessionReconnecting, Timestamp: time.Now(), Payload: t.Err()})
	s.reconnect()
}

func (s *Session) reconnect() {
	for attempt := 0; ; attempt++ {
		delay, ok := s.opts.Policy.Delay(attempt)
		if !ok {
			if s.transitionFrom(status.Reconnecting, status.Disconnected) {
				s.logger.Error("reconnect gave up", zap.Int("attempts", attempt))
				s.bus.Publish(bus.Event{
					Kind:      bus.SessionDisconnected,
					Timestamp: time.Now(),
					Payload:   Disconnected{Err: ErrReconnectExhausted},
				})
			}
			return
		}
		if err := s.opts.Sleep(s.life, delay); err != nil {
			return
		}
		if state, _, closed := s.snapshot(); closed || state != status.Reconnecting {
			return
		}

		t, err := s.dial()
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
			continue
		}
		if !s.attach(t, status.Reconnecting) {
			_ = t.Close()
			return
		}
		s.logger.Info("reconnected", zap.Int("attempts", attempt+1))
		s.bus.Publish(bus.Event{
			Kind:      bus.SessionReconnected,
			Timestamp: time.Now(),
			Payload:   Reconnected{Attempts: attempt + 1},
		})
		return
	}
}

// DecodePush unmarshals the payload of a push.* bus event.
func DecodePush(evt bus.Event, v any) error {
	f, ok := evt.Payload.(wire.Frame)
	if !ok {
		return fmt.Errorf("client: event %s carries %T, not a frame", evt.Kind, evt.Payload)
	}
	return f.DecodeArgs(v)
}
