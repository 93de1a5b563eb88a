package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/wire"
)

// Transport is one established hub connection.
type Transport interface {
	// Invoke sends an invocation and waits for its result frame.
	Invoke(ctx context.Context, target string, args any) (wire.Frame, error)
	// Events delivers server pushes in arrival order.
	Events() <-chan wire.Frame
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// WebsocketDialer connects to the hub endpoint at URL. With QueryToken set
// the token travels in the access_token query parameter of the handshake
// instead of the Authorization header.
type WebsocketDialer struct {
	URL        string
	QueryToken bool
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Transport, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, &chaterr.TransportError{Op: "dial", Err: err}
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.QueryToken {
		q := target.Query()
		q.Set(auth.QueryParam, token)
		target.RawQuery = q.Encode()
	} else {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}

	conn, resp, err := websocket.Dial(ctx, target.String(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &chaterr.AuthenticationError{Reason: "hub rejected credential", Err: err}
		}
		return nil, &chaterr.TransportError{Op: "dial", Err: err}
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return newWSTransport(conn), nil
}

type wsTransport struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan wire.Frame
	done   chan struct{}
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan wire.Frame
	err     error
	once    sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan wire.Frame, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan wire.Frame),
	}
	go t.readLoop()
	return t
}

func (t *wsTransport) readLoop() {
	for {
		var f wire.Frame
		if err := wsjson.Read(t.ctx, t.conn, &f); err != nil {
			t.fail(&chaterr.TransportError{Op: "read", Err: err})
			return
		}
		switch f.Type {
		case wire.TypeResult:
			t.mu.Lock()
			ch, ok := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mu.Unlock()
			if ok {
				ch <- f
			}
		case wire.TypeEvent:
			select {
			case t.events <- f:
			case <-t.done:
				return
			}
		}
	}
}

func (t *wsTransport) Invoke(ctx context.Context, target string, args any) (wire.Frame, error) {
	id := strconv.FormatUint(t.nextID.Add(1), 10)
	frame, err := wire.NewInvoke(id, target, args)
	if err != nil {
		return wire.Frame{}, err
	}

	ch := make(chan wire.Frame, 1)
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return wire.Frame{}, err
	}
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, t.conn, frame); err != nil {
		return wire.Frame{}, &chaterr.TransportError{Op: "write " + target, Err: err}
	}
	select {
	case res := <-ch:
		return res, nil
	case <-t.done:
		return wire.Frame{}, t.Err()
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (t *wsTransport) Events() <-chan wire.Frame { return t.events }
func (t *wsTransport) Done() <-chan struct{}     { return t.done }

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wsTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "")
	t.fail(&chaterr.TransportError{Op: "close", Err: errClosedByClient})
	return err
}

var errClosedByClient = errors.New("closed by client")

func (t *wsTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
		t.cancel()
	})
}
