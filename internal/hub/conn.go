package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/matheus3301/dmhub/internal/wire"
)

var (
	// ErrQueueFull is returned by Push when the connection cannot keep up.
	ErrQueueFull = errors.New("hub: send queue full")
	// ErrConnClosed is returned by Push after the connection went away.
	ErrConnClosed = errors.New("hub: connection closed")
)

// Connection is one live websocket session of an authenticated user.
type Connection struct {
	id          string
	userID      string
	established time.Time

	ws           *websocket.Conn
	out          chan wire.Frame
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newConnection(userID string, ws *websocket.Conn, queue int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:           uuid.NewString(),
		userID:       userID,
		established:  time.Now(),
		ws:           ws,
		out:          make(chan wire.Frame, queue),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) UserID() string           { return c.userID }
func (c *Connection) EstablishedAt() time.Time { return c.established }

// Push enqueues a server event. It never blocks.
func (c *Connection) Push(f wire.Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// reply enqueues an invocation result, waiting for queue space. Results are
// never dropped while the connection is alive.
func (c *Connection) reply(ctx context.Context, f wire.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) writeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := wsjson.Write(ctx, c.ws, f)
			cancel()
			if err != nil {
				c.close()
				return err
			}
		}
	}
}

func (c *Connection) close() {
	c.once.Do(c.cancel)
}
