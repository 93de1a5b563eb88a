package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/delivery"
	"github.com/matheus3301/dmhub/internal/metrics"
	"github.com/matheus3301/dmhub/internal/presence"
	"github.com/matheus3301/dmhub/internal/wire"
	"go.uber.org/zap"
)

// Options tunes per-connection behavior.
type Options struct {
	SendQueue       int
	WriteTimeout    time.Duration
	HandlerTimeout  time.Duration
	ReadLimit       int64
	AllowQueryToken bool
	OriginPatterns  []string
}

func (o *Options) setDefaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 15 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

// Hub terminates client websockets and dispatches their invocations.
type Hub struct {
	registry *presence.Registry
	presence *presence.Broadcaster
	delivery *delivery.Coordinator
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
}

var errInternal = errors.New("internal error")

// New creates a hub.
func New(
	registry *presence.Registry,
	bc *presence.Broadcaster,
	coord *delivery.Coordinator,
	verifier *auth.Verifier,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *Hub {
	opts.setDefaults()
	return &Hub{
		registry: registry,
		presence: bc,
		delivery: coord,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
}

// ServeWS authenticates the handshake, upgrades it and serves the connection
// until the client goes away.
func (h *Hub) ServeWS(c echo.Context) error {
	r := c.Request()
	userID, err := h.verifier.Verify(auth.TokenFromRequest(r, h.opts.AllowQueryToken))
	if err != nil {
		h.logger.Info("hub handshake rejected",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return writeError(c, err)
	}

	ws, err := websocket.Accept(c.Response(), r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the failure response.
		h.logger.Warn("websocket accept failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	conn := newConnection(userID, ws, h.opts.SendQueue, h.opts.WriteTimeout)
	if err := h.registry.Add(userID, conn); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return nil
	}
	log := h.logger.With(zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	log.Info("connection opened")

	go func() {
		if err := conn.writeLoop(); err != nil {
			log.Debug("write loop ended", zap.Error(err))
		}
	}()
	err = h.readLoop(conn)

	conn.close()
	h.registry.Remove(userID, conn.ID())
	_ = ws.Close(websocket.StatusNormalClosure, "")
	log.Info("connection closed",
		zap.Int("close_status", int(websocket.CloseStatus(err))),
		zap.Duration("lifetime", time.Since(conn.EstablishedAt())))
	return nil
}

// Shutdown closes every live connection with StatusGoingAway. Clients see a
// drop and run their reconnect policy.
func (h *Hub) Shutdown() int {
	closed := 0
	for _, userID := range h.registry.OnlineUsers() {
		for _, pc := range h.registry.Connections(userID) {
			conn, ok := pc.(*Connection)
			if !ok {
				continue
			}
			_ = conn.ws.Close(websocket.StatusGoingAway, "server shutting down")
			conn.close()
			closed++
		}
	}
	if closed > 0 {
		h.logger.Info("hub connections closed", zap.Int("count", closed))
	}
	return closed
}

func (h *Hub) readLoop(conn *Connection) error {
	for {
		var f wire.Frame
		if err := wsjson.Read(conn.ctx, conn.ws, &f); err != nil {
			return err
		}
		if f.Type != wire.TypeInvoke {
			h.logger.Debug("ignoring client frame",
				zap.String("conn_id", conn.ID()),
				zap.String("type", string(f.Type)))
			continue
		}
		go h.dispatch(conn, f)
	}
}

// dispatch runs one invocation. A panic is contained here and reported to the
// caller as an internal error; the connection and the registry stay intact.
func (h *Hub) dispatch(conn *Connection, f wire.Frame) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(conn.ctx), h.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			h.metrics.HandlerPanic()
			h.logger.Error("handler panic",
				zap.String("target", f.Target),
				zap.String("user_id", conn.UserID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			_ = h.replyTo(conn, wire.NewError(f.ID, errInternal))
		}
	}()

	result, err := h.invoke(ctx, conn.UserID(), f)
	var reply wire.Frame
	if err != nil {
		reply = wire.NewError(f.ID, err)
	} else if reply, err = wire.NewResult(f.ID, result); err != nil {
		h.logger.Error("encode result", zap.String("target", f.Target), zap.Error(err))
		reply = wire.NewError(f.ID, errInternal)
	}
	if err := h.replyTo(conn, reply); err != nil {
		h.logger.Debug("result not delivered",
			zap.String("target", f.Target),
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
	}
}

// replyTo queues a result frame under its own write deadline, so a handler
// that ran out its timeout still gets its error result delivered.
func (h *Hub) replyTo(conn *Connection, f wire.Frame) error {
	ctx, cancel := context.WithTimeout(conn.ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.reply(ctx, f)
}

func (h *Hub) invoke(ctx context.Context, userID string, f wire.Frame) (any, error) {
	switch f.Target {
	case wire.InvokeSendMessage:
		var args wire.SendMessageArgs
		if err := f.DecodeArgs(&args); err != nil {
			return nil, err
		}
		res, err := h.delivery.SendMessage(ctx, delivery.SendRequest{
			SenderID:   userID,
			ReceiverID: args.ReceiverID,
			Content:    args.Content,
			ClientKey:  args.ClientKey,
		})
		if err != nil {
			return nil, err
		}
		return sendResult(res), nil

	case wire.InvokeSendTypingIndicator:
		var args wire.SendTypingIndicatorArgs
		if err := f.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return nil, h.delivery.SendTypingIndicator(userID, args.RecipientID)

	case wire.InvokeUpdateStatus:
		var args wire.UpdateStatusArgs
		if err := f.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return nil, h.presence.SetStatus(userID, args.Status)

	case wire.InvokeMarkMessagesAsRead:
		var args wire.MarkMessagesAsReadArgs
		if err := f.DecodeArgs(&args); err != nil {
			return nil, err
		}
		updated, err := h.delivery.MarkMessagesAsRead(ctx, args.SenderID, userID)
		if err != nil {
			return nil, err
		}
		return wire.MarkMessagesAsReadResult{Updated: updated}, nil
	}
	return nil, chaterr.Invalid("target", fmt.Sprintf("unknown method %q", f.Target))
}

// writeError renders err as a wire.Error with a status matching its kind.
func writeError(c echo.Context, err error) error {
	kind := chaterr.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case chaterr.KindAuthentication:
		code = http.StatusUnauthorized
	case chaterr.KindValidation:
		code = http.StatusBadRequest
	case chaterr.KindPersistence:
		code = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if kind == chaterr.KindInternal {
		msg = "internal error"
	}
	return c.JSON(code, wire.Error{Kind: kind, Message: msg})
}
