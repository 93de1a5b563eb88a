package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/metrics"
	"github.com/matheus3301/dmhub/internal/presence"
	"github.com/matheus3301/dmhub/internal/store"
	"github.com/matheus3301/dmhub/internal/wire"
	"go.uber.org/zap"
)

// Store is the durable message store the coordinator writes through.
type Store interface {
	SaveMessage(ctx context.Context, senderID, receiverID, content, clientKey string) (*store.Message, error)
	MarkRead(ctx context.Context, senderID, readerID string) (int64, error)
	Conversation(ctx context.Context, userA, userB string) ([]store.Message, error)
}

// Directory resolves a user to their live connections.
type Directory interface {
	Connections(userID string) []presence.Conn
}

// State is the derived delivery state of a message.
type State string

const (
	Pending     State = "pending"
	FannedOut   State = "fanned-out"
	Unreachable State = "unreachable"
)

// SendRequest is a validated-on-entry message send.
type SendRequest struct {
	SenderID   string `validate:"required,uuid"`
	ReceiverID string `validate:"required,uuid,nefield=SenderID"`
	Content    string `validate:"required,max=4000"`
	ClientKey  string `validate:"omitempty,max=128"`
}

// Result describes a successful send.
type Result struct {
	Message  store.Message
	Delivery State
	Pushed   int
	Dropped  int
}

// Coordinator validates and routes sends, read receipts and typing
// indicators. It holds no per-user state of its own.
type Coordinator struct {
	store    Store
	dir      Directory
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewCoordinator creates a coordinator writing to st and fanning out through dir.
func NewCoordinator(st Store, dir Directory, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		dir:      dir,
		bus:      b,
		metrics:  m,
		logger:   logger,
		validate: validator.New(),
	}
}

// SendMessage persists a message then pushes it to every live connection of
// the receiver. Validation and persistence failures perform no fan-out.
// A receiver with no live connections is not an error: the message is stored
// and will be seen on the receiver's next history fetch.
func (c *Coordinator) SendMessage(ctx context.Context, req SendRequest) (*Result, error) {
	if err := c.check(req); err != nil {
		c.metrics.Message(string(chaterr.KindValidation))
		return nil, err
	}

	msg, err := c.store.SaveMessage(ctx, req.SenderID, req.ReceiverID, req.Content, req.ClientKey)
	if err != nil {
		c.metrics.Message(string(chaterr.KindPersistence))
		c.logger.Error("save message failed",
			zap.String("sender_id", req.SenderID),
			zap.String("receiver_id", req.ReceiverID),
			zap.Error(err))
		return nil, &chaterr.PersistenceError{Op: "save message", Err: err}
	}

	// A key hit returns the first row; it must describe this same message.
	if msg.ReceiverID != req.ReceiverID || msg.Content != req.Content {
		c.metrics.Message(string(chaterr.KindValidation))
		c.logger.Warn("client key reused for a different message",
			zap.String("sender_id", req.SenderID),
			zap.String("client_key", req.ClientKey),
			zap.Int64("stored_id", msg.ID))
		return nil, chaterr.Invalid("clientKey", "reused for a different message")
	}

	res := &Result{Message: *msg, Delivery: Pending}
	res.Pushed, res.Dropped = c.fanOut(msg.ReceiverID, wire.EventReceiveMessage, wire.ReceiveMessage{
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
		ClientKey: msg.ClientKey,
	})
	if res.Pushed > 0 {
		res.Delivery = FannedOut
	} else {
		res.Delivery = Unreachable
	}

	c.metrics.Message(string(res.Delivery))
	c.logger.Info("message sent",
		zap.Int64("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.String("delivery", string(res.Delivery)),
		zap.Int("pushed", res.Pushed),
		zap.Int("dropped", res.Dropped))
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.MessageSent, Timestamp: time.Now(), Payload: *res})
	}
	return res, nil
}

// MarkMessagesAsRead flags messages from senderID to readerID as read. The
// sender's connections are notified only when at least one message changed.
func (c *Coordinator) MarkMessagesAsRead(ctx context.Context, senderID, readerID string) (bool, error) {
	if err := c.checkPair("senderId", senderID, "readerId", readerID); err != nil {
		return false, err
	}

	updated, err := c.store.MarkRead(ctx, senderID, readerID)
	if err != nil {
		c.logger.Error("mark read failed",
			zap.String("sender_id", senderID),
			zap.String("reader_id", readerID),
			zap.Error(err))
		return false, &chaterr.PersistenceError{Op: "mark read", Err: err}
	}
	if updated == 0 {
		return false, nil
	}

	pushed, _ := c.fanOut(senderID, wire.EventMessagesRead, wire.MessagesRead{ReaderID: readerID})
	c.logger.Debug("messages read",
		zap.String("sender_id", senderID),
		zap.String("reader_id", readerID),
		zap.Int64("updated", updated),
		zap.Int("pushed", pushed))
	return true, nil
}

// SendTypingIndicator forwards a typing notification. Nothing is stored and
// nothing is acknowledged beyond validation.
func (c *Coordinator) SendTypingIndicator(senderID, recipientID string) error {
	if err := c.checkPair("senderId", senderID, "recipientId", recipientID); err != nil {
		return err
	}
	c.fanOut(recipientID, wire.EventReceiveTypingIndicator, wire.ReceiveTypingIndicator{SenderID: senderID})
	return nil
}

// Conversation returns the persisted history between userID and peerID.
func (c *Coordinator) Conversation(ctx context.Context, userID, peerID string) ([]store.Message, error) {
	if err := c.checkPair("userId", userID, "contactId", peerID); err != nil {
		return nil, err
	}
	msgs, err := c.store.Conversation(ctx, userID, peerID)
	if err != nil {
		return nil, &chaterr.PersistenceError{Op: "load conversation", Err: err}
	}
	return msgs, nil
}

// fanOut pushes one event to every connection of userID. Each push is
// independent: a failing connection is counted and skipped.
func (c *Coordinator) fanOut(userID, event string, payload any) (pushed, dropped int) {
	conns := c.dir.Connections(userID)
	if len(conns) == 0 {
		return 0, 0
	}
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		c.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return 0, len(conns)
	}
	for _, conn := range conns {
		err := conn.Push(frame)
		c.metrics.Push(event, err)
		if err != nil {
			dropped++
			c.logger.Warn("push dropped",
				zap.String("event", event),
				zap.String("user_id", userID),
				zap.String("conn_id", conn.ID()),
				zap.Error(err))
			continue
		}
		pushed++
	}
	return pushed, dropped
}

func (c *Coordinator) check(req SendRequest) error {
	if err := c.validate.Struct(req); err != nil {
		return validationError(err)
	}
	if strings.TrimSpace(req.Content) == "" {
		return chaterr.Invalid("content", "blank")
	}
	return nil
}

type pair struct {
	A string `validate:"required,uuid"`
	B string `validate:"required,uuid"`
}

func (c *Coordinator) checkPair(nameA, a, nameB, b string) error {
	err := c.validate.Struct(pair{A: a, B: b})
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		name := nameA
		if fieldErrs[0].Field() == "B" {
			name = nameB
		}
		return chaterr.Invalid(name, fieldErrs[0].Tag())
	}
	return chaterr.Invalid("", err.Error())
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return chaterr.Invalid(lowerFirst(fe.Field()), fe.Tag())
	}
	return chaterr.Invalid("", err.Error())
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
