package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/status"
	"github.com/matheus3301/dmhub/internal/wire"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrSendInFlight rejects a retry of a message that is still being sent.
var ErrSendInFlight = errors.New("client: send already in flight")

// MessageState is the client-local lifecycle of a message.
type MessageState string

const (
	Sending MessageState = "sending"
	Sent    MessageState = "sent"
	Failed  MessageState = "failed"
)

// LocalMessage is a message as rendered by the client. Optimistic entries
// have a TempID and no ID until reconciled with the stored copy.
type LocalMessage struct {
	TempID     string
	ClientKey  string
	ID         int64
	SenderID   string
	ReceiverID string
	Content    string
	Timestamp  int64
	Read       bool
	State      MessageState
	Err        string
}

// ConversationOptions configures a Conversation.
type ConversationOptions struct {
	Session *Session
	History HistoryFetcher
	SelfID  string
	PeerID  string

	// SendTimeout bounds connect plus invoke for one send.
	SendTimeout time.Duration
	// TypingTimeout clears the peer typing indicator absent a follow-up.
	TypingTimeout time.Duration
	// TypingThrottle is the minimum gap between outgoing typing indicators.
	TypingThrottle time.Duration
	// AutoMarkRead marks peer messages read as soon as they arrive.
	AutoMarkRead bool
	Logger       *zap.Logger
}

// Update is the payload of conversation.updated events.
type Update struct {
	PeerID string
}

// Conversation is the client view of one direct conversation. All mutations
// are published as conversation.updated on the session bus.
type Conversation struct {
	session *Session
	history HistoryFetcher
	opts    ConversationOptions
	logger  *zap.Logger

	mu          sync.Mutex
	messages    []LocalMessage
	peerTyping  bool
	typingTimer *time.Timer
	peerStatus  string
	lastTyping  time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// OpenConversation starts listening for pushes and reconnects relevant to
// the peer. Call Close when the conversation is no longer active.
func OpenConversation(opts ConversationOptions) (*Conversation, error) {
	if opts.Session == nil || opts.History == nil {
		return nil, errors.New("client: session and history are required")
	}
	if _, err := uuid.Parse(opts.PeerID); err != nil {
		return nil, chaterr.Invalid("peerId", "uuid")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = 3 * time.Second
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Conversation{
		session:    opts.Session,
		history:    opts.History,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("peer_id", opts.PeerID)),
		peerStatus: "offline",
		stop:       make(chan struct{}),
	}
	pushes, unsubPushes := opts.Session.Subscribe("", 128)
	reconnects, unsubReconnects := opts.Session.Bus().Subscribe(bus.SessionReconnected, 4)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubPushes()
		defer unsubReconnects()
		c.loop(pushes, reconnects)
	}()
	return c, nil
}

// Close stops the conversation listener.
func (c *Conversation) Close() {
	select {
	case <-c.stop:
		return
	default:
	}
	close(c.stop)
	c.wg.Wait()
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()
}

// Messages returns a copy of the rendered message list.
func (c *Conversation) Messages() []LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LocalMessage(nil), c.messages...)
}

// PeerTyping reports whether the peer is currently shown as typing.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// PeerStatus returns the last presence status seen for the peer.
func (c *Conversation) PeerStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerStatus
}

// Send renders content optimistically and delivers it. A disconnected session
// is connected first; if that or the invocation fails within SendTimeout the
// message ends Failed and the error is returned alongside it.
func (c *Conversation) Send(ctx context.Context, content string) (LocalMessage, error) {
	if strings.TrimSpace(content) == "" {
		return LocalMessage{}, chaterr.Invalid("content", "blank")
	}
	lm := LocalMessage{
		TempID:     "tmp-" + uuid.NewString(),
		ClientKey:  uuid.NewString(),
		SenderID:   c.opts.SelfID,
		ReceiverID: c.opts.PeerID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		State:      Sending,
	}
	c.mu.Lock()
	c.messages = append(c.messages, lm)
	c.mu.Unlock()
	c.publish()

	return c.deliver(ctx, lm)
}

// Retry resends a Failed message from scratch with its original client key,
// so a send that was stored but never acknowledged is not duplicated.
func (c *Conversation) Retry(ctx context.Context, tempID string) (LocalMessage, error) {
	c.mu.Lock()
	i := c.indexByTempID(tempID)
	if i < 0 {
		c.mu.Unlock()
		return LocalMessage{}, chaterr.Invalid("tempId", "unknown")
	}
	switch c.messages[i].State {
	case Sending:
		lm := c.messages[i]
		c.mu.Unlock()
		return lm, ErrSendInFlight
	case Sent:
		lm := c.messages[i]
		c.mu.Unlock()
		return lm, nil
	}
	c.messages[i].State = Sending
	c.messages[i].Err = ""
	lm := c.messages[i]
	c.mu.Unlock()
	c.publish()

	return c.deliver(ctx, lm)
}

func (c *Conversation) deliver(ctx context.Context, lm LocalMessage) (LocalMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	if err := c.session.Connect(ctx); err != nil {
		return c.fail(lm.TempID, err)
	}
	var res wire.SendMessageResult
	err := c.session.Invoke(ctx, wire.InvokeSendMessage, wire.SendMessageArgs{
		ReceiverID: lm.ReceiverID,
		Content:    lm.Content,
		ClientKey:  lm.ClientKey,
	}, &res)
	if err != nil {
		return c.fail(lm.TempID, err)
	}
	return c.confirm(lm.TempID, res), nil
}

func (c *Conversation) fail(tempID string, err error) (LocalMessage, error) {
	c.mu.Lock()
	var lm LocalMessage
	if i := c.indexByTempID(tempID); i >= 0 {
		c.messages[i].State = Failed
		c.messages[i].Err = err.Error()
		lm = c.messages[i]
	}
	c.mu.Unlock()
	c.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(err))
	c.publish()
	return lm, err
}

// confirm reconciles the optimistic entry with the acknowledged stored copy.
func (c *Conversation) confirm(tempID string, res wire.SendMessageResult) LocalMessage {
	c.mu.Lock()
	defer c.publish()
	defer c.mu.Unlock()

	i := c.indexByTempID(tempID)
	if i < 0 {
		return LocalMessage{}
	}
	if j := c.indexByID(res.MessageID); j >= 0 && j != i {
		// A resync already brought in the stored copy.
		c.messages[j].TempID = tempID
		c.messages[j].State = Sent
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		return c.messages[c.indexByTempID(tempID)]
	}
	c.messages[i].ID = res.MessageID
	c.messages[i].Timestamp = res.Timestamp
	c.messages[i].State = Sent
	c.messages[i].Err = ""
	return c.messages[i]
}

// Resync replaces the canonical history with the store's copy. Entries sent
// from here keep their TempID when their client key appears in the store;
// unacknowledged ones missing from the store stay after the canonical list.
func (c *Conversation) Resync(ctx context.Context) error {
	msgs, err := c.history.Conversation(ctx, c.opts.PeerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	own := lo.Filter(c.messages, func(m LocalMessage, _ int) bool { return m.TempID != "" })
	byKey := lo.SliceToMap(own, func(m LocalMessage) (string, LocalMessage) { return m.ClientKey, m })

	next := make([]LocalMessage, 0, len(msgs)+len(own))
	matched := make(map[string]bool)
	for _, m := range msgs {
		lm := fromWire(m)
		if m.ClientKey != "" && m.SenderID == c.opts.SelfID {
			if local, ok := byKey[m.ClientKey]; ok {
				lm.TempID = local.TempID
				matched[m.ClientKey] = true
			}
		}
		next = append(next, lm)
	}
	for _, m := range own {
		if m.ID == 0 && !matched[m.ClientKey] {
			next = append(next, m)
		}
	}
	c.messages = next
	c.mu.Unlock()

	c.logger.Debug("resynced", zap.Int("messages", len(msgs)))
	c.session.Bus().Publish(bus.Event{Kind: bus.ConversationResynced, Timestamp: time.Now(), Payload: Update{PeerID: c.opts.PeerID}})
	c.publish()
	return nil
}

// Typing tells the peer the user is typing. It is a no-op while disconnected
// or within TypingThrottle of the previous indicator.
func (c *Conversation) Typing(ctx context.Context) error {
	if c.session.State() != status.Connected {
		return nil
	}
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastTyping) < c.opts.TypingThrottle {
		c.mu.Unlock()
		return nil
	}
	c.lastTyping = now
	c.mu.Unlock()
	return c.session.Invoke(ctx, wire.InvokeSendTypingIndicator, wire.SendTypingIndicatorArgs{RecipientID: c.opts.PeerID}, nil)
}

// MarkRead marks every message from the peer as read.
func (c *Conversation) MarkRead(ctx context.Context) (bool, error) {
	var res wire.MarkMessagesAsReadResult
	if err := c.session.Invoke(ctx, wire.InvokeMarkMessagesAsRead, wire.MarkMessagesAsReadArgs{SenderID: c.opts.PeerID}, &res); err != nil {
		return false, err
	}
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].SenderID == c.opts.PeerID {
			c.messages[i].Read = true
		}
	}
	c.mu.Unlock()
	c.publish()
	return res.Updated, nil
}

func (c *Conversation) loop(pushes, reconnects <-chan bus.Event) {
	for {
		select {
		case <-c.stop:
			return
		case evt := <-pushes:
			c.handlePush(evt)
		case <-reconnects:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			if err := c.Resync(ctx); err != nil {
				c.logger.Warn("resync after reconnect failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *Conversation) handlePush(evt bus.Event) {
	target, isPush := bus.PushTarget(evt.Kind)
	f, ok := evt.Payload.(wire.Frame)
	if !isPush || !ok {
		return
	}
	switch target {
	case wire.EventReceiveMessage:
		var m wire.ReceiveMessage
		if f.DecodeArgs(&m) != nil || m.SenderID != c.opts.PeerID {
			return
		}
		c.receive(m)
	case wire.EventMessagesRead:
		var m wire.MessagesRead
		if f.DecodeArgs(&m) != nil || m.ReaderID != c.opts.PeerID {
			return
		}
		c.mu.Lock()
		for i := range c.messages {
			if c.messages[i].SenderID == c.opts.SelfID && c.messages[i].ID != 0 {
				c.messages[i].Read = true
			}
		}
		c.mu.Unlock()
		c.publish()
	case wire.EventReceiveTypingIndicator:
		var m wire.ReceiveTypingIndicator
		if f.DecodeArgs(&m) != nil || m.SenderID != c.opts.PeerID {
			return
		}
		c.setPeerTyping()
	case wire.EventUserStatusChanged:
		var m wire.UserStatusChanged
		if f.DecodeArgs(&m) != nil || m.UserID != c.opts.PeerID {
			return
		}
		c.mu.Lock()
		c.peerStatus = m.Status
		c.mu.Unlock()
		c.publish()
	}
}

func (c *Conversation) receive(m wire.ReceiveMessage) {
	c.mu.Lock()
	if m.MessageID != 0 && c.indexByID(m.MessageID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, LocalMessage{
		ID:         m.MessageID,
		ClientKey:  m.ClientKey,
		SenderID:   m.SenderID,
		ReceiverID: c.opts.SelfID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		State:      Sent,
	})
	c.peerTyping = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()
	c.publish()

	if c.opts.AutoMarkRead {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			defer cancel()
			if _, err := c.MarkRead(ctx); err != nil {
				c.logger.Warn("auto mark read failed", zap.Error(err))
			}
		}()
	}
}

func (c *Conversation) setPeerTyping() {
	c.mu.Lock()
	c.peerTyping = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.opts.TypingTimeout, func() {
		c.mu.Lock()
		c.peerTyping = false
		c.mu.Unlock()
		c.publish()
	})
	c.mu.Unlock()
	c.publish()
}

func (c *Conversation) publish() {
	c.session.Bus().Publish(bus.Event{
		Kind:      bus.ConversationUpdated,
		Timestamp: time.Now(),
		Payload:   Update{PeerID: c.opts.PeerID},
	})
}

func (c *Conversation) indexByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	_, i, _ := lo.FindIndexOf(c.messages, func(m LocalMessage) bool { return m.TempID == tempID })
	return i
}

func (c *Conversation) indexByID(id int64) int {
	if id == 0 {
		return -1
	}
	_, i, _ := lo.FindIndexOf(c.messages, func(m LocalMessage) bool { return m.ID == id })
	return i
}

func fromWire(m wire.Message) LocalMessage {
	return LocalMessage{
		ID:         m.ID,
		ClientKey:  m.ClientKey,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Read:       m.Read,
		State:      Sent,
	}
}
