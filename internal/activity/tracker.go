package activity

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/delivery"
	"github.com/matheus3301/dmhub/internal/presence"
	"go.uber.org/zap"
)

// Tracker follows presence and delivery events on the server bus and keeps
// per-user activity: when each user was last seen and when they last sent.
// State is in memory only and starts empty on every daemon start.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	lastSeen map[string]time.Time
	lastSent map[string]time.Time
	sent     map[string]int
}

// NewTracker creates a tracker. Call Start to begin consuming events.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:      b,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		lastSent: make(map[string]time.Time),
		sent:     make(map[string]int),
	}
}

// Start subscribes to presence and delivery events on the bus.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	presenceCh, unsubPresence := t.bus.Subscribe("presence.", 256)
	deliveryCh, unsubDelivery := t.bus.Subscribe("delivery.", 256)

	go func() {
		defer close(t.done)
		defer unsubPresence()
		defer unsubDelivery()
		for {
			select {
			case evt := <-presenceCh:
				t.handleEvent(evt)
			case evt := <-deliveryCh:
				t.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker and waits for its goroutine to exit.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Tracker) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.PresenceChanged:
		change, ok := evt.Payload.(presence.StatusChange)
		if !ok {
			return
		}
		// Online users are seen "now"; only the offline edge is recorded.
		if change.To == presence.Offline {
			t.mu.Lock()
			t.lastSeen[change.UserID] = evt.Timestamp
			t.mu.Unlock()
		}
	case bus.MessageSent:
		res, ok := evt.Payload.(delivery.Result)
		if !ok {
			return
		}
		sender := res.Message.SenderID
		t.mu.Lock()
		t.lastSent[sender] = evt.Timestamp
		t.sent[sender]++
		t.mu.Unlock()
		if res.Delivery == delivery.Unreachable {
			t.logger.Debug("message stored for offline recipient",
				zap.Int64("message_id", res.Message.ID),
				zap.String("receiver_id", res.Message.ReceiverID))
		}
	}
}

// LastSeen reports when userID last went offline.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

// LastSent reports when userID last sent a message and how many messages
// they sent since the tracker started.
func (t *Tracker) LastSent(userID string) (time.Time, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSent[userID], t.sent[userID]
}
