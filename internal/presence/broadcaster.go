package presence

import (
	"sync"
	"time"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/metrics"
	"github.com/matheus3301/dmhub/internal/wire"
	"go.uber.org/zap"
)

// Broadcaster derives per-user presence from the registry and fans status
// changes out to every other live connection.
//
// A user's status is online iff they hold a live connection, unless an
// explicit SetStatus overrides it. The override lasts until the next
// connect or disconnect of that user, which recomputes the derived value.
type Broadcaster struct {
	registry *Registry
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// mu serializes transitions so UserStatusChanged events for one user
	// leave in the order the statuses were decided.
	mu       sync.Mutex
	current  map[string]Status
	override map[string]bool
}

// NewBroadcaster creates a broadcaster and registers it as a registry observer.
func NewBroadcaster(r *Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	bc := &Broadcaster{
		registry: r,
		bus:      b,
		metrics:  m,
		logger:   logger,
		current:  make(map[string]Status),
		override: make(map[string]bool),
	}
	r.Observe(bc)
	return bc
}

// ConnectionsChanged recomputes the derived status after a registry mutation.
func (bc *Broadcaster) ConnectionsChanged(userID string, _ int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	delete(bc.override, userID)
	derived := Offline
	// Read the registry rather than trusting the count so racing
	// notifications converge on the latest state.
	if bc.registry.IsOnline(userID) {
		derived = Online
	}
	bc.transition(userID, derived)

	stats := bc.registry.Stats()
	bc.metrics.SetConnections(stats.Users, stats.Connections)
}

// SetStatus applies an explicit status request for userID.
func (bc *Broadcaster) SetStatus(userID, status string) error {
	st, err := ParseStatus(status)
	if err != nil {
		return err
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.override[userID] = true
	bc.transition(userID, st)
	return nil
}

// Status returns the user's current presence.
func (bc *Broadcaster) Status(userID string) Status {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.statusLocked(userID)
}

func (bc *Broadcaster) statusLocked(userID string) Status {
	if st, ok := bc.current[userID]; ok {
		return st
	}
	return Offline
}

// transition must be called with mu held.
func (bc *Broadcaster) transition(userID string, to Status) {
	from := bc.statusLocked(userID)
	if from == to {
		if to == Offline && !bc.override[userID] {
			delete(bc.current, userID)
		}
		return
	}
	if to == Offline && !bc.override[userID] {
		delete(bc.current, userID)
	} else {
		bc.current[userID] = to
	}

	pushed := bc.broadcast(userID, to)
	bc.metrics.PresenceChange(string(to))
	bc.logger.Info("presence changed",
		zap.String("user_id", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("pushed", pushed),
	)
	if bc.bus != nil {
		bc.bus.Publish(bus.Event{
			Kind:      bus.PresenceChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{UserID: userID, From: from, To: to},
		})
	}
}

func (bc *Broadcaster) broadcast(userID string, st Status) int {
	frame, err := wire.NewEvent(wire.EventUserStatusChanged, wire.UserStatusChanged{
		UserID: userID,
		Status: string(st),
	})
	if err != nil {
		bc.logger.Error("encode status event", zap.Error(err))
		return 0
	}
	pushed := 0
	for _, c := range bc.registry.Others(userID) {
		err := c.Push(frame)
		bc.metrics.Push(wire.EventUserStatusChanged, err)
		if err != nil {
			bc.logger.Debug("status push dropped",
				zap.String("conn_id", c.ID()), zap.Error(err))
			continue
		}
		pushed++
	}
	return pushed
}
