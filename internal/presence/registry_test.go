package presence

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dmhub/internal/wire"
)

// fakeConn records pushed frames. It is safe for concurrent use.
type fakeConn struct {
	id     string
	userID string
	err    error

	mu     sync.Mutex
	frames []wire.Frame
}

func newFakeConn(userID, id string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string               { return c.id }
func (c *fakeConn) UserID() string           { return c.userID }
func (c *fakeConn) EstablishedAt() time.Time { return time.Time{} }

func (c *fakeConn) Push(f wire.Frame) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) pushed() []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Frame(nil), c.frames...)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ConnectionsChanged(userID string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, fmt.Sprintf("%s:%d", userID, count))
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	obs := &recordingObserver{}
	r.Observe(obs)

	c := newFakeConn("u1", "c1")
	if err := r.Add("u1", c); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("u1", c); err != nil {
		t.Fatalf("second Add() error = %v, want nil", err)
	}

	if ids := r.ConnectionIDs("u1"); len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("ConnectionIDs = %v, want [c1]", ids)
	}
	if len(obs.calls) != 1 {
		t.Errorf("observer calls = %v, want exactly one", obs.calls)
	}
}

func TestAddRejectsForeignConnectionID(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("u1", newFakeConn("u1", "c1")); err != nil {
		t.Fatal(err)
	}
	err := r.Add("u2", newFakeConn("u2", "c1"))
	if !errors.Is(err, ErrConnectionIDInUse) {
		t.Fatalf("Add() error = %v, want ErrConnectionIDInUse", err)
	}
	if r.IsOnline("u2") {
		t.Error("u2 should not be online after a rejected add")
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	obs := &recordingObserver{}
	r.Observe(obs)
	if err := r.Add("u1", newFakeConn("u1", "c1")); err != nil {
		t.Fatal(err)
	}

	r.Remove("u1", "missing")
	r.Remove("nobody", "c1")
	r.Remove("nobody", "nothing")

	if !r.IsOnline("u1") {
		t.Error("u1 should still be online")
	}
	if got := r.Stats(); got != (Stats{Users: 1, Connections: 1}) {
		t.Errorf("Stats() = %+v, want 1 user 1 connection", got)
	}
	if len(obs.calls) != 1 {
		t.Errorf("observer calls = %v, want only the add", obs.calls)
	}
}

func TestMultiDevicePresence(t *testing.T) {
	r := NewRegistry()
	_ = r.Add("u1", newFakeConn("u1", "phone"))
	_ = r.Add("u1", newFakeConn("u1", "laptop"))

	r.Remove("u1", "phone")
	if !r.IsOnline("u1") {
		t.Fatal("u1 should stay online while laptop is connected")
	}
	r.Remove("u1", "laptop")
	if r.IsOnline("u1") {
		t.Fatal("u1 should be offline after the last connection is removed")
	}
	if users := r.OnlineUsers(); len(users) != 0 {
		t.Errorf("OnlineUsers = %v, want none", users)
	}
}

func TestSnapshotIsCopyOnRead(t *testing.T) {
	r := NewRegistry()
	_ = r.Add("u1", newFakeConn("u1", "c1"))

	ids := r.ConnectionIDs("u1")
	conns := r.Connections("u1")

	_ = r.Add("u1", newFakeConn("u1", "c2"))
	r.Remove("u1", "c1")

	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("earlier id snapshot changed to %v", ids)
	}
	if len(conns) != 1 || conns[0].ID() != "c1" {
		t.Errorf("earlier handle snapshot changed to %d entries", len(conns))
	}
}

func TestOthersExcludesOwnConnections(t *testing.T) {
	r := NewRegistry()
	_ = r.Add("a", newFakeConn("a", "a1"))
	_ = r.Add("a", newFakeConn("a", "a2"))
	_ = r.Add("b", newFakeConn("b", "b1"))
	_ = r.Add("c", newFakeConn("c", "c1"))

	others := r.Others("a")
	if len(others) != 2 {
		t.Fatalf("Others(a) = %d conns, want 2", len(others))
	}
	for _, c := range others {
		if c.UserID() == "a" {
			t.Errorf("Others(a) included own connection %s", c.ID())
		}
	}
}

// TestIsOnlineMatchesConnectionSet runs random concurrent interleavings of
// add/remove and checks the final state against a sequential model.
func TestIsOnlineMatchesConnectionSet(t *testing.T) {
	r := NewRegistry()
	const users = 4
	const workers = 8

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 42))
			for range 500 {
				u := fmt.Sprintf("u%d", rng.IntN(users))
				connID := fmt.Sprintf("%s-w%d-c%d", u, w, rng.IntN(3))
				if rng.IntN(2) == 0 {
					_ = r.Add(u, newFakeConn(u, connID))
				} else {
					r.Remove(u, connID)
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for i := range users {
		u := fmt.Sprintf("u%d", i)
		ids := r.ConnectionIDs(u)
		total += len(ids)
		if r.IsOnline(u) != (len(ids) > 0) {
			t.Errorf("IsOnline(%s) = %v with %d connections", u, r.IsOnline(u), len(ids))
		}
	}
	if got := r.Stats().Connections; got != total {
		t.Errorf("Stats().Connections = %d, want %d", got, total)
	}
}
