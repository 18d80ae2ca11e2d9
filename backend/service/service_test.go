package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/adwski/presence-relay/backend/storage/memory"
	sw "github.com/adwski/presence-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx     sync.Mutex
	events []model.Event
}

func (r *recorder) WriteEvent(ev model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) WriteKeepalive() error { return nil }

func (r *recorder) snapshot() []model.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Event(nil), r.events...)
}

var errPipe = errors.New("broken pipe")

// brokenPipe fails every event write.
type brokenPipe struct{}

func (brokenPipe) WriteEvent(model.Event) error { return errPipe }

func (brokenPipe) WriteKeepalive() error { return nil }

// stalled blocks its first event write until release is closed
// and then fails it, like a peer that stopped reading.
type stalled struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalled) WriteEvent(model.Event) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return errPipe
}

func (s *stalled) WriteKeepalive() error { return nil }

type conn struct {
	rec    *recorder
	cancel context.CancelFunc
	errc   chan error
}

func newTestService(policy model.Policy) (*Service, *memory.MemStore) {
	return newTestServiceQueue(policy, 0)
}

func newTestServiceQueue(policy model.Policy, queueSize int) (*Service, *memory.MemStore) {
	logger := zerolog.Nop()
	store := memory.NewMemStore(&logger, policy)
	return NewService(Config{
		Logger:   &logger,
		Registry: store,
		Switch: sw.NewSwitch(sw.Config{
			Logger:       &logger,
			Registry:     store,
			PrivilegedID: policy.PrivilegedID,
		}),
		KeepaliveInterval: time.Hour,
		QueueSize:         queueSize,
	}), store
}

func open(svc *Service, sessionID, participantID string) *conn {
	rec := &recorder{}
	c := openWith(svc, sessionID, participantID, rec)
	c.rec = rec
	return c
}

func openWith(svc *Service, sessionID, participantID string, t presence.Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{cancel: cancel, errc: make(chan error, 1)}
	go func() {
		c.errc <- svc.OpenPresenceChannel(ctx, sessionID, participantID, t)
	}()
	return c
}

func waitEvents(t *testing.T, c *conn, want ...model.Event) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.rec.snapshot()) >= len(want)
	}, time.Second, time.Millisecond)
	require.Equal(t, want, c.rec.snapshot())
}

func waitMembers(t *testing.T, store *memory.MemStore, sessionID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count, _ := store.Occupancy(sessionID)
		return count == n
	}, time.Second, time.Millisecond)
}

func TestService_Room1Scenario(t *testing.T) {
	svc, store := newTestService(model.Policy{Capacity: 2, PrivilegedID: "_bot"})

	require.Equal(t, model.StatusOffline, svc.Status("room1").Status)

	bot := open(svc, "room1", "_bot")
	defer bot.cancel()
	waitMembers(t, store, "room1", 1)
	require.Equal(t, model.StatusResponse{Session: "room1", Status: model.StatusOnline}, svc.Status("room1"))

	ctrl := open(svc, "room1", "ctrl")
	waitMembers(t, store, "room1", 2)
	waitEvents(t, bot, model.Event{Type: model.EventTypeJoin, Data: "ctrl"})
	waitEvents(t, ctrl, model.Event{Type: model.EventTypeJoin, Data: "_bot"})
	require.Equal(t, model.StatusBusy, svc.Status("room1").Status)

	xtra := open(svc, "room1", "xtra")
	require.ErrorIs(t, <-xtra.errc, ErrBusy)
	require.Equal(t, []model.Event{{Type: model.EventTypeBusy, Data: "room1"}}, xtra.rec.snapshot())
	count, _ := store.Occupancy("room1")
	require.Equal(t, 2, count)

	ctrl.cancel()
	require.NoError(t, <-ctrl.errc)
	waitMembers(t, store, "room1", 1)
	waitEvents(t, bot,
		model.Event{Type: model.EventTypeJoin, Data: "ctrl"},
		model.Event{Type: model.EventTypeLeave, Data: "ctrl"},
	)
	require.Equal(t, model.StatusOnline, svc.Status("room1").Status)
}

func TestService_RelayBetweenChannels(t *testing.T) {
	svc, store := newTestService(model.Policy{Capacity: 3, PrivilegedID: "telebot"})

	a := open(svc, "s", "alice")
	defer a.cancel()
	b := open(svc, "s", "bob")
	defer b.cancel()
	waitMembers(t, store, "s", 2)

	payload := []byte("{\"candidate\":\"a=1\"}\n")
	require.NoError(t, svc.Relay("s", "alice", "bob", payload))
	waitEvents(t, b,
		model.Event{Type: model.EventTypeJoin, Data: "alice"},
		model.Event{Type: model.UserEventType("alice"), Data: string(payload)},
	)

	require.ErrorIs(t, svc.Relay("s", "alice", "carol", payload), ErrRelay)
}

func TestService_ReconnectIsSilent(t *testing.T) {
	svc, store := newTestService(model.Policy{Capacity: 3, PrivilegedID: "telebot"})

	a := open(svc, "s", "alice")
	defer a.cancel()
	waitMembers(t, store, "s", 1)

	b1 := open(svc, "s", "bob")
	waitEvents(t, a, model.Event{Type: model.EventTypeJoin, Data: "bob"})

	b2 := open(svc, "s", "bob")
	defer b2.cancel()
	require.NoError(t, <-b1.errc)
	waitEvents(t, b2, model.Event{Type: model.EventTypeJoin, Data: "alice"})

	count, _ := store.Occupancy("s")
	require.Equal(t, 2, count)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []model.Event{{Type: model.EventTypeJoin, Data: "bob"}}, a.rec.snapshot())
}

func TestService_TransportFailureLeavesOnce(t *testing.T) {
	svc, store := newTestService(model.Policy{Capacity: 3, PrivilegedID: "telebot"})

	a := open(svc, "s", "alice")
	defer a.cancel()
	waitMembers(t, store, "s", 1)

	b := openWith(svc, "s", "bob", brokenPipe{})
	defer b.cancel()
	require.NoError(t, <-b.errc)

	waitMembers(t, store, "s", 1)
	waitEvents(t, a,
		model.Event{Type: model.EventTypeJoin, Data: "bob"},
		model.Event{Type: model.EventTypeLeave, Data: "bob"},
	)
	require.ErrorIs(t, svc.Relay("s", "alice", "bob", []byte("hi")), ErrRelay)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, a.rec.snapshot(), 2)
}

func TestService_OverflowLeavesOnce(t *testing.T) {
	svc, store := newTestServiceQueue(model.Policy{Capacity: 3, PrivilegedID: "telebot"}, 1)

	a := open(svc, "s", "alice")
	defer a.cancel()
	waitMembers(t, store, "s", 1)

	peer := &stalled{entered: make(chan struct{}), release: make(chan struct{})}
	b := openWith(svc, "s", "bob", peer)
	defer b.cancel()

	// bob is stuck writing "join alice", its queue is empty again
	<-peer.entered
	waitEvents(t, a, model.Event{Type: model.EventTypeJoin, Data: "bob"})

	require.NoError(t, svc.Relay("s", "alice", "bob", []byte("1")))
	err := svc.Relay("s", "alice", "bob", []byte("2"))
	require.ErrorIs(t, err, ErrRelay)
	require.ErrorIs(t, err, presence.ErrOverflow)

	close(peer.release)
	require.NoError(t, <-b.errc)

	waitMembers(t, store, "s", 1)
	waitEvents(t, a,
		model.Event{Type: model.EventTypeJoin, Data: "bob"},
		model.Event{Type: model.EventTypeLeave, Data: "bob"},
	)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, a.rec.snapshot(), 2)
}

func TestService_MalformedIDs(t *testing.T) {
	svc, store := newTestService(model.Policy{Capacity: 3, PrivilegedID: "telebot"})

	c := open(svc, "s", "m\nevent: leave")
	require.ErrorIs(t, <-c.errc, ErrID)
	require.Empty(t, c.rec.snapshot())
	count, _ := store.Occupancy("s")
	require.Zero(t, count)

	require.ErrorIs(t, svc.Relay("s", "alice", "bob\r", []byte("hi")), ErrID)
}
