package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/google/uuid"
)

const (
	defaultQueueSize         = 64
	defaultKeepaliveInterval = 5 * time.Second
)

var (
	ErrClosed   = errors.New("channel is closed")
	ErrOverflow = errors.New("channel outbound queue overflow")
	ErrNotOpen  = errors.New("channel is not open")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Transport writes framed events to one connected client.
// Implementations are not required to be safe for concurrent use,
// Serve is the only caller.
type Transport interface {
	WriteEvent(model.Event) error
	WriteKeepalive() error
}

type Config struct {
	SessionID         string
	ParticipantID     string
	QueueSize         int
	KeepaliveInterval time.Duration
}

// Channel is a server-to-client event stream bound to one
// (session, participant) pair.
type Channel struct {
	since     time.Time
	queue     chan model.Event
	done      chan struct{}
	id        string
	session   string
	member    string
	keepalive time.Duration

	mx         sync.Mutex
	state      State
	superseded bool
}

func NewChannel(cfg Config) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &Channel{
		id:        uuid.NewString(),
		session:   cfg.SessionID,
		member:    cfg.ParticipantID,
		since:     time.Now(),
		queue:     make(chan model.Event, cfg.QueueSize),
		done:      make(chan struct{}),
		keepalive: cfg.KeepaliveInterval,
	}
}

func (ch *Channel) ID() string            { return ch.id }
func (ch *Channel) SessionID() string     { return ch.session }
func (ch *Channel) ParticipantID() string { return ch.member }
func (ch *Channel) Since() time.Time      { return ch.since }

// Done is closed once the channel reaches the closed state.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

func (ch *Channel) State() State {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.state
}

// Open moves a connecting channel to the open state.
func (ch *Channel) Open() error {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	switch ch.state {
	case StateConnecting:
		ch.state = StateOpen
		return nil
	case StateOpen:
		return nil
	default:
		return ErrClosed
	}
}

// Push enqueues one event without waiting for the client.
// A full queue means the client cannot keep up, the channel is closed.
func (ch *Channel) Push(ev model.Event) error {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	if ch.state == StateClosed {
		return ErrClosed
	}
	select {
	case ch.queue <- ev:
		return nil
	default:
		ch.closeLocked()
		return ErrOverflow
	}
}

// Close releases the channel. Only the first call returns true.
func (ch *Channel) Close() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.closeLocked()
}

// Supersede closes the channel as part of a reconnect hand-off.
func (ch *Channel) Supersede() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	if !ch.closeLocked() {
		return false
	}
	ch.superseded = true
	return true
}

func (ch *Channel) Superseded() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.superseded
}

func (ch *Channel) closeLocked() bool {
	if ch.state == StateClosed {
		return false
	}
	ch.state = StateClosed
	close(ch.done)
	return true
}

// Serve writes queued events and keepalives to t until ctx is done,
// the channel is closed or a write fails. Events queued before Close
// are still written. The channel is always closed when Serve returns.
func (ch *Channel) Serve(ctx context.Context, t Transport) error {
	defer ch.Close()

	if ch.State() != StateOpen {
		return ErrNotOpen
	}

	ticker := time.NewTicker(ch.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.done:
			return ch.flush(t)
		case <-ticker.C:
			if err := t.WriteKeepalive(); err != nil {
				return err
			}
		case ev := <-ch.queue:
			if err := t.WriteEvent(ev); err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is left in the queue without waiting for more.
// Push refuses new events once the channel is closed.
func (ch *Channel) flush(t Transport) error {
	for {
		select {
		case ev := <-ch.queue:
			if err := t.WriteEvent(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
