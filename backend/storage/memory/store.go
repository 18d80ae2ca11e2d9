package memory

import (
	"errors"
	"sync"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	ErrSessionBusy = errors.New("session is busy")
	ErrNotFound    = errors.New("session or participant is not found")
)

type participant struct {
	ch *presence.Channel
}

type session struct {
	members map[string]participant
	order   []string
}

func (s *session) others(participantID string) []string {
	return lo.Without(s.order, participantID)
}

// MemStore keeps sessions and their connected participants in process memory.
type MemStore struct {
	logger zerolog.Logger
	policy model.Policy
	mx     *sync.RWMutex
	db     map[string]*session
}

func NewMemStore(logger *zerolog.Logger, policy model.Policy) *MemStore {
	return &MemStore{
		logger: logger.With().Str("component", "registry").Logger(),
		policy: policy,
		mx:     &sync.RWMutex{},
		db:     make(map[string]*session),
	}
}

func (ms *MemStore) Policy() model.Policy {
	return ms.policy
}

// Join registers ch as participantID's channel in sessionID.
// Existing members and the newcomer are notified about each other.
// A participant that is already connected is handed off to ch silently.
// Returns ids of members that were present before the join.
func (ms *MemStore) Join(sessionID, participantID string, ch *presence.Channel) ([]string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		sess = &session{members: make(map[string]participant)}
	}

	if prev, ok := sess.members[participantID]; ok {
		if err := ch.Open(); err != nil {
			return nil, err
		}
		prev.ch.Supersede()
		sess.members[participantID] = participant{ch: ch}

		others := sess.others(participantID)
		ms.pushAll(ch, model.EventTypeJoin, others)

		ms.logger.Debug().
			Str("sessionID", sessionID).
			Str("participantID", participantID).
			Str("prevChannel", prev.ch.ID()).
			Str("channel", ch.ID()).
			Msg("participant channel superseded")
		return others, nil
	}

	_, privileged := sess.members[ms.policy.PrivilegedID]
	if !ms.policy.Admit(len(sess.order), participantID, privileged) {
		return nil, ErrSessionBusy
	}
	if err := ch.Open(); err != nil {
		return nil, err
	}

	others := append([]string(nil), sess.order...)
	sess.members[participantID] = participant{ch: ch}
	sess.order = append(sess.order, participantID)
	ms.db[sessionID] = sess

	for _, id := range others {
		ms.push(sess.members[id].ch, model.Event{Type: model.EventTypeJoin, Data: participantID})
	}
	ms.pushAll(ch, model.EventTypeJoin, others)
	return others, nil
}

// Leave removes participantID from sessionID and notifies the remaining members.
func (ms *MemStore) Leave(sessionID, participantID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return false
	}
	p, ok := sess.members[participantID]
	if !ok {
		return false
	}
	ms.removeLocked(sessionID, sess, participantID)
	p.ch.Close()
	return true
}

// Release is the cleanup path of a closed channel. It removes the
// participant only if ch is still its registered channel.
func (ms *MemStore) Release(ch *presence.Channel) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[ch.SessionID()]
	if !ok {
		return false
	}
	p, ok := sess.members[ch.ParticipantID()]
	if !ok || p.ch != ch {
		return false
	}
	ms.removeLocked(ch.SessionID(), sess, ch.ParticipantID())
	return true
}

func (ms *MemStore) removeLocked(sessionID string, sess *session, participantID string) {
	delete(sess.members, participantID)
	sess.order = sess.others(participantID)

	for _, id := range sess.order {
		ms.push(sess.members[id].ch, model.Event{Type: model.EventTypeLeave, Data: participantID})
	}
	if len(sess.order) == 0 {
		delete(ms.db, sessionID)
		ms.logger.Debug().Str("sessionID", sessionID).Msg("empty session evicted")
	}
}

// Lookup returns the live channel of peerID in sessionID.
func (ms *MemStore) Lookup(sessionID, peerID string) (*presence.Channel, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := sess.members[peerID]
	if !ok || p.ch.State() != presence.StateOpen {
		return nil, ErrNotFound
	}
	return p.ch, nil
}

// IsMember reports whether participantID is registered in sessionID.
func (ms *MemStore) IsMember(sessionID, participantID string) bool {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return false
	}
	_, ok = sess.members[participantID]
	return ok
}

func (ms *MemStore) Occupancy(sessionID string) (int, []model.Member) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return 0, nil
	}
	return len(sess.order), lo.Map(sess.order, func(id string, _ int) model.Member {
		return model.Member{ID: id, Since: sess.members[id].ch.Since()}
	})
}

func (ms *MemStore) Status(sessionID string) model.Status {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return model.StatusOffline
	}
	_, privileged := sess.members[ms.policy.PrivilegedID]
	return ms.policy.Classify(len(sess.order), privileged)
}

func (ms *MemStore) pushAll(ch *presence.Channel, typ string, data []string) {
	for _, d := range data {
		ms.push(ch, model.Event{Type: typ, Data: d})
	}
}

func (ms *MemStore) push(ch *presence.Channel, ev model.Event) {
	if err := ch.Push(ev); err != nil {
		ms.logger.Warn().Err(err).
			Str("sessionID", ch.SessionID()).
			Str("participantID", ch.ParticipantID()).
			Str("type", ev.Type).
			Msg("event was not delivered")
	}
}
