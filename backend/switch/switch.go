package _switch

import (
	"errors"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const controlField = "control"

var (
	ErrNotFound = errors.New("cannot forward, sender or peer not found")
	ErrForward  = errors.New("cannot forward, peer channel is gone")
)

type Registry interface {
	IsMember(sessionID, participantID string) bool
	Lookup(sessionID, peerID string) (*presence.Channel, error)
}

type Config struct {
	Logger   *zerolog.Logger
	Registry Registry
	// ControlRedirect routes JSON payloads carrying a top-level "control"
	// field to PrivilegedID regardless of the addressed peer.
	ControlRedirect bool
	PrivilegedID    string
}

// Switch forwards opaque payloads between participants of one session.
type Switch struct {
	logger          zerolog.Logger
	reg             Registry
	privilegedID    string
	controlRedirect bool
}

func NewSwitch(cfg Config) *Switch {
	return &Switch{
		logger:          cfg.Logger.With().Str("component", "switch").Logger(),
		reg:             cfg.Registry,
		controlRedirect: cfg.ControlRedirect,
		privilegedID:    cfg.PrivilegedID,
	}
}

// Relay delivers payload unmodified to peerID's channel as a user-{senderID} event.
func (sw *Switch) Relay(sessionID, senderID, peerID string, payload []byte) error {
	logger := sw.logger.With().
		Str("sessionID", sessionID).
		Str("src", senderID).
		Str("dst", peerID).Logger()

	if !sw.reg.IsMember(sessionID, senderID) {
		logger.Debug().Msg("sender is not a session member")
		return ErrNotFound
	}

	if sw.controlRedirect && peerID != sw.privilegedID && isControl(payload) {
		logger.Debug().Str("redirect", sw.privilegedID).Msg("control message redirected")
		peerID = sw.privilegedID
	}

	ch, err := sw.reg.Lookup(sessionID, peerID)
	if err != nil {
		logger.Debug().Err(err).Msg("cannot forward, dst not found")
		return errors.Join(ErrNotFound, err)
	}

	err = ch.Push(model.Event{
		Type: model.UserEventType(senderID),
		Data: string(payload),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("dead endpoint")
		return errors.Join(ErrForward, err)
	}
	logger.Trace().Int("size", len(payload)).Msg("payload is forwarded")
	return nil
}

func isControl(payload []byte) bool {
	if !gjson.ValidBytes(payload) {
		return false
	}
	return gjson.GetBytes(payload, controlField).Exists()
}
