package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/rs/zerolog"
)

var (
	ErrBusy  = errors.New("session is busy")
	ErrJoin  = errors.New("unable to join session")
	ErrRelay = errors.New("unable to relay payload")
	ErrLeave = errors.New("participant is not connected")
	ErrID    = errors.New("malformed session or participant id")
)

type (
	Registry interface {
		Join(sessionID, participantID string, ch *presence.Channel) ([]string, error)
		Release(ch *presence.Channel) bool
		Leave(sessionID, participantID string) bool
		Status(sessionID string) model.Status
	}

	Switch interface {
		Relay(sessionID, senderID, peerID string, payload []byte) error
	}

	Service struct {
		reg       Registry
		sw        Switch
		logger    zerolog.Logger
		keepalive time.Duration
		queueSize int
	}

	Config struct {
		Logger            *zerolog.Logger
		Registry          Registry
		Switch            Switch
		KeepaliveInterval time.Duration
		QueueSize         int
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:       cfg.Registry,
		sw:        cfg.Switch,
		logger:    cfg.Logger.With().Str("component", "service").Logger(),
		keepalive: cfg.KeepaliveInterval,
		queueSize: cfg.QueueSize,
	}
}

// OpenPresenceChannel joins participantID to sessionID and streams its
// events through t until the client disconnects or the channel is closed.
// If the session is full a single busy event is written and ErrBusy returned.
func (svc *Service) OpenPresenceChannel(ctx context.Context, sessionID, participantID string, t presence.Transport) error {
	if !model.ValidID(sessionID) || !model.ValidID(participantID) {
		return ErrID
	}
	logger := svc.logger.With().
		Str("sessionID", sessionID).
		Str("participantID", participantID).
		Logger()

	ch := presence.NewChannel(presence.Config{
		SessionID:         sessionID,
		ParticipantID:     participantID,
		QueueSize:         svc.queueSize,
		KeepaliveInterval: svc.keepalive,
	})

	others, err := svc.reg.Join(sessionID, participantID, ch)
	if err != nil {
		ch.Close()
		if !errors.Is(err, presence.ErrClosed) {
			logger.Info().Err(err).Msg("session limit reached")
			if errW := t.WriteEvent(model.Event{Type: model.EventTypeBusy, Data: sessionID}); errW != nil {
				logger.Debug().Err(errW).Msg("failed to write busy event")
			}
			return errors.Join(ErrBusy, err)
		}
		return errors.Join(ErrJoin, err)
	}
	logger.Info().
		Str("channel", ch.ID()).
		Strs("members", others).
		Msg("participant joined")

	err = ch.Serve(ctx, t)
	if err != nil {
		logger.Debug().Err(err).Msg("presence channel transport failed")
	}

	if svc.reg.Release(ch) {
		logger.Info().Str("channel", ch.ID()).Msg("participant left")
	} else if ch.Superseded() {
		logger.Debug().Str("channel", ch.ID()).Msg("participant reconnected elsewhere")
	}
	return nil
}

// Leave disconnects participantID from sessionID, its stream is terminated.
func (svc *Service) Leave(sessionID, participantID string) error {
	if !svc.reg.Leave(sessionID, participantID) {
		return ErrLeave
	}
	svc.logger.Info().
		Str("sessionID", sessionID).
		Str("participantID", participantID).
		Msg("participant left explicitly")
	return nil
}

func (svc *Service) Relay(sessionID, senderID, peerID string, payload []byte) error {
	if !model.ValidID(sessionID) || !model.ValidID(senderID) || !model.ValidID(peerID) {
		return errors.Join(ErrRelay, ErrID)
	}
	if err := svc.sw.Relay(sessionID, senderID, peerID, payload); err != nil {
		return errors.Join(ErrRelay, err)
	}
	return nil
}

func (svc *Service) Status(sessionID string) model.StatusResponse {
	return model.StatusResponse{
		Session: sessionID,
		Status:  svc.reg.Status(sessionID),
	}
}
