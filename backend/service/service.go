package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/backend/model"
	sw "github.com/adwski/livecode-session/backend/switch"
	"github.com/adwski/livecode-session/protocol"
)

const (
	DefaultLanguage = "javascript"

	anonymousUser = "anonymous"
)

var (
	ErrCreate     = errors.New("unable to create session")
	ErrGet        = errors.New("unable to get session")
	ErrDelete     = errors.New("unable to delete session")
	ErrInvalid    = errors.New("presenter name is required")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	SessionStore interface {
		CreateSession(presenterName, language string) (*protocol.Session, error)
		GetSession(sessionID string) (*protocol.Session, error)
		DeleteSession(sessionID string) error
		UpdateCode(sessionID, code string) error
		SetParticipants(sessionID string, count int) error
		Len() int
	}

	Switch interface {
		Connect(instance, endpoint string, wire model.Wire, greet sw.Greeter) (int, error)
		Disconnect(instance, endpoint string, tally sw.Tally) (int, error)
		DisconnectAll(instance string)
		Broadcast(ctx context.Context, ann model.Announcement, instance string) error
	}

	Service struct {
		store  SessionStore
		sw     Switch
		now    func() time.Time
		logger zerolog.Logger
	}

	Config struct {
		SessionStore SessionStore
		Switch       Switch
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.SessionStore,
		sw:     cfg.Switch,
		now:    time.Now,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) CreateSession(presenterName, language string) (*protocol.Session, error) {
	presenterName = strings.TrimSpace(presenterName)
	if presenterName == "" {
		return nil, ErrInvalid
	}
	if language == "" {
		language = DefaultLanguage
	}
	sess, err := svc.store.CreateSession(presenterName, language)
	if err != nil {
		return nil, errors.Join(ErrCreate, err)
	}
	svc.logger.Debug().
		Str("sessionID", sess.ID).
		Str("presenter", presenterName).
		Msg("session created")
	return sess, nil
}

func (svc *Service) GetSession(sessionID string) (*protocol.Session, error) {
	sess, err := svc.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return sess, nil
}

// DeleteSession removes the session and drops all of its relay connections.
func (svc *Service) DeleteSession(sessionID string) error {
	if err := svc.store.DeleteSession(sessionID); err != nil {
		return errors.Join(ErrDelete, err)
	}
	svc.sw.DisconnectAll(sessionID)
	svc.logger.Debug().Str("sessionID", sessionID).Msg("session deleted")
	return nil
}

func (svc *Service) SessionCount() int {
	return svc.store.Len()
}

// CreateRelaySession attaches an endpoint to a session. The endpoint gets
// init first, everybody else gets user_joined.
func (svc *Service) CreateRelaySession(ctx context.Context, sessionID, endpointID string, wire model.Wire) error {
	if _, err := svc.store.GetSession(sessionID); err != nil {
		return errors.Join(ErrGet, err)
	}
	count, err := svc.sw.Connect(sessionID, endpointID, wire, func(count int) (protocol.Envelope, error) {
		if err := svc.store.SetParticipants(sessionID, count); err != nil {
			return protocol.Envelope{}, err
		}
		sess, err := svc.store.GetSession(sessionID)
		if err != nil {
			return protocol.Envelope{}, err
		}
		return protocol.Envelope{
			Type:    protocol.TypeInit,
			Session: sess,
			Role:    wire.Role.String(),
		}, nil
	})
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("endpointID", endpointID).
		Str("sessionID", sessionID).
		Str("role", wire.Role.String()).
		Msg("relay session connected")

	svc.broadcast(ctx, sessionID, model.Announcement{
		SRC: endpointID,
		Envelope: protocol.Envelope{
			Type:              protocol.TypeUserJoined,
			ParticipantsCount: protocol.Ptr(count),
			Timestamp:         protocol.Timestamp(svc.now()),
		},
	})

	go svc.consume(ctx, sessionID, endpointID, wire)
	return nil
}

func (svc *Service) DeleteRelaySession(ctx context.Context, sessionID, endpointID string) error {
	count, err := svc.sw.Disconnect(sessionID, endpointID, func(count int) error {
		return svc.store.SetParticipants(sessionID, count)
	})
	if err != nil {
		// session itself is gone, nobody left to notify
		svc.logger.Debug().Err(err).Str("sessionID", sessionID).Msg("participants not updated")
		return nil
	}
	svc.logger.Debug().
		Str("endpointID", endpointID).
		Str("sessionID", sessionID).
		Msg("relay session deleted")

	err = svc.sw.Broadcast(ctx, model.Announcement{
		SRC: endpointID,
		Envelope: protocol.Envelope{
			Type:              protocol.TypeUserLeft,
			ParticipantsCount: protocol.Ptr(count),
			Timestamp:         protocol.Timestamp(svc.now()),
		},
	}, sessionID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	return nil
}

func (svc *Service) consume(ctx context.Context, sessionID, endpointID string, wire model.Wire) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-wire.RX:
			svc.handleInbound(ctx, sessionID, in)
		}
	}
}

func (svc *Service) handleInbound(ctx context.Context, sessionID string, in model.Inbound) {
	logger := svc.logger.With().
		Str("sessionID", sessionID).
		Str("src", in.SRC).
		Str("type", in.Envelope.Type).
		Logger()
	ts := protocol.Timestamp(svc.now())

	switch in.Envelope.Type {
	case protocol.TypeCodeUpdate:
		if in.Role != protocol.RolePresenter {
			logger.Debug().Msg("code update from non-presenter dropped")
			return
		}
		code := deref(in.Envelope.Code, "")
		if err := svc.store.UpdateCode(sessionID, code); err != nil {
			logger.Error().Err(err).Msg("failed to store code")
			return
		}
		svc.broadcast(ctx, sessionID, model.Announcement{
			SRC: in.SRC,
			Envelope: protocol.Envelope{
				Type:      protocol.TypeCodeUpdate,
				Code:      &code,
				Changes:   in.Envelope.Changes,
				Timestamp: ts,
			},
		})

	case protocol.TypeCursorPosition:
		svc.broadcast(ctx, sessionID, model.Announcement{
			SRC: in.SRC,
			Envelope: protocol.Envelope{
				Type:      protocol.TypeCursorPosition,
				Position:  in.Envelope.Position,
				User:      protocol.Ptr(deref(in.Envelope.User, anonymousUser)),
				Timestamp: ts,
			},
		})

	case protocol.TypeChatMessage:
		// the sender gets its own message back
		svc.broadcast(ctx, sessionID, model.Announcement{
			Envelope: protocol.Envelope{
				Type:      protocol.TypeChatMessage,
				Message:   protocol.Ptr(deref(in.Envelope.Message, "")),
				User:      protocol.Ptr(deref(in.Envelope.User, anonymousUser)),
				Timestamp: ts,
			},
		})

	default:
		logger.Debug().Msg("unknown message type ignored")
	}
}

func (svc *Service) broadcast(ctx context.Context, sessionID string, ann model.Announcement) {
	if err := svc.sw.Broadcast(ctx, ann, sessionID); err != nil {
		svc.logger.Debug().Err(err).
			Str("sessionID", sessionID).
			Str("type", ann.Envelope.Type).
			Msg("broadcast interrupted")
	}
}

// deref returns def for nil and empty strings.
func deref(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
