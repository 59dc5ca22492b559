package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/livecode-session/protocol"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrMissingType    = errors.New("frame has no type")
	ErrInvalidPayload = errors.New("invalid frame payload")
	ErrUnknownIntent  = errors.New("unknown intent")
)

type (
	// Event is a decoded inbound frame.
	Event interface {
		EventType() string
	}

	Init struct {
		Session protocol.Session
	}

	CodeUpdate struct {
		Code string
	}

	// Participants is either user_joined or user_left.
	Participants struct {
		Type  string
		Count int
	}

	Chat struct {
		User      string
		Message   string
		Timestamp string
	}

	// Unknown carries a frame type this client does not handle.
	Unknown struct {
		Type string
	}
)

func (Init) EventType() string           { return protocol.TypeInit }
func (CodeUpdate) EventType() string     { return protocol.TypeCodeUpdate }
func (p Participants) EventType() string { return p.Type }
func (Chat) EventType() string           { return protocol.TypeChatMessage }
func (u Unknown) EventType() string      { return u.Type }

// Encode produces the wire envelope for an outbound intent.
func Encode(intent protocol.Intent) ([]byte, error) {
	var env any
	switch v := intent.(type) {
	case protocol.CodeUpdateIntent:
		env = struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}{protocol.TypeCodeUpdate, v.Code}
	case protocol.ChatMessageIntent:
		env = struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			User    string `json:"user"`
		}{protocol.TypeChatMessage, v.Message, v.User}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownIntent, intent)
	}
	return json.Marshal(env)
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (Event, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	switch env.Type {
	case "":
		return nil, ErrMissingType
	case protocol.TypeInit:
		if env.Session == nil {
			return nil, fmt.Errorf("%w: init without session", ErrInvalidPayload)
		}
		return Init{Session: *env.Session}, nil
	case protocol.TypeCodeUpdate:
		if env.Code == nil {
			return nil, fmt.Errorf("%w: code_update without code", ErrInvalidPayload)
		}
		return CodeUpdate{Code: *env.Code}, nil
	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		if env.ParticipantsCount == nil {
			return nil, fmt.Errorf("%w: %s without participants_count", ErrInvalidPayload, env.Type)
		}
		return Participants{Type: env.Type, Count: *env.ParticipantsCount}, nil
	case protocol.TypeChatMessage:
		if env.User == nil || env.Message == nil {
			return nil, fmt.Errorf("%w: chat_message without user or message", ErrInvalidPayload)
		}
		return Chat{User: *env.User, Message: *env.Message, Timestamp: env.Timestamp}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}
