package reconcile

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/client/codec"
	"github.com/adwski/livecode-session/client/state"
)

// Store is the part of the session state that inbound events may touch.
type Store interface {
	SetCode(code string)
	SetLanguage(language string)
	SetParticipantsCount(count int)
	AddChatMessage(msg state.ChatMessage)
}

// Apply updates the store from one decoded event.
// Code and participant count are replaced, never merged or derived;
// chat messages are appended in arrival order without deduplication.
func Apply(store Store, ev codec.Event, logger *zerolog.Logger) {
	switch e := ev.(type) {
	case codec.Init:
		store.SetCode(e.Session.Code)
		store.SetLanguage(e.Session.Language)
		store.SetParticipantsCount(e.Session.ParticipantsCount)
	case codec.CodeUpdate:
		store.SetCode(e.Code)
	case codec.Participants:
		store.SetParticipantsCount(e.Count)
	case codec.Chat:
		store.AddChatMessage(state.ChatMessage{
			ID:        ChatMessageID(e.User, e.Timestamp),
			User:      e.User,
			Message:   e.Message,
			Timestamp: e.Timestamp,
		})
		logger.Trace().Str("user", e.User).Msg("chat message received")
	default:
		logger.Debug().Str("type", ev.EventType()).Msg("unknown message type")
	}
}

// ChatMessageID builds a display key. Two deliveries of the same message get
// different IDs.
func ChatMessageID(user, timestamp string) string {
	return user + "-" + timestamp + "-" + uuid.NewString()
}
