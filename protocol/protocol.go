// Package protocol holds the wire types shared by the relay and its clients.
package protocol

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RolePresenter Role = "presenter"
	RoleSpectator Role = "spectator"
)

// ParseRole maps anything that is not "presenter" to spectator.
func ParseRole(s string) Role {
	if Role(s) == RolePresenter {
		return RolePresenter
	}
	return RoleSpectator
}

func (r Role) String() string {
	return string(r)
}

// Envelope types.
const (
	TypeInit           = "init"
	TypeCodeUpdate     = "code_update"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeChatMessage    = "chat_message"
	TypeCursorPosition = "cursor_position"
)

type Session struct {
	ID                string `json:"id"`
	PresenterName     string `json:"presenter_name"`
	Language          string `json:"language"`
	Code              string `json:"code"`
	CreatedAt         Time   `json:"created_at"`
	ParticipantsCount int    `json:"participants_count"`
}

// Time is a session timestamp. Decoding accepts RFC 3339 and zone-less
// ISO 8601 (read as UTC); null or anything unparseable leaves it zero.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}
	var s string
	if json.Unmarshal(b, &s) != nil {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return nil
}

type CreateSessionRequest struct {
	PresenterName string `json:"presenter_name"`
	Language      string `json:"language"`
}

// Intent is an outbound client message.
type Intent interface {
	intentType() string
}

type CodeUpdateIntent struct {
	Code string
}

type ChatMessageIntent struct {
	Message string
	User    string
}

func (CodeUpdateIntent) intentType() string  { return TypeCodeUpdate }
func (ChatMessageIntent) intentType() string { return TypeChatMessage }

// IntentType returns the envelope type an intent is sent as.
func IntentType(i Intent) string {
	return i.intentType()
}

// Envelope is the superset of every field carried by client and relay frames.
// Pointer fields distinguish "absent" from zero values.
type Envelope struct {
	Type              string   `json:"type"`
	Session           *Session `json:"session,omitempty"`
	Role              string   `json:"role,omitempty"`
	Code              *string  `json:"code,omitempty"`
	Changes           any      `json:"changes,omitempty"`
	ParticipantsCount *int     `json:"participants_count,omitempty"`
	User              *string  `json:"user,omitempty"`
	Message           *string  `json:"message,omitempty"`
	Position          any      `json:"position,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
}

// Timestamp formats t the way relay frames carry it.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func Ptr[T any](v T) *T {
	return &v
}
