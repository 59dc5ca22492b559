// Package view binds one (session, role) pair to a relay connection and a
// state store for as long as the session is on screen.
//
// All mutations caused by the view happen on its single loop goroutine:
// connection events and local intents are handled one at a time, in the
// order each source produced them.
package view

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/client/codec"
	"github.com/adwski/livecode-session/client/conn"
	"github.com/adwski/livecode-session/client/reconcile"
	"github.com/adwski/livecode-session/client/state"
	"github.com/adwski/livecode-session/protocol"
)

const (
	spectatorChatName = "Spectator"

	defaultInboxSize = 64
)

var (
	ErrLoadSession  = errors.New("error loading session")
	ErrReadOnly     = errors.New("code is read-only for spectators")
	ErrEmptyMessage = errors.New("empty chat message")
	ErrLeft         = errors.New("session view is closed")
)

type (
	SessionFetcher interface {
		GetSession(ctx context.Context, sessionID string) (*protocol.Session, error)
	}

	Connection interface {
		Connect(sessionID string, role protocol.Role)
		Send(intent protocol.Intent) bool
		Close()
		Events() <-chan conn.Event
	}

	Config struct {
		Logger *zerolog.Logger
		Store  *state.Store
		Conn   Connection

		// Optional. Without it the view relies on init alone.
		Sessions SessionFetcher
	}

	View struct {
		logger        zerolog.Logger
		store         *state.Store
		conn          Connection
		sessionID     string
		role          protocol.Role
		presenterName string

		inbox  chan intent
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
		once   *sync.Once
	}

	intent interface{ isIntent() }

	editCode struct {
		code string
	}

	sendChat struct {
		message string
	}
)

func (editCode) isIntent() {}
func (sendChat) isIntent() {}

// Enter loads the session, records identity and role in the store and
// starts the connection. A failed load leaves the store untouched and
// does not connect.
func Enter(ctx context.Context, cfg Config, sessionID string, role protocol.Role) (*View, error) {
	v := &View{
		logger: cfg.Logger.With().
			Str("component", "session-view").
			Str("sessionID", sessionID).
			Str("role", role.String()).
			Logger(),
		store:     cfg.Store,
		conn:      cfg.Conn,
		sessionID: sessionID,
		role:      role,
		inbox:     make(chan intent, defaultInboxSize),
		done:      make(chan struct{}),
		once:      &sync.Once{},
	}

	var sess *protocol.Session
	if cfg.Sessions != nil {
		var err error
		if sess, err = cfg.Sessions.GetSession(ctx, sessionID); err != nil {
			v.logger.Error().Err(err).Msg("failed to load session")
			return nil, errors.Join(ErrLoadSession, err)
		}
		v.presenterName = sess.PresenterName
	}

	v.store.SetSessionID(sessionID)
	v.store.SetRole(role)
	if sess != nil {
		v.store.SetCode(sess.Code)
		v.store.SetLanguage(sess.Language)
	}

	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.conn.Connect(sessionID, role)
	go v.loop()

	v.logger.Debug().Msg("session view entered")
	return v, nil
}

func (v *View) SessionID() string {
	return v.sessionID
}

func (v *View) Role() protocol.Role {
	return v.role
}

// ReadOnly reports whether the editor must refuse local edits.
func (v *View) ReadOnly() bool {
	return v.role != protocol.RolePresenter
}

// EditCode publishes a local edit and applies it to the store.
func (v *View) EditCode(code string) error {
	if v.ReadOnly() {
		return ErrReadOnly
	}
	return v.submit(editCode{code: code})
}

// SendChat publishes a chat message. The message shows up locally only when
// the relay echoes it back.
func (v *View) SendChat(message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	return v.submit(sendChat{message: message})
}

// Leave closes the connection, stops the loop and resets the store.
func (v *View) Leave() {
	v.once.Do(func() {
		v.conn.Close()
		v.cancel()
		<-v.done
		v.store.Reset()
		v.logger.Debug().Msg("session view left")
	})
}

func (v *View) submit(in intent) error {
	select {
	case <-v.ctx.Done():
		return ErrLeft
	default:
	}
	select {
	case v.inbox <- in:
		return nil
	case <-v.ctx.Done():
		return ErrLeft
	}
}

func (v *View) loop() {
	defer close(v.done)
	events := v.conn.Events()
	for {
		select {
		case <-v.ctx.Done():
			return
		case ev := <-events:
			v.handleEvent(ev)
		case in := <-v.inbox:
			v.handleIntent(in)
		}
	}
}

func (v *View) handleEvent(ev conn.Event) {
	switch ev.Kind {
	case conn.EventOpen:
		v.store.SetConnected(true)
		v.store.SetConnection(v.conn)
	case conn.EventFrame:
		msg, err := codec.Decode(ev.Data)
		if err != nil {
			v.logger.Error().Err(err).Msg("error parsing relay message")
			return
		}
		reconcile.Apply(v.store, msg, &v.logger)
	case conn.EventError:
		v.logger.Debug().Err(ev.Err).Msg("transport error")
	case conn.EventClosed:
		v.store.SetConnected(false)
		v.store.SetConnection(nil)
	}
}

func (v *View) handleIntent(in intent) {
	switch m := in.(type) {
	case editCode:
		v.conn.Send(protocol.CodeUpdateIntent{Code: m.code})
		v.store.SetCode(m.code)
	case sendChat:
		v.conn.Send(protocol.ChatMessageIntent{Message: m.message, User: v.chatName()})
	}
}

func (v *View) chatName() string {
	if v.role == protocol.RolePresenter {
		return v.presenterName
	}
	return spectatorChatName
}

// ShareLink returns the spectator link for a session.
func ShareLink(appURL, sessionID string) (string, error) {
	u, err := url.Parse(appURL)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("session", url.PathEscape(sessionID))
	u.RawQuery = url.Values{"role": {protocol.RoleSpectator.String()}}.Encode()
	return u.String(), nil
}
