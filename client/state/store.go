// Package state is the client-side session state container.
//
// A Store is mutated only through its actions. Every action replaces or
// appends exactly one field, except Reset. Subscribers are called after each
// action, in action order, with a copy of the new state.
package state

import (
	"sync"

	"github.com/adwski/livecode-session/protocol"
)

const DefaultLanguage = "javascript"

// Connection is the non-owning handle to the live relay connection.
type Connection interface {
	Send(intent protocol.Intent) bool
}

type ChatMessage struct {
	ID        string
	User      string
	Message   string
	Timestamp string
}

type Snapshot struct {
	SessionID         string
	Role              protocol.Role
	Code              string
	Language          string
	ParticipantsCount int
	ChatMessages      []ChatMessage
	IsConnected       bool
	Conn              Connection
}

func initial() Snapshot {
	return Snapshot{
		Role:         protocol.RoleSpectator,
		Language:     DefaultLanguage,
		ChatMessages: []ChatMessage{},
	}
}

type Store struct {
	mx   *sync.RWMutex
	s    Snapshot
	subs map[uint64]func(Snapshot)
	next uint64

	// notifyMx keeps notifications in action order.
	notifyMx *sync.Mutex
}

func New() *Store {
	return &Store{
		mx:       &sync.RWMutex{},
		notifyMx: &sync.Mutex{},
		s:        initial(),
		subs:     make(map[uint64]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state.
func (st *Store) Snapshot() Snapshot {
	st.mx.RLock()
	defer st.mx.RUnlock()
	return st.s.clone()
}

// Subscribe registers fn for every subsequent action.
// fn must not call store actions.
func (st *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	st.mx.Lock()
	id := st.next
	st.next++
	st.subs[id] = fn
	st.mx.Unlock()

	return func() {
		st.mx.Lock()
		delete(st.subs, id)
		st.mx.Unlock()
	}
}

func (st *Store) SetSessionID(id string) {
	st.update(func(s *Snapshot) { s.SessionID = id })
}

func (st *Store) SetRole(role protocol.Role) {
	st.update(func(s *Snapshot) { s.Role = role })
}

func (st *Store) SetCode(code string) {
	st.update(func(s *Snapshot) { s.Code = code })
}

func (st *Store) SetLanguage(language string) {
	st.update(func(s *Snapshot) { s.Language = language })
}

func (st *Store) SetParticipantsCount(count int) {
	st.update(func(s *Snapshot) { s.ParticipantsCount = count })
}

func (st *Store) AddChatMessage(msg ChatMessage) {
	st.update(func(s *Snapshot) { s.ChatMessages = append(s.ChatMessages, msg) })
}

func (st *Store) SetConnected(connected bool) {
	st.update(func(s *Snapshot) { s.IsConnected = connected })
}

func (st *Store) SetConnection(conn Connection) {
	st.update(func(s *Snapshot) { s.Conn = conn })
}

// Reset restores every field to its initial value.
func (st *Store) Reset() {
	st.update(func(s *Snapshot) { *s = initial() })
}

func (st *Store) update(mutate func(*Snapshot)) {
	st.notifyMx.Lock()
	defer st.notifyMx.Unlock()

	st.mx.Lock()
	mutate(&st.s)
	snap := st.s.clone()
	subs := make([]func(Snapshot), 0, len(st.subs))
	for _, fn := range st.subs {
		subs = append(subs, fn)
	}
	st.mx.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.ChatMessages = make([]ChatMessage, len(s.ChatMessages))
	copy(c.ChatMessages, s.ChatMessages)
	return c
}
