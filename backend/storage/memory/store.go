package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adwski/livecode-session/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]*protocol.Session
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*protocol.Session),
	}
}

func (ms *MemStore) CreateSession(presenterName, language string) (*protocol.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess := &protocol.Session{
		ID:            uuid.NewString(),
		PresenterName: presenterName,
		Language:      language,
		CreatedAt:     protocol.Time{Time: time.Now().UTC()},
	}
	ms.db[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

// GetSession returns a copy of the stored session.
func (ms *MemStore) GetSession(sessionID string) (*protocol.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (ms *MemStore) DeleteSession(sessionID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(ms.db, sessionID)
	return nil
}

func (ms *MemStore) UpdateCode(sessionID, code string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Code = code
	return nil
}

func (ms *MemStore) SetParticipants(sessionID string, count int) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.db[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ParticipantsCount = count
	return nil
}

func (ms *MemStore) Len() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.db)
}
