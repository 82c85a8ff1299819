package models

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Returned by SessionStore.Add when the global id is taken.
const ErrTypeSessionExists = "session_exists"

// SessionStore holds the sessions of the server, keyed by global session id.
// The zero value is ready to use.
type SessionStore struct {
	// Names the server in global session ids. Defaults to a server named
	// "ted".
	DiscoveryService SessionDiscoveryService

	ids  SequentialIDGenerator
	once sync.Once

	mutex sync.RWMutex
	byID  map[string]*Session
}

func (s *SessionStore) lazyInit() {
	s.once.Do(func() {
		s.byID = make(map[string]*Session)
		if s.DiscoveryService == nil {
			s.DiscoveryService = defaultSessionDiscoveryService{}
		}
	})
}

func (s *SessionStore) NewID() uint32 {
	return s.ids.New()
}

func (s *SessionStore) Add(ctx context.Context, session *Session) error {
	id := s.GlobalSessionID(session.ID)

	s.mutex.Lock()
	if _, taken := s.byID[id]; taken {
		s.mutex.Unlock()
		return errors.New("session id is taken").
			WithType(ErrTypeSessionExists).
			WithTag("session_id", id)
	}
	s.byID[id] = session
	s.mutex.Unlock()

	instrumentIncreaseSessionGauge(session.AppKey)
	instrumentCountSession(session.AppKey)
	return nil
}

// Remove closes the session. Its id is released only when the store held
// that very session.
func (s *SessionStore) Remove(ctx context.Context, session *Session) {
	id := s.GlobalSessionID(session.ID)

	s.mutex.Lock()
	held := s.byID[id] == session
	if held {
		delete(s.byID, id)
	}
	s.mutex.Unlock()

	session.Close()
	if held {
		s.ids.Reuse(session.ID)
		instrumentDecreaseSessionGauge(session.AppKey)
	}
}

func (s *SessionStore) GetByGlobalID(id string) (*Session, bool) {
	s.lazyInit()

	s.mutex.RLock()
	session, ok := s.byID[id]
	s.mutex.RUnlock()
	return session, ok
}

// List returns the sessions ordered by local id.
func (s *SessionStore) List() []*Session {
	s.lazyInit()

	s.mutex.RLock()
	list := make([]*Session, 0, len(s.byID))
	for _, session := range s.byID {
		list = append(list, session)
	}
	s.mutex.RUnlock()

	slices.SortFunc(list, func(a, b *Session) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (s *SessionStore) Len() int {
	s.lazyInit()

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.byID)
}

// GlobalSessionID returns the id clients use to join the session with the
// given local id: the server id and the local id in hex, joined by an x.
func (s *SessionStore) GlobalSessionID(sessionID uint32) string {
	s.lazyInit()
	return fmt.Sprintf("%sx%x", s.DiscoveryService.ServerID(), sessionID)
}

type SessionDiscoveryService interface {
	ServerID() string
}

type defaultSessionDiscoveryService struct{}

func (defaultSessionDiscoveryService) ServerID() string {
	return "ted"
}
