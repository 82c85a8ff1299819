package vikja

import (
	"cmp"
	"slices"
	"sync"

	"github.com/aukilabs/hagall-common/messages/vikjapb"
)

type actionKey struct {
	entityID uint32
	name     string
}

// State holds the latest action of each name performed on the entities of a
// session. It is shared by the participants of the session.
type State struct {
	mutex   sync.RWMutex
	actions map[actionKey]*vikjapb.EntityAction
}

// Record stores ea unless a later action with the same name was already
// recorded for the entity. It reports whether ea was stored.
func (s *State) Record(ea *vikjapb.EntityAction) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := actionKey{entityID: ea.EntityId, name: ea.Name}
	if latest, ok := s.actions[key]; ok && ea.Timestamp.AsTime().Before(latest.Timestamp.AsTime()) {
		return false
	}

	if s.actions == nil {
		s.actions = make(map[actionKey]*vikjapb.EntityAction)
	}
	s.actions[key] = ea
	return true
}

func (s *State) Latest(entityID uint32, name string) (*vikjapb.EntityAction, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ea, ok := s.actions[actionKey{entityID: entityID, name: name}]
	return ea, ok
}

// Forget removes the actions of the given entity.
func (s *State) Forget(entityID uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key := range s.actions {
		if key.entityID == entityID {
			delete(s.actions, key)
		}
	}
}

// Actions returns the recorded actions sorted by entity id then name.
func (s *State) Actions() []*vikjapb.EntityAction {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	actions := make([]*vikjapb.EntityAction, 0, len(s.actions))
	for _, ea := range s.actions {
		actions = append(actions, ea)
	}
	slices.SortFunc(actions, func(a, b *vikjapb.EntityAction) int {
		return cmp.Or(
			cmp.Compare(a.EntityId, b.EntityId),
			cmp.Compare(a.Name, b.Name),
		)
	})
	return actions
}
