package session

import (
	"sync"

	"github.com/samber/lo"
)

// Tracker holds the busy flag of every connection: the session it is part
// of, if any. Acquire and Release are atomic over all owners of a session.
type Tracker struct {
	mu    sync.RWMutex
	owner map[string]*Session
}

func NewTracker() *Tracker {
	return &Tracker{owner: make(map[string]*Session)}
}

// Acquire marks every owner busy with s. If any owner already is busy,
// nothing changes and ErrBusy is returned.
func (t *Tracker) Acquire(s *Session, owners ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range owners {
		if _, busy := t.owner[id]; busy {
			return ErrBusy
		}
	}
	for _, id := range owners {
		t.owner[id] = s
	}
	return nil
}

// Release clears every busy flag that points at s. Releasing twice is a
// no-op.
func (t *Tracker) Release(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, cur := range t.owner {
		if cur == s {
			delete(t.owner, id)
		}
	}
}

// Of returns the session id is busy with, or nil.
func (t *Tracker) Of(id string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owner[id]
}

func (t *Tracker) Busy(id string) bool {
	return t.Of(id) != nil
}

// Active returns every distinct session currently holding a flag.
func (t *Tracker) Active() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Uniq(lo.Values(t.owner))
}
