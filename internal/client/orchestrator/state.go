package orchestrator

import (
	"sync"
	"time"
)

// SyncStatus is the coarse activity shown in UI badges.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusDraining SyncStatus = "draining"
	StatusOffline  SyncStatus = "offline"
	StatusError    SyncStatus = "error"
)

// StateSnapshot is an immutable copy of the sync state.
type StateSnapshot struct {
	IsOnline          bool       `json:"isOnline"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	PendingActions    int        `json:"pendingActions"`
	Failed            int        `json:"failed"`
	Conflicts         int        `json:"conflicts"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	DeviceID          string     `json:"deviceId,omitempty"`
	Engine            string     `json:"engine,omitempty"`
}

// state is written only by the orchestrator. Readers get copies, either
// from snapshot or from a subscription channel.
type state struct {
	mu   sync.Mutex
	cur  StateSnapshot
	subs map[int]chan StateSnapshot
	next int
}

func newState() *state {
	return &state{cur: StateSnapshot{SyncStatus: StatusOffline}, subs: map[int]chan StateSnapshot{}}
}

func (s *state) snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *state) copyLocked() StateSnapshot {
	c := s.cur
	if c.LastSyncTimestamp != nil {
		t := *c.LastSyncTimestamp
		c.LastSyncTimestamp = &t
	}
	return c
}

// update applies fn and publishes the result when it changed anything.
func (s *state) update(fn func(*StateSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.copyLocked()
	fn(&s.cur)
	after := s.copyLocked()
	if equal(before, after) {
		return
	}
	for _, ch := range s.subs {
		// Latest wins: a slow subscriber only misses intermediate states.
		select {
		case <-ch:
		default:
		}
		ch <- after
	}
}

func (s *state) subscribe() (<-chan StateSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan StateSnapshot, 1)
	ch <- s.copyLocked()
	id := s.next
	s.next++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func equal(a, b StateSnapshot) bool {
	ta, tb := a.LastSyncTimestamp, b.LastSyncTimestamp
	a.LastSyncTimestamp, b.LastSyncTimestamp = nil, nil
	if a != b {
		return false
	}
	if ta == nil || tb == nil {
		return ta == tb
	}
	return ta.Equal(*tb)
}
