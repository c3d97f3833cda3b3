package history

import (
	"sort"
	"sync"
)

// Locks serializes read-modify-write cycles per image id.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for id and returns its release function.
func (l *Locks) Lock(id string) func() {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// LockAll acquires the locks for ids in sorted order, so two callers with
// overlapping id sets cannot deadlock.
func (l *Locks) LockAll(ids []string) func() {
	sorted := dedupe(ids)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		releases = append(releases, l.Lock(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
