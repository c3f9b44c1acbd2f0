package skinny

import (
	"github.com/llxisdsh/pb"
)

// LockGroup provides mutual exclusion on arbitrary keys.
//
// Each key gets its own Mutex, created on first use and dropped when the
// last interested goroutine unlocks, so the group's footprint tracks the
// set of keys actually in flight rather than the set of keys ever seen.
// Because an idle Mutex is a single word, entries are cheap even while
// they exist.
//
// Usage:
//
//	var group LockGroup[string]
//
//	group.Lock("user:42")
//	mutate(user)
//	group.Unlock("user:42")
//
// The zero value is ready to use. A LockGroup must not be copied after
// first use.
type LockGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *lockGroupEntry]
}

type lockGroupEntry struct {
	mu Mutex
	// ref counts goroutines between enter and leave for this key;
	// mutated only inside ProcessEntry, which is atomic per key.
	ref int32
}

// Lock acquires the lock for key k, blocking until it is available.
func (g *LockGroup[K]) Lock(k K) {
	g.enter(k).mu.Lock()
}

// TryLock attempts to acquire the lock for key k without blocking and
// reports whether it succeeded.
func (g *LockGroup[K]) TryLock(k K) bool {
	if g.enter(k).mu.TryLock() {
		return true
	}
	g.leave(k)
	return false
}

// Unlock releases the lock for key k. It returns ErrNotOwner if the key
// is not locked.
func (g *LockGroup[K]) Unlock(k K) error {
	var e *lockGroupEntry
	g.m.ProcessEntry(k,
		func(l *pb.EntryOf[K, *lockGroupEntry]) (*pb.EntryOf[K, *lockGroupEntry], *lockGroupEntry, bool) {
			if l != nil {
				e = l.Value
			}
			return l, e, l != nil
		})
	if e == nil {
		return ErrNotOwner
	}
	if err := e.mu.Unlock(); err != nil {
		return err
	}
	g.leave(k)
	return nil
}

// Len reports the number of keys with live entries: keys currently
// locked or being contended.
func (g *LockGroup[K]) Len() int {
	n := 0
	g.m.Range(func(K, *lockGroupEntry) bool {
		n++
		return true
	})
	return n
}

// enter pins the entry for k, creating it if needed.
func (g *LockGroup[K]) enter(k K) *lockGroupEntry {
	var e *lockGroupEntry
	g.m.ProcessEntry(k,
		func(l *pb.EntryOf[K, *lockGroupEntry]) (*pb.EntryOf[K, *lockGroupEntry], *lockGroupEntry, bool) {
			if l != nil {
				e = l.Value
				e.ref++
				return l, e, true
			}
			e = &lockGroupEntry{ref: 1}
			return &pb.EntryOf[K, *lockGroupEntry]{Value: e}, e, false
		})
	return e
}

// leave unpins the entry for k, deleting it when the last user is gone.
func (g *LockGroup[K]) leave(k K) {
	g.m.ProcessEntry(k,
		func(l *pb.EntryOf[K, *lockGroupEntry]) (*pb.EntryOf[K, *lockGroupEntry], *lockGroupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				// Last user gone; the Mutex inside is idle
				// again, so the entry can go.
				return nil, nil, true
			}
			return l, l.Value, true
		})
}
