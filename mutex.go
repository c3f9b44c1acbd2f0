// Package skinny provides a mutual-exclusion lock whose idle footprint
// is a single pointer-sized word.
//
// A Mutex behaves like a full mutex (blocking acquisition, try-lock, a
// paired condition primitive and a lock hand-off operation), but it only
// allocates heavier state when contention or condition waiting actually
// happens, and it gives that state back once the last user is gone. That
// makes it suited to software that instantiates very large numbers of
// potential lock sites of which only a few are ever contended at once.
//
// Misuse is reported through returned errors rather than panics:
// unlocking a Mutex that is not held returns ErrNotOwner instead of
// tearing the program down the way sync.Mutex does.
package skinny

import (
	"errors"
	"sync/atomic"
)

// Errors returned by Mutex and Cond operations.
var (
	// ErrNotOwner reports a release or wait on a lock that is not
	// held. The lock keeps no holder identity, so a call from a
	// goroutine other than the holder is not detected.
	ErrNotOwner = errors.New("skinny: lock not held by caller")

	// ErrBusy reports a Destroy of a lock still in use.
	ErrBusy = errors.New("skinny: lock busy")

	// ErrTimeout reports an expired WaitTimeout deadline.
	ErrTimeout = errors.New("skinny: wait timed out")

	// ErrVetoed reports a Transfer bounced by the target's holder.
	ErrVetoed = errors.New("skinny: hand-off vetoed")
)

// Mutex is a mutual-exclusion lock occupying one pointer word while
// uncontended.
//
// The word is nil when the lock is free and the address of lockedWord
// while it is held with no contention; both transitions are a single
// CAS that never allocates. The first contended acquisition, condition
// wait or hand-off inflates the lock: the word is pointed at a heap
// record carrying a conventional mutex and condition variable, and is
// swung back to nil when the last user of that record lets go.
//
// The zero value is a valid unheld Mutex; no initialization call is
// needed. A Mutex must not be copied after first use.
type Mutex struct {
	_ noCopy

	// head is the entire idle-state representation: nil (unheld),
	// &lockedWord (held, uncontended), or a pointer to a chain of
	// pegs terminating in a fat record.
	head atomic.Pointer[header]
}

// lockedWord is the head value of a held, uncontended Mutex. Only its
// address is meaningful; it is never read as a record. Using the address
// of a real variable, rather than an integer smuggled into a pointer,
// keeps every non-nil head value visible to the garbage collector.
var lockedWord header

// Init resets the Mutex to the unheld state. The zero value is already
// valid, so Init is only needed to reuse a Mutex after Destroy.
func (m *Mutex) Init() {
	m.head.Store(nil)
}

// Destroy checks the Mutex out of service. It returns ErrBusy unless the
// lock is unheld with no goroutines using it; there is nothing to free,
// so on success it is purely an assertion of quiescence. Destroying a
// never-used zero value succeeds.
func (m *Mutex) Destroy() error {
	if m.head.Load() != nil {
		return ErrBusy
	}
	return nil
}

// Lock acquires the Mutex, blocking until it is available.
func (m *Mutex) Lock() {
	if m.head.CompareAndSwap(nil, &lockedWord) {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	var spins int
	for {
		head := m.head.Load()
		if head == nil {
			// Recapitulate the fast path.
			if m.head.CompareAndSwap(nil, &lockedWord) {
				return
			}
			continue
		}
		fat, ok := m.fatGet(head)
		if !ok {
			delay(&spins)
			continue
		}
		// Pin the record for the duration of the wait; on
		// acquisition the pin becomes the holder's pseudo-pin.
		fat.refcount++
		fat.acquire()
		return
	}
}

// TryLock attempts to acquire the Mutex without blocking and reports
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	if m.head.CompareAndSwap(nil, &lockedWord) {
		return true
	}
	return m.tryLockSlow()
}

func (m *Mutex) tryLockSlow() bool {
	var spins int
	for {
		head := m.head.Load()
		if head == nil {
			if m.head.CompareAndSwap(nil, &lockedWord) {
				return true
			}
			continue
		}
		if head == &lockedWord {
			return false
		}
		// Inflated: the record must be consulted, because held may
		// well be false even though the head word is non-nil.
		fat, ok := m.pegFat(head)
		if !ok {
			delay(&spins)
			continue
		}
		fat.refcount++
		if !fat.held {
			// The pin just added becomes the holder's
			// pseudo-pin.
			fat.held = true
			fat.mu.Unlock()
			return true
		}
		m.releaseFat(fat)
		return false
	}
}

// Unlock releases the Mutex. It returns ErrNotOwner if the lock is not
// held; unlike sync.Mutex it never panics.
//
// The Mutex has no record of which goroutine holds it, so Unlock by a
// goroutine other than the holder while the lock is held cannot be
// detected and is a caller bug.
func (m *Mutex) Unlock() error {
	if m.head.CompareAndSwap(&lockedWord, nil) {
		return nil
	}
	return m.unlockSlow()
}

func (m *Mutex) unlockSlow() error {
	fat, err := m.fatGetHeld()
	if err != nil {
		return err
	}
	fat.held = false
	if fat.waiters > 0 {
		// Wake a single waiter.
		fat.heldCond.Signal()
	}
	m.releaseFat(fat)
	return nil
}
