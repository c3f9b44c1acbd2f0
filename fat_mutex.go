package skinny

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dpw/skinny-mutex/internal/opt"
)

// header is the common first field of every heap record the head word of
// a Mutex can reach. The tag lets a chain be walked without knowing, at
// each step, which kind of record the next pointer reaches.
type header struct {
	peg bool
}

// peg marks one goroutine's intent to dereference the head word while the
// record behind it might otherwise be reclaimed. It plays the role of a
// hazard pointer, but is self-contained: the slot is heap-allocated and
// linked into the chain instead of registered in a thread table.
type peg struct {
	header

	// refcount never exceeds 2: one reference from the installing
	// goroutine and one from the head word the peg is swapped into.
	// The decrement is multi-writer, everything else single-writer.
	refcount atomic.Int32

	// next is the previous head value: another peg, or the fat
	// record at the end of the chain.
	next *header
}

// fatCore holds the contended-state fields of a Mutex. It exists as a
// named struct so the padding arithmetic below can take its size.
type fatCore struct {
	header

	// held records whether the lock is logically held. It only
	// transitions under mu.
	held bool

	// waiters is the number of goroutines parked on heldCond waiting
	// to acquire.
	waiters int

	// handoffs is how many of those waiters are Transfer calls, so
	// VetoTransfer knows whether a broadcast is worth anything.
	handoffs int

	// vetoes is bumped by VetoTransfer; a parked hand-off compares it
	// against the value captured before sleeping.
	vetoes uint64

	// refcount is the number of reasons the record must stay
	// reachable: parked acquire-waiters, parked condition waiters,
	// the pseudo-pin from the goroutine holding the lock, and
	// secondary peg chains. The primary chain is deliberately not
	// counted; "refcount zero and the head word points straight
	// here" is the demotion condition.
	refcount int

	// mu guards every field above. refcount's final decrement and
	// the demotion CAS happen together under it.
	mu sync.Mutex

	// heldCond is signalled when the lock is released with waiters
	// present, and broadcast on a veto.
	heldCond sync.Cond
}

// fatMutex is the heavy record a Mutex inflates to on first contention or
// condition wait. Padded out to the cache line so neighbouring records on
// the heap do not false-share.
type fatMutex struct {
	fatCore
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(fatCore{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// promote allocates a fat record and installs it. head is the value
// previously loaded from the head word, nil or &lockedWord. On success
// the record is returned with its inner mutex held. Initialization
// happens entirely before publication and the promoter keeps the inner
// mutex across the CAS, so no goroutine can observe a half-built record.
// ok is false if the head word changed underneath; the caller restarts.
func (m *Mutex) promote(head *header) (*fatMutex, bool) {
	fat := &fatMutex{}
	fat.held = head == &lockedWord
	if fat.held {
		// The pseudo-pin from the goroutine currently holding the
		// lock.
		fat.refcount = 1
	}
	fat.heldCond.L = &fat.mu
	fat.mu.Lock()

	if m.head.CompareAndSwap(head, &fat.header) {
		return fat, true
	}
	fat.mu.Unlock()
	return nil, false
}

// pegFat safely dereferences a head value that is a record pointer,
// returning the fat record at the end of the chain with its inner mutex
// held. p is the pointer previously loaded from the head word. ok is
// false if the head word no longer holds a record pointer; the caller
// restarts.
func (m *Mutex) pegFat(p *header) (*fatMutex, bool) {
	// Install our peg. The initial refcount is two: one for this
	// goroutine, one for the head word it is about to be CAS'd into.
	pg := &peg{header: header{peg: true}, next: p}
	pg.refcount.Store(2)

	for !m.head.CompareAndSwap(p, &pg.header) {
		// The head word changed from what we saw earlier.
		p = m.head.Load()
		if p == nil || p == &lockedWord {
			// No record left to peg; backtrack.
			return nil, false
		}
		// A new chain head. Re-link and try again.
		pg.next = p
	}

	// With our peg installed the rest of the chain cannot disappear
	// under us, so walk it to the fat record and lock that.
	for p.peg {
		p = (*peg)(unsafe.Pointer(p)).next
	}
	fat := (*fatMutex)(unsafe.Pointer(p))
	fat.mu.Lock()

	// The record cannot go away while we hold its inner mutex, so our
	// peg can come out again. Point the head word straight at the fat
	// record, collapsing the primary chain. Our peg may not have been
	// alone on it, so the collapse can strand a secondary chain; the
	// refcounts below sort out which case occurred.
	q := m.head.Swap(&fat.header)

	// The exchange notionally created a fresh reference (head word to
	// fat record). It may turn out illusory, in which case it is
	// taken back in the walk below.
	fat.refcount++

	// First walk the old chain up to, but not including, our own peg,
	// retiring the head word's reference from each record passed.
	var decr int32
	for {
		decr = 2
		if q == &pg.header {
			// Our own peg: the chain reference and this
			// goroutine's own retire together, below.
			break
		}
		decr = 1
		if q == &fat.header {
			// The chain ended at the record without stranding
			// anything, so the reference from the exchange was
			// illusory after all.
			fat.refcount--
			break
		}
		cp := (*peg)(unsafe.Pointer(q))
		if cp.refcount.Add(-1) != 0 {
			// Still pinned by its installer: it stays behind
			// as the root of a secondary chain.
			break
		}
		q = cp.next
	}

	// Now retire our own peg, with the decrement chosen above, and
	// whatever tail hangs off it.
	for {
		if pg.refcount.Add(-decr) != 0 {
			// The peg survives on a secondary chain.
			break
		}
		next := pg.next
		if next == &fat.header {
			fat.refcount--
			break
		}
		pg = (*peg)(unsafe.Pointer(next))
		decr = 1
	}

	return fat, true
}

// fatGet returns the locked fat record for the Mutex, inflating it if
// there is none yet. head is the value previously loaded from the head
// word. ok is false when a racing update means the caller must reload
// and retry.
func (m *Mutex) fatGet(head *header) (*fatMutex, bool) {
	if head == nil || head == &lockedWord {
		return m.promote(head)
	}
	return m.pegFat(head)
}

// fatGetHeld obtains the locked fat record on behalf of a caller that
// claims to hold the lock, inflating if necessary. Returns ErrNotOwner
// when the lock turns out not to be held at all.
func (m *Mutex) fatGetHeld() (*fatMutex, error) {
	var spins int
	for {
		head := m.head.Load()
		if head == nil {
			return nil, ErrNotOwner
		}
		fat, ok := m.fatGet(head)
		if !ok {
			delay(&spins)
			continue
		}
		if !fat.held {
			// Inflated but unheld, so the caller is not the
			// owner. The caller brought no pin, so a bare
			// unlock: a releaseFat here would steal a pin from
			// a parked waiter.
			fat.mu.Unlock()
			return nil, ErrNotOwner
		}
		return fat, nil
	}
}

// acquire completes a lock acquisition through a fat record whose
// refcount already carries the calling goroutine's pin, parking while
// some other goroutine holds the lock. Called and returns with the inner
// mutex held by the caller; releases it before returning.
func (fat *fatMutex) acquire() {
	if fat.held {
		fat.waiters++
		for fat.held {
			fat.heldCond.Wait()
		}
		fat.waiters--
	}
	fat.held = true
	fat.mu.Unlock()
}

// releaseFat drops one pin from a locked fat record and unlocks it,
// demoting the Mutex back to a bare word when nothing needs the record
// any more. The CAS is strict: a failure means a peg was installed after
// the refcount was seen to reach zero, so the record must stay.
func (m *Mutex) releaseFat(fat *fatMutex) {
	fat.refcount--
	if fat.refcount == 0 {
		// No waiters, no parked condition waiters, no secondary
		// chains. If the head word still points straight at the
		// record, detach it; the collector reclaims it once the
		// last in-flight reference drops.
		m.head.CompareAndSwap(&fat.header, nil)
	}
	fat.mu.Unlock()
}
