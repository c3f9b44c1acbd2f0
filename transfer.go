package skinny

// Transfer trades the lock the caller holds for another one: it acquires
// to, then releases m. If to is held, Transfer blocks alongside ordinary
// acquirers until it is released, unless the holder of to calls
// VetoTransfer, in which case Transfer returns ErrVetoed with m still
// held and no trace left on to.
//
// Returns ErrNotOwner, without touching to, if m is not held.
func (m *Mutex) Transfer(to *Mutex) error {
	if err := m.verifyHeld(); err != nil {
		return err
	}
	if to.head.CompareAndSwap(nil, &lockedWord) {
		return m.finishTransfer(to)
	}
	return m.transferSlow(to)
}

// verifyHeld returns ErrNotOwner unless m is currently held. A bare
// nil or sentinel head word decides immediately; an inflated lock is
// decided through its record, so a lock left inflated but unheld (say
// by a parked condition waiter on some other goroutine) is correctly
// refused rather than treated as held. Like Unlock, it cannot tell
// which goroutine the holder is.
func (m *Mutex) verifyHeld() error {
	if m.head.Load() == &lockedWord {
		return nil
	}
	fat, err := m.fatGetHeld()
	if err != nil {
		return err
	}
	fat.mu.Unlock()
	return nil
}

// finishTransfer releases the source lock after to has been acquired. If
// the release fails, meaning the caller never really held m, the
// acquisition is undone, so a failed hand-off leaves to untouched.
func (m *Mutex) finishTransfer(to *Mutex) error {
	if err := m.Unlock(); err != nil {
		_ = to.Unlock()
		return err
	}
	return nil
}

func (m *Mutex) transferSlow(to *Mutex) error {
	var spins int
	for {
		head := to.head.Load()
		if head == nil {
			if to.head.CompareAndSwap(nil, &lockedWord) {
				return m.finishTransfer(to)
			}
			continue
		}
		fat, ok := to.fatGet(head)
		if !ok {
			delay(&spins)
			continue
		}
		fat.refcount++
		if fat.held {
			// Park like any acquirer, but visibly to
			// VetoTransfer.
			gen := fat.vetoes
			fat.waiters++
			fat.handoffs++
			for fat.held && fat.vetoes == gen {
				fat.heldCond.Wait()
			}
			fat.waiters--
			fat.handoffs--
			if fat.held {
				// Bounced while the lock was still the
				// holder's. Give the pin back and report
				// with the source lock untouched.
				to.releaseFat(fat)
				return ErrVetoed
			}
			// A veto that raced a release loses: the
			// rendezvous happened, take the lock.
		}
		fat.held = true
		fat.mu.Unlock()
		return m.finishTransfer(to)
	}
}

// VetoTransfer bounces every Transfer currently waiting to take the lock
// the caller holds; each returns ErrVetoed to its own caller. Ordinary
// Lock waiters are unaffected. Returns ErrNotOwner if m is not held.
func (m *Mutex) VetoTransfer() error {
	head := m.head.Load()
	if head == nil {
		return ErrNotOwner
	}
	if head == &lockedWord {
		// Held and uncontended: nothing can be waiting to take
		// the lock, so there is nothing to bounce.
		return nil
	}
	fat, err := m.fatGetHeld()
	if err != nil {
		return err
	}
	if fat.handoffs > 0 {
		fat.vetoes++
		// Wake everyone; ordinary waiters observe held and park
		// again.
		fat.heldCond.Broadcast()
	}
	fat.mu.Unlock()
	return nil
}
