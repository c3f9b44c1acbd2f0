package skinny

import (
	"time"
	_ "unsafe" // for linkname
)

// noCopy makes `go vet`'s copylocks checker flag any value of the
// enclosing type that is copied after first use. It has to stay a named
// field rather than an embedded one, or the dummy Lock/Unlock methods
// would leak into the outer type's method set
// (golang.org/issues/8005#issuecomment-190753527).
type noCopy struct{}

// Lock and Unlock exist only so vet recognizes the type; both are no-ops.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// trySpin burns a bounded number of PAUSE-style iterations while the
// runtime still considers spinning worthwhile for this goroutine.
func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

// delay is the backoff for lost CAS races in the inflation loops: spin
// while the runtime allows it, then sleep a short stretch. The sleep is
// sub-millisecond; anything shorter degrades into spinning once many
// goroutines are racing the same head word.
func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	time.Sleep(500 * time.Microsecond)
}

// The spin primitives live in the runtime; sync's private hooks are the
// stable way to reach them.
//
// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
