// Package validator holds the epoch-scoped validator registry and the
// ECHO/READY/delivery thresholds derived from it (§4.8/§9). Grounded on the
// teacher's validator-set wrapper pattern (warp/validators/state.go) and its
// generic Set type (utils/set/set.go), adapted from a node-ID keyed BLS
// validator set into a ValidatorID-keyed secp256k1 one.
package validator

import (
	"sync"
	"sync/atomic"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/utils/set"
)

// Thresholds are the vote counts a certificate must reach to advance through
// the double-echo state machine, derived once per epoch from the validator
// count N (§4.8):
//
//	f = N / 3
//	E = 1 + (N + f) / 2   // ECHO threshold
//	R = 1 + f             // READY threshold to echo-on-behalf
//	D = 2*f + 1           // READY threshold to deliver
type Thresholds struct {
	Echo        int
	ReadyEcho   int
	ReadyDeliver int
}

// DefaultThresholds derives Thresholds from a validator count n using the
// formula in §4.8. Returns the degenerate all-ones thresholds for n <= 0.
func DefaultThresholds(n int) Thresholds {
	if n <= 0 {
		return Thresholds{Echo: 1, ReadyEcho: 1, ReadyDeliver: 1}
	}
	f := n / 3
	return Thresholds{
		Echo:         1 + (n+f)/2,
		ReadyEcho:    1 + f,
		ReadyDeliver: 2*f + 1,
	}
}

// Set is an immutable snapshot of the validators active in one epoch, along
// with the thresholds derived from their count.
type Set struct {
	Epoch      uint64
	members    set.Set[certificate.ValidatorID]
	Thresholds Thresholds
}

// NewSet builds a Set for the given epoch and member list, computing default
// thresholds from the member count.
func NewSet(epoch uint64, members []certificate.ValidatorID) *Set {
	s := set.New[certificate.ValidatorID]()
	for _, m := range members {
		s.Add(m)
	}
	return &Set{
		Epoch:      epoch,
		members:    s,
		Thresholds: DefaultThresholds(len(members)),
	}
}

// NewSetWithThresholds builds a Set like NewSet but pins thresholds instead
// of deriving them from the member count, for operators overriding §6.4's
// defaults.
func NewSetWithThresholds(epoch uint64, members []certificate.ValidatorID, thresholds Thresholds) *Set {
	s := set.New[certificate.ValidatorID]()
	for _, m := range members {
		s.Add(m)
	}
	return &Set{
		Epoch:      epoch,
		members:    s,
		Thresholds: thresholds,
	}
}

// Contains reports whether id is a member of this epoch's validator set.
func (s *Set) Contains(id certificate.ValidatorID) bool {
	return s.members.Contains(id)
}

// Size returns the number of validators in the set.
func (s *Set) Size() int {
	return s.members.Size()
}

// Members returns the validator IDs in this set, in unspecified order.
func (s *Set) Members() []certificate.ValidatorID {
	return s.members.List()
}

// Registry holds the current epoch's validator Set behind an atomic pointer,
// so that in-flight broadcast tasks can take a consistent snapshot at
// creation time without holding a lock across the task's lifetime (§9 Open
// Question 3: epoch rollover never mutates a task already in flight).
type Registry struct {
	current atomic.Pointer[Set]
}

// NewRegistry builds a Registry seeded with the given initial Set.
func NewRegistry(initial *Set) *Registry {
	r := &Registry{}
	r.current.Store(initial)
	return r
}

// Snapshot returns the validator Set currently in effect. Callers that start
// a long-lived operation (a broadcast task) must call this once and hold the
// result for the operation's lifetime rather than calling it repeatedly.
func (r *Registry) Snapshot() *Set {
	return r.current.Load()
}

// Rotate atomically installs next as the current epoch's validator Set.
// Existing snapshots held by in-flight tasks are unaffected.
func (r *Registry) Rotate(next *Set) {
	r.current.Store(next)
}

// History extends a Registry with a record of every epoch's Set, so that a
// proof of delivery issued under a now-superseded epoch can still be checked
// against the validator set that was actually active when it was produced
// (§4.5 step 5: "obtained from the ValidatorSetProvider").
type History struct {
	registry *Registry

	mu      sync.Mutex
	byEpoch map[uint64]*Set
}

// NewHistory builds a History seeded with initial as both the active set and
// the epoch-0 (or whatever epoch initial carries) historical record.
func NewHistory(initial *Set) *History {
	h := &History{
		registry: NewRegistry(initial),
		byEpoch:  make(map[uint64]*Set),
	}
	h.byEpoch[initial.Epoch] = initial
	return h
}

// ActiveSet returns the currently active validator Set.
func (h *History) ActiveSet() *Set {
	return h.registry.Snapshot()
}

// Snapshot is an alias for ActiveSet, satisfying capability interfaces
// (api.ValidatorSetProvider) written against the plain Registry's naming.
func (h *History) Snapshot() *Set {
	return h.registry.Snapshot()
}

// Rotate installs next as the active Set and records it in history, keyed by
// its epoch.
func (h *History) Rotate(next *Set) {
	h.mu.Lock()
	h.byEpoch[next.Epoch] = next
	h.mu.Unlock()
	h.registry.Rotate(next)
}

// SetAtEpoch returns the validator Set that was active during epoch, if
// still retained.
func (h *History) SetAtEpoch(epoch uint64) (*Set, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byEpoch[epoch]
	return s, ok
}
