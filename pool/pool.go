// Package pool holds the two certificate holding areas that sit in front of
// and beside the broadcast protocol (§4.9): the Pending pool, a dedup index
// of certificates submitted but not yet delivered, and the Precedence pool,
// which parks certificates that arrived out of order until their
// predecessor is delivered. Grounded on the teacher's dedup-by-ID gossip
// pool (plugin/evm/gossip_eth_tx_pool.go, plugin/evm/gossip.go): a
// mutex-protected map keyed by content ID with Add/Has/Remove semantics.
package pool

import (
	"sync"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/wire"
)

// Pending is a dedup index of certificates currently under broadcast:
// submitted (locally or via gossip) but not yet delivered. A certificate
// leaves the pool the moment it is delivered.
type Pending struct {
	mu      sync.RWMutex
	entries map[certificate.ID]*certificate.Certificate
}

// NewPending returns an empty Pending pool.
func NewPending() *Pending {
	return &Pending{entries: make(map[certificate.ID]*certificate.Certificate)}
}

// Add inserts c if not already present. Returns errs.ErrAlreadyPending if c
// is already tracked.
func (p *Pending) Add(c *certificate.Certificate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[c.ID]; ok {
		return errs.ErrAlreadyPending
	}
	p.entries[c.ID] = c
	return nil
}

// Has reports whether id is currently pending.
func (p *Pending) Has(id certificate.ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

// Get returns the pending certificate for id, if any.
func (p *Pending) Get(id certificate.ID) (*certificate.Certificate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.entries[id]
	return c, ok
}

// Remove drops id from the pool, typically called once its broadcast task
// reaches a terminal state.
func (p *Pending) Remove(id certificate.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// Len returns the number of certificates currently pending.
func (p *Pending) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// precedenceKey identifies the slot a waiting certificate occupies: the
// source subnet and the predecessor ID it is waiting on.
type precedenceKey struct {
	source certificate.SubnetID
	prevID certificate.ID
}

// Parked is a certificate held by the Precedence pool together with the
// proof of delivery its broadcast task already produced; both are released
// together once the predecessor is delivered.
type Parked struct {
	Cert  *certificate.Certificate
	Proof *wire.ProofOfDelivery
}

// Precedence parks certificates whose predecessor has not yet been
// delivered, keyed by (source_subnet, prev_id) so that delivering the
// predecessor can look up its immediate successor in O(1) (§4.9).
type Precedence struct {
	mu      sync.Mutex
	waiting map[precedenceKey]Parked
}

// NewPrecedence returns an empty Precedence pool.
func NewPrecedence() *Precedence {
	return &Precedence{waiting: make(map[precedenceKey]Parked)}
}

// Park holds c (with its proof) until its predecessor is delivered. Returns
// errs.ErrAlreadyPending if a certificate is already parked waiting on the
// same predecessor; the one already parked is kept and c is not stored.
func (p *Precedence) Park(c *certificate.Certificate, proof *wire.ProofOfDelivery) error {
	key := precedenceKey{source: c.SourceSubnetID, prevID: c.PrevID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiting[key]; ok {
		return errs.ErrAlreadyPending
	}
	p.waiting[key] = Parked{Cert: c, Proof: proof}
	return nil
}

// TakeSuccessor removes and returns the certificate parked waiting on
// (source, deliveredID), if any. Called after delivering deliveredID to
// drain the precedence pool transitively, one hop at a time.
func (p *Precedence) TakeSuccessor(source certificate.SubnetID, deliveredID certificate.ID) (Parked, bool) {
	key := precedenceKey{source: source, prevID: deliveredID}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.waiting[key]
	if ok {
		delete(p.waiting, key)
	}
	return c, ok
}

// Len returns the number of certificates currently parked.
func (p *Precedence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
