// Package store is the Per-Source Stream Store (§4.4/C6): it assigns
// deterministic, gap-free positions to delivered certificates, one
// monotonic sequence per source subnet, and maintains the derived
// target-side index plus the per-certificate proof of delivery. Grounded on
// the teacher's head-tracking database wrapper pattern (warp/backend.go,
// which pairs an on-disk db with an in-memory cache and an atomic head), and
// on the pool package's precedence-pool-keyed-by-(source,prev_id) design for
// the out-of-order delivery path (§4.9).
package store

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/luxfi/database"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/wire"
)

// Entry is one delivered certificate's position within its source subnet's
// stream.
type Entry struct {
	Position uint64
	CertID   certificate.ID
}

// sourceStream holds the serialized state for one source subnet: its
// gap-free position sequence and the certificates occupying it.
type sourceStream struct {
	mu       sync.RWMutex
	head     int64 // -1 means no certificate delivered yet
	byPos    []certificate.ID
	posOf    map[certificate.ID]uint64
}

func newSourceStream() *sourceStream {
	return &sourceStream{head: -1, posOf: make(map[certificate.ID]uint64)}
}

// Store is the Per-Source Stream Store. Safe for concurrent use: each
// source subnet's position sequence is guarded by its own lock, so positions
// on one subnet are assigned independently of another; the shared
// certificate, proof and target indices sit behind one store-wide lock that
// delivery holds only briefly (§4.4 concurrency note, §5).
type Store struct {
	pending    *pool.Pending
	precedence *pool.Precedence

	mu       sync.RWMutex
	sources  map[certificate.SubnetID]*sourceStream
	certs    map[certificate.ID]*certificate.Certificate
	proofs   map[certificate.ID]*wire.ProofOfDelivery
	targets  map[certificate.SubnetID]map[certificate.SubnetID][]Entry // target -> source -> entries

	deliveryFeed event.Feed

	db database.Database
}

// New builds an empty Store.
func New(pending *pool.Pending, precedence *pool.Precedence) *Store {
	return &Store{
		pending:    pending,
		precedence: precedence,
		sources:    make(map[certificate.SubnetID]*sourceStream),
		certs:      make(map[certificate.ID]*certificate.Certificate),
		proofs:     make(map[certificate.ID]*wire.ProofOfDelivery),
		targets:    make(map[certificate.SubnetID]map[certificate.SubnetID][]Entry),
	}
}

func (s *Store) sourceFor(source certificate.SubnetID) *sourceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sources[source]
	if !ok {
		ss = newSourceStream()
		s.sources[source] = ss
	}
	return ss
}

// SubmitPending registers c as under broadcast. Returns errs.ErrAlreadyPending
// if c is already tracked and errs.ErrAlreadyDelivered if it has already
// been delivered (§4.2/§7: submit is idempotent-rejecting on replay).
func (s *Store) SubmitPending(c *certificate.Certificate) error {
	if _, delivered := s.getPosition(c.SourceSubnetID, c.ID); delivered {
		return errs.ErrAlreadyDelivered
	}
	return s.pending.Add(c)
}

// OnDelivered records c as delivered with the given proof, assigning it the
// next gap-free position in its source's stream, propagating the delivery
// to the target index, and transitively draining the precedence pool for
// any successors now unblocked (§4.4 invariant 1/2, operation 2). A
// certificate that is already delivered keeps its position, and that existing
// entry is returned again.
func (s *Store) OnDelivered(c *certificate.Certificate, proof *wire.ProofOfDelivery) ([]Entry, error) {
	var delivered []Entry

	queue := []*certificate.Certificate{c}
	queueProof := []*wire.ProofOfDelivery{proof}

	for len(queue) > 0 {
		cur := queue[0]
		curProof := queueProof[0]
		queue = queue[1:]
		queueProof = queueProof[1:]

		entry, isNew, err := s.deliverOne(cur, curProof)
		if err != nil {
			return delivered, err
		}
		delivered = append(delivered, entry)
		if isNew {
			s.pending.Remove(cur.ID)
			s.deliveryFeed.Send(cur)

			if succ, ok := s.precedence.TakeSuccessor(cur.SourceSubnetID, cur.ID); ok {
				queue = append(queue, succ.Cert)
				queueProof = append(queueProof, succ.Proof)
			}
		}
	}
	return delivered, nil
}

// deliverOne assigns a position to cur if it is the next certificate in its
// source's stream; otherwise parks it in the precedence pool. Returns
// (entry, true, nil) when a new position was assigned, (existingEntry,
// false, nil) on an idempotent replay, or parks and returns
// errs.ErrPrecedenceMissing (non-fatal control flow, §4.4/§7) when cur's
// predecessor has not been delivered yet.
func (s *Store) deliverOne(cur *certificate.Certificate, proof *wire.ProofOfDelivery) (Entry, bool, error) {
	ss := s.sourceFor(cur.SourceSubnetID)

	ss.mu.Lock()
	if pos, ok := ss.posOf[cur.ID]; ok {
		ss.mu.Unlock()
		return Entry{Position: pos, CertID: cur.ID}, false, nil
	}

	_, prevDelivered := ss.posOf[cur.PrevID]
	readyToDeliver := cur.IsGenesis() || prevDelivered
	if !readyToDeliver {
		ss.mu.Unlock()
		if err := s.precedence.Park(cur, proof); err != nil && err != errs.ErrAlreadyPending {
			return Entry{}, false, err
		}
		return Entry{}, false, errs.ErrPrecedenceMissing
	}

	pos := uint64(ss.head + 1)
	ss.head++
	ss.byPos = append(ss.byPos, cur.ID)
	ss.posOf[cur.ID] = pos
	ss.mu.Unlock()

	s.mu.Lock()
	s.certs[cur.ID] = cur
	if proof != nil {
		proof.Position = pos
		s.proofs[cur.ID] = proof
	}
	for _, target := range cur.TargetSubnetIDs {
		if s.targets[target] == nil {
			s.targets[target] = make(map[certificate.SubnetID][]Entry)
		}
		s.targets[target][cur.SourceSubnetID] = append(s.targets[target][cur.SourceSubnetID], Entry{Position: pos, CertID: cur.ID})
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.persist(cur, proof, pos); err != nil {
			return Entry{}, false, err
		}
	}

	return Entry{Position: pos, CertID: cur.ID}, true, nil
}

// deliveryKey is the database key a delivered certificate's record is
// stored under: its source subnet followed by its big-endian gap-free
// position, so a restart can replay a source's deliveries in order with
// sequential Get calls rather than needing a key iterator.
func deliveryKey(source certificate.SubnetID, position uint64) []byte {
	key := make([]byte, len(source)+8)
	copy(key, source[:])
	binary.BigEndian.PutUint64(key[len(source):], position)
	return key
}

var sourceIndexKey = []byte("sources")

// persist writes cur's delivery record and, the first time this source
// subnet is seen, extends the persisted source index so replay knows which
// keys to read back.
func (s *Store) persist(cur *certificate.Certificate, proof *wire.ProofOfDelivery, pos uint64) error {
	record := &wire.DeliveryRecord{Cert: wire.FromCertificate(cur), Proof: proof}
	raw, err := wire.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.db.Put(deliveryKey(cur.SourceSubnetID, pos), raw); err != nil {
		return err
	}
	if pos != 0 {
		return nil
	}
	return s.extendSourceIndex(cur.SourceSubnetID)
}

func (s *Store) extendSourceIndex(source certificate.SubnetID) error {
	var idx wire.SourceIndex
	existing, err := s.db.Get(sourceIndexKey)
	switch {
	case err == nil:
		if uerr := wire.Unmarshal(existing, &idx); uerr != nil {
			return uerr
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		return err
	}
	idx.Sources = append(idx.Sources, [32]byte(source))
	raw, err := wire.Marshal(&idx)
	if err != nil {
		return err
	}
	return s.db.Put(sourceIndexKey, raw)
}

// WithPersistence attaches db as the store's durable backing and replays any
// records already written to it, rebuilding the in-memory indices before the
// store serves its first request. Grounded on the teacher's db-backed
// backend pattern (warp/backend.go's db field, populated once at
// construction and consulted thereafter).
func (s *Store) WithPersistence(db database.Database) error {
	existing, err := db.Get(sourceIndexKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.db = db
		return nil
	case err != nil:
		return err
	}

	var idx wire.SourceIndex
	if err := wire.Unmarshal(existing, &idx); err != nil {
		return err
	}

	// Replay with s.db still nil, so deliverOne's persist step does not
	// re-write what is already on disk.
	for _, raw := range idx.Sources {
		source := certificate.SubnetID(raw)
		for pos := uint64(0); ; pos++ {
			encoded, err := db.Get(deliveryKey(source, pos))
			if errors.Is(err, database.ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			var record wire.DeliveryRecord
			if err := wire.Unmarshal(encoded, &record); err != nil {
				return err
			}
			if _, _, err := s.deliverOne(record.Cert.ToCertificate(), record.Proof); err != nil && !errors.Is(err, errs.ErrPrecedenceMissing) {
				return err
			}
		}
	}

	s.db = db
	return nil
}

func (s *Store) getPosition(source certificate.SubnetID, id certificate.ID) (uint64, bool) {
	s.mu.RLock()
	ss, ok := s.sources[source]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	pos, ok := ss.posOf[id]
	return pos, ok
}

// GetSourceHead returns the latest delivered position and certificate ID for
// source, or ok=false if nothing has been delivered yet.
func (s *Store) GetSourceHead(source certificate.SubnetID) (Entry, bool) {
	ss := s.sourceFor(source)
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.head < 0 {
		return Entry{}, false
	}
	return Entry{Position: uint64(ss.head), CertID: ss.byPos[ss.head]}, true
}

// GetSourceRange returns up to limit entries from source's own stream,
// starting at fromPosition, in ascending position order. Used to answer a
// peer's checkpoint with everything it is missing (§4.5 step 3).
func (s *Store) GetSourceRange(source certificate.SubnetID, fromPosition uint64, limit int) []Entry {
	ss := s.sourceFor(source)
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if ss.head < 0 || fromPosition > uint64(ss.head) {
		return nil
	}
	end := uint64(ss.head) + 1
	if limit > 0 && fromPosition+uint64(limit) < end {
		end = fromPosition + uint64(limit)
	}
	out := make([]Entry, 0, end-fromPosition)
	for pos := fromPosition; pos < end; pos++ {
		out = append(out, Entry{Position: pos, CertID: ss.byPos[pos]})
	}
	return out
}

// GetTargetStream returns up to limit entries delivered from source destined
// for target, starting at fromPosition, in ascending position order.
func (s *Store) GetTargetStream(target, source certificate.SubnetID, fromPosition uint64, limit int) []Entry {
	s.mu.RLock()
	entries := s.targets[target][source]
	s.mu.RUnlock()

	var out []Entry
	for _, e := range entries {
		if e.Position < fromPosition {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// SubscribeDeliveries registers ch to receive every certificate delivered
// from this point on, including ones unblocked transitively from the
// precedence pool. Used by the Watch stream API (§6.2) to tail live
// deliveries after replaying its backlog. Grounded on the teacher's
// SubscribeChainHeadEvent/event.Feed pattern (core/txpool/txpool.go).
func (s *Store) SubscribeDeliveries(ch chan<- *certificate.Certificate) event.Subscription {
	return s.deliveryFeed.Subscribe(ch)
}

// SourcesForTarget returns every source subnet that has delivered at least
// one certificate destined for target, for Watch stream replay (§6.2).
func (s *Store) SourcesForTarget(target certificate.SubnetID) []certificate.SubnetID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySource := s.targets[target]
	out := make([]certificate.SubnetID, 0, len(bySource))
	for source := range bySource {
		out = append(out, source)
	}
	return out
}

// GetProofOfDelivery returns the recorded proof for a delivered certificate.
func (s *Store) GetProofOfDelivery(id certificate.ID) (*wire.ProofOfDelivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[id]
	return p, ok
}

// GetCertificate returns a delivered certificate by ID.
func (s *Store) GetCertificate(id certificate.ID) (*certificate.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	return c, ok
}

// Sources returns every source subnet with at least one delivered
// certificate, for checkpoint construction (§4.5).
func (s *Store) Sources() []certificate.SubnetID {
	s.mu.RLock()
	snapshot := make(map[certificate.SubnetID]*sourceStream, len(s.sources))
	for id, ss := range s.sources {
		snapshot[id] = ss
	}
	s.mu.RUnlock()

	out := make([]certificate.SubnetID, 0, len(snapshot))
	for id, ss := range snapshot {
		ss.mu.RLock()
		hasHead := ss.head >= 0
		ss.mu.RUnlock()
		if hasHead {
			out = append(out, id)
		}
	}
	return out
}
