package sync

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/signing"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

// DefaultInterval is the default tick period (§6.4 sync_interval_seconds).
const DefaultInterval = 10 * time.Second

// DefaultLimitPerSubnet bounds how many proofs a peer returns per source
// subnet in one CheckpointResponse (§4.5 step 3, §6.4 sync_limit_per_subnet).
const DefaultLimitPerSubnet = 100

// DefaultRequestTimeout bounds a single Checkpoint/FetchCertificates RPC
// (§5: "per-request timeout, default 5s").
const DefaultRequestTimeout = 5 * time.Second

// Request kind tags, prefixed to the wire-encoded payload so a Handler on
// the receiving end knows which of the two RPCs it is decoding before it
// ever touches the codec — the two request types carry no tag of their own
// in the wire schema (§6.1), so routing them onto the right decoder is a
// transport-layer concern, not a wire-format one.
const (
	kindCheckpointRequest        byte = 1
	kindFetchCertificatesRequest byte = 2
)

// Store is the subset of *store.Store the Synchronizer needs: read access
// for checkpoint construction, and the delivery-injection path that
// transparently drains the precedence pool for anything the fetch unblocks.
type Store interface {
	Sources() []certificate.SubnetID
	GetSourceHead(source certificate.SubnetID) (store.Entry, bool)
	GetProofOfDelivery(id certificate.ID) (*wire.ProofOfDelivery, bool)
	GetCertificate(id certificate.ID) (*certificate.Certificate, bool)
	OnDelivered(c *certificate.Certificate, proof *wire.ProofOfDelivery) ([]store.Entry, error)
}

// ValidatorSetProvider resolves the validator set active in a given epoch,
// so a proof of delivery can be checked against the set that was actually in
// effect when it was produced rather than whatever set is current now
// (§4.5 step 5).
type ValidatorSetProvider interface {
	ActiveSet() *validator.Set
	SetAtEpoch(epoch uint64) (*validator.Set, bool)
}

// Synchronizer periodically reconciles against a random peer, per §4.5.
type Synchronizer struct {
	self       certificate.ValidatorID
	store      Store
	validators ValidatorSetProvider
	transport  *Transport

	interval         time.Duration
	limitPerSubnet   int
	requestTimeout   time.Duration
	maxInFlightFetch int

	metrics *metrics.Set
	log     log.Logger
}

// New builds a Synchronizer with the spec's default interval, limit, and
// request timeout.
func New(self certificate.ValidatorID, st Store, validators ValidatorSetProvider, transport *Transport, m *metrics.Set, l log.Logger) *Synchronizer {
	return &Synchronizer{
		self:             self,
		store:            st,
		validators:       validators,
		transport:        transport,
		interval:         DefaultInterval,
		limitPerSubnet:   DefaultLimitPerSubnet,
		requestTimeout:   DefaultRequestTimeout,
		maxInFlightFetch: 4,
		metrics:          m,
		log:              l,
	}
}

// SetInterval overrides the tick period; used by tests to avoid real waits.
func (s *Synchronizer) SetInterval(d time.Duration) { s.interval = d }

// SetRequestTimeout overrides the per-RPC deadline.
func (s *Synchronizer) SetRequestTimeout(d time.Duration) { s.requestTimeout = d }

// Run drives the periodic tick until ctx is cancelled (§5: "the synchronizer
// tick is cancellable between iterations").
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Debug("sync tick failed", "error", err)
			}
		}
	}
}

// Tick executes one checkpoint/fetch/inject cycle. Exported so tests (and a
// future manual "sync now" admin hook) can drive it directly rather than
// waiting on the ticker.
func (s *Synchronizer) Tick(ctx context.Context) error {
	s.metrics.SyncTicks.Inc()

	peer, ok := s.selectPeer()
	if !ok {
		s.metrics.SyncFailures.WithLabelValues("no_peers").Inc()
		return errs.ErrNoPeers
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	checkpoint := s.buildCheckpoint()
	checkpoint.RequestID = uuid.New()

	encoded, err := wire.Marshal(checkpoint)
	if err != nil {
		return err
	}
	payload := append([]byte{kindCheckpointRequest}, encoded...)
	raw, err := s.transport.Request(reqCtx, peer, payload)
	if err != nil {
		s.metrics.SyncFailures.WithLabelValues("peer_unreachable").Inc()
		return err
	}
	var resp wire.CheckpointResponse
	if err := wire.Unmarshal(raw, &resp); err != nil {
		s.metrics.SyncFailures.WithLabelValues("decode_error").Inc()
		return err
	}

	return s.reconcile(ctx, peer, &resp)
}

func (s *Synchronizer) buildCheckpoint() *wire.CheckpointRequest {
	var entries []wire.ProofOfDelivery
	for _, source := range s.store.Sources() {
		head, ok := s.store.GetSourceHead(source)
		if !ok {
			continue
		}
		proof, ok := s.store.GetProofOfDelivery(head.CertID)
		if !ok {
			continue
		}
		entries = append(entries, *proof)
	}
	return &wire.CheckpointRequest{Entries: entries}
}

// selectPeer picks a random validator from the active set, excluding self
// (§4.5 step 2).
func (s *Synchronizer) selectPeer() (certificate.ValidatorID, bool) {
	members := s.validators.ActiveSet().Members()
	var candidates []certificate.ValidatorID
	for _, m := range members {
		if m != s.self {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return certificate.ValidatorID{}, false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return candidates[0], true
	}
	return candidates[n.Int64()], true
}

// reconcile fetches and injects every certificate the peer's diff advertises
// that is missing locally, capping concurrent fetch RPCs at
// maxInFlightFetch.
func (s *Synchronizer) reconcile(ctx context.Context, peer certificate.ValidatorID, resp *wire.CheckpointResponse) error {
	var missing []wire.ProofOfDelivery
	for _, sd := range resp.Diff {
		limit := sd.Proofs
		if len(limit) > s.limitPerSubnet {
			limit = limit[:s.limitPerSubnet]
		}
		for _, p := range limit {
			if _, ok := s.store.GetCertificate(certificate.ID(p.CertificateID)); ok {
				continue
			}
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	batches := batchByFetchSize(missing, 32)
	results := make(chan fetchResult, len(missing))

	sem := make(chan struct{}, s.maxInFlightFetch)
	var wg sync.WaitGroup
	for _, batch := range batches {
		sem <- struct{}{}
		wg.Add(1)
		go func(batch []wire.ProofOfDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			s.fetchBatch(ctx, peer, batch, results)
		}(batch)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.cert == nil {
			continue
		}
		s.injectOne(r.cert, r.proof)
	}
	return nil
}

// fetchResult pairs one advertised proof of delivery with the certificate
// body fetched for it, or a nil cert if the peer did not supply one.
type fetchResult struct {
	proof wire.ProofOfDelivery
	cert  *wire.Certificate
}

func (s *Synchronizer) fetchBatch(ctx context.Context, peer certificate.ValidatorID, batch []wire.ProofOfDelivery, results chan<- fetchResult) {
	ids := make([][32]byte, len(batch))
	for i, p := range batch {
		ids[i] = p.CertificateID
	}
	req := &wire.FetchCertificatesRequest{RequestID: uuid.New(), CertificateIDs: ids}
	encoded, err := wire.Marshal(req)
	if err != nil {
		return
	}
	payload := append([]byte{kindFetchCertificatesRequest}, encoded...)

	fetchCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	raw, err := s.transport.Request(fetchCtx, peer, payload)
	if err != nil {
		s.metrics.SyncFailures.WithLabelValues("fetch_unreachable").Inc()
		return
	}
	var resp wire.FetchCertificatesResponse
	if err := wire.Unmarshal(raw, &resp); err != nil {
		s.metrics.SyncFailures.WithLabelValues("fetch_decode_error").Inc()
		return
	}

	byID := make(map[[32]byte]*wire.Certificate, len(resp.Certificates))
	for _, c := range resp.Certificates {
		byID[c.ID] = c
	}
	for _, p := range batch {
		results <- fetchResult{proof: p, cert: byID[p.CertificateID]}
	}
}

func batchByFetchSize(proofs []wire.ProofOfDelivery, size int) [][]wire.ProofOfDelivery {
	var out [][]wire.ProofOfDelivery
	for len(proofs) > 0 {
		n := size
		if n > len(proofs) {
			n = len(proofs)
		}
		out = append(out, proofs[:n])
		proofs = proofs[n:]
	}
	return out
}

// injectOne verifies the fetched certificate's hash and accompanying proof,
// then injects it as delivered. Failure semantics per §4.5: hash mismatch or
// invalid proof are logged and skipped, never blacklisted — the peer may
// simply be on a different epoch view, or another peer will supply it next
// tick.
func (s *Synchronizer) injectOne(wireCert *wire.Certificate, proof wire.ProofOfDelivery) {
	c := wireCert.ToCertificate()
	if c.ID != certificate.ComputeID(c) {
		s.metrics.SyncFailures.WithLabelValues("hash_mismatch").Inc()
		s.log.Warn("discarding certificate with mismatched hash", "certificate", c.ID)
		return
	}
	if err := s.verifyProof(c.ID, &proof); err != nil {
		s.metrics.SyncFailures.WithLabelValues("invalid_proof").Inc()
		s.log.Warn("discarding certificate with invalid proof", "certificate", c.ID, "error", err)
		return
	}

	if _, err := s.store.OnDelivered(c, &proof); err != nil && err != errs.ErrPrecedenceMissing {
		s.log.Debug("sync injection did not deliver", "certificate", c.ID, "error", err)
		return
	}
	s.metrics.SyncFetched.Inc()
}

// verifyProof checks that proof carries at least ReadyDeliver valid, distinct
// READY signatures from members of the validator set active in the epoch the
// proof claims to have been issued under (§4.5 step 5).
func (s *Synchronizer) verifyProof(certID certificate.ID, proof *wire.ProofOfDelivery) error {
	vs, ok := s.validators.SetAtEpoch(proof.Epoch)
	if !ok {
		return errs.ErrInvalidProof
	}

	seen := make(map[certificate.ValidatorID]struct{}, len(proof.Readies))
	for _, w := range proof.Readies {
		id := certificate.ValidatorID(w.ValidatorID)
		if !vs.Contains(id) {
			continue
		}
		if err := signing.Verify(signing.KindReady, certID, w.Signature, id); err != nil {
			continue
		}
		seen[id] = struct{}{}
	}
	if len(seen) < vs.Thresholds.ReadyDeliver {
		return errs.ErrInvalidProof
	}
	return nil
}
