package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/signing"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

// fakeSender routes a synchronizer request directly to the addressed peer's
// Handler, answering asynchronously through the caller-supplied respond
// callback — a same-process stand-in for a real request/response transport.
type fakeSender struct {
	handlers map[certificate.ValidatorID]*Handler
	respond  func(requestID uint32, payload []byte)
	fail     map[certificate.ValidatorID]bool
}

func (f *fakeSender) SendRequest(ctx context.Context, peer certificate.ValidatorID, requestID uint32, payload []byte) error {
	if f.fail[peer] {
		return context.DeadlineExceeded
	}
	h, ok := f.handlers[peer]
	if !ok {
		return context.DeadlineExceeded
	}
	resp, err := h.HandleRequest(payload)
	if err != nil {
		return err
	}
	go f.respond(requestID, resp)
	return nil
}

func buildChain(t *testing.T, st *store.Store, source certificate.SubnetID, keys []*signing.Key, vs *validator.Set, n int) []*certificate.Certificate {
	t.Helper()
	certs := make([]*certificate.Certificate, n)
	prev := certificate.GenesisPredecessor
	for i := 0; i < n; i++ {
		c := certificate.New(prev, source, nil, certificate.Digest{byte(i)}, certificate.Digest{}, certificate.Digest{}, 0, nil, nil)
		certs[i] = c
		prev = c.ID

		proof := proofFor(t, c.ID, source, keys, vs)
		_, err := st.OnDelivered(c, proof)
		require.NoError(t, err)
	}
	return certs
}

func proofFor(t *testing.T, certID certificate.ID, source certificate.SubnetID, keys []*signing.Key, vs *validator.Set) *wire.ProofOfDelivery {
	t.Helper()
	witnesses := make([]wire.ReadyWitness, 0, vs.Thresholds.ReadyDeliver)
	for i := 0; i < vs.Thresholds.ReadyDeliver; i++ {
		sig, err := signing.Sign(keys[i], signing.KindReady, certID)
		require.NoError(t, err)
		witnesses = append(witnesses, wire.ReadyWitness{ValidatorID: [20]byte(keys[i].ID), Signature: sig})
	}
	return &wire.ProofOfDelivery{
		CertificateID:  [32]byte(certID),
		SourceSubnetID: [32]byte(source),
		Readies:        witnesses,
		Threshold:      uint32(vs.Thresholds.ReadyDeliver),
		Epoch:          vs.Epoch,
	}
}

func fourValidators(t *testing.T) ([]*signing.Key, *validator.Set) {
	t.Helper()
	keys := make([]*signing.Key, 4)
	ids := make([]certificate.ValidatorID, 4)
	for i := range keys {
		k, err := signing.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
		ids[i] = k.ID
	}
	return keys, validator.NewSet(1, ids)
}

func TestSynchronizerCatchUp(t *testing.T) {
	keys, vs := fourValidators(t)
	source := certificate.SubnetID{7}

	n1Store := store.New(pool.NewPending(), pool.NewPrecedence())
	certs := buildChain(t, n1Store, source, keys, vs, 10)

	head, ok := n1Store.GetSourceHead(source)
	require.True(t, ok)
	require.Equal(t, uint64(9), head.Position)
	require.Equal(t, certs[9].ID, head.CertID)

	n1Handler := NewHandler(n1Store, DefaultLimitPerSubnet)

	n2Store := store.New(pool.NewPending(), pool.NewPrecedence())
	history := validator.NewHistory(vs)

	n1ID := keys[0].ID
	n2ID := keys[1].ID

	var transport *Transport
	// Every peer n2 can pick answers from n1's store, so whichever one the
	// tick selects is reachable.
	sender := &fakeSender{handlers: map[certificate.ValidatorID]*Handler{n1ID: n1Handler, keys[2].ID: n1Handler, keys[3].ID: n1Handler}}
	transport = NewTransport(sender)
	sender.respond = transport.HandleResponse

	synchronizer := New(n2ID, n2Store, history, transport, metrics.NOP(), log.New())

	// n2 starts fresh; a single tick should fetch and deliver all of n1's
	// backlog because every peer it can select serves n1's store.
	require.NoError(t, synchronizer.Tick(context.Background()))

	require.Eventually(t, func() bool {
		h, ok := n2Store.GetSourceHead(source)
		return ok && h.Position == 9 && h.CertID == certs[9].ID
	}, 2*time.Second, time.Millisecond, "n2 did not catch up to n1's head")

	for _, c := range certs {
		_, ok := n2Store.GetCertificate(c.ID)
		require.True(t, ok)
	}
}

func TestSynchronizerRejectsInvalidProof(t *testing.T) {
	keys, vs := fourValidators(t)
	source := certificate.SubnetID{7}

	n1Store := store.New(pool.NewPending(), pool.NewPrecedence())
	cert := certificate.New(certificate.GenesisPredecessor, source, nil, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, 0, nil, nil)

	// Deliver with an under-threshold proof (one signature short).
	witnesses := []wire.ReadyWitness{}
	for i := 0; i < vs.Thresholds.ReadyDeliver-1; i++ {
		sig, err := signing.Sign(keys[i], signing.KindReady, cert.ID)
		require.NoError(t, err)
		witnesses = append(witnesses, wire.ReadyWitness{ValidatorID: [20]byte(keys[i].ID), Signature: sig})
	}
	weakProof := &wire.ProofOfDelivery{CertificateID: [32]byte(cert.ID), SourceSubnetID: [32]byte(source), Readies: witnesses, Threshold: uint32(vs.Thresholds.ReadyDeliver), Epoch: vs.Epoch}
	_, err := n1Store.OnDelivered(cert, weakProof)
	require.NoError(t, err)

	n1Handler := NewHandler(n1Store, DefaultLimitPerSubnet)
	n2Store := store.New(pool.NewPending(), pool.NewPrecedence())
	history := validator.NewHistory(vs)

	n1ID, n2ID := keys[0].ID, keys[1].ID
	var transport *Transport
	// Every peer n2 can pick answers from n1's store.
	sender := &fakeSender{handlers: map[certificate.ValidatorID]*Handler{n1ID: n1Handler, keys[2].ID: n1Handler, keys[3].ID: n1Handler}}
	transport = NewTransport(sender)
	sender.respond = transport.HandleResponse

	synchronizer := New(n2ID, n2Store, history, transport, metrics.NOP(), log.New())
	require.NoError(t, synchronizer.Tick(context.Background()))

	// Give the async goroutine a moment, then assert the weak-proof
	// certificate was never injected.
	time.Sleep(50 * time.Millisecond)
	_, ok = n2Store.GetCertificate(cert.ID)
	require.False(t, ok)
}

func TestSynchronizerRetriesDifferentPeerWhenOneIsUnreachable(t *testing.T) {
	keys, vs := fourValidators(t)
	source := certificate.SubnetID{7}

	n1Store := store.New(pool.NewPending(), pool.NewPrecedence())
	certs := buildChain(t, n1Store, source, keys, vs, 3)
	n1Handler := NewHandler(n1Store, DefaultLimitPerSubnet)

	n3Store := store.New(pool.NewPending(), pool.NewPrecedence())
	history := validator.NewHistory(vs)

	n1ID, n3ID := keys[0].ID, keys[2].ID
	unreachable := keys[1].ID

	var transport *Transport
	sender := &fakeSender{
		handlers: map[certificate.ValidatorID]*Handler{n1ID: n1Handler},
		fail:     map[certificate.ValidatorID]bool{unreachable: true},
	}
	transport = NewTransport(sender)
	sender.respond = transport.HandleResponse

	synchronizer := New(n3ID, n3Store, history, transport, metrics.NOP(), log.New())

	// Keep ticking until the random peer pick lands on n1 rather than the
	// unreachable validator; a failed tick against the unreachable peer must
	// not wedge the synchronizer for the next attempt.
	require.Eventually(t, func() bool {
		_ = synchronizer.Tick(context.Background())
		h, ok := n3Store.GetSourceHead(source)
		return ok && h.Position == uint64(len(certs)-1)
	}, 2*time.Second, time.Millisecond)
}

func TestSynchronizerNoPeersReturnsError(t *testing.T) {
	vs := validator.NewSet(1, []certificate.ValidatorID{{1}})
	st := store.New(pool.NewPending(), pool.NewPrecedence())
	history := validator.NewHistory(vs)
	transport := NewTransport(&fakeSender{handlers: map[certificate.ValidatorID]*Handler{}})

	synchronizer := New(certificate.ValidatorID{1}, st, history, transport, metrics.NOP(), log.New())
	err := synchronizer.Tick(context.Background())
	require.Error(t, err)
}
