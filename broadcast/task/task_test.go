package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

type recordingSink struct {
	mu        sync.Mutex
	echoes    []certificate.ID
	readies   []certificate.ID
	delivered []certificate.ID
	proofs    []*wire.ProofOfDelivery
}

func (s *recordingSink) SendEcho(certID certificate.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoes = append(s.echoes, certID)
}

func (s *recordingSink) SendReady(certID certificate.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readies = append(s.readies, certID)
}

func (s *recordingSink) Deliver(certID certificate.ID, proof *wire.ProofOfDelivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, certID)
	s.proofs = append(s.proofs, proof)
}

func (s *recordingSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func validators(n int) (*validator.Set, []certificate.ValidatorID) {
	ids := make([]certificate.ValidatorID, n)
	for i := range ids {
		ids[i] = certificate.ValidatorID{byte(i + 1)}
	}
	return validator.NewSet(1, ids), ids
}

func newTestManager(sink Sink, maxTasks int) *Manager {
	return NewManager(certificate.ValidatorID{1}, sink, maxTasks, 256, 2048, metrics.NOP(), log.New())
}

func TestSubmitEchoesAndDeliversThroughThresholds(t *testing.T) {
	vs, ids := validators(4)
	sink := &recordingSink{}
	m := newTestManager(sink, 10)

	certID := certificate.ID{1}
	require.NoError(t, m.Submit(certID, certificate.SubnetID{1}, vs))

	require.NoError(t, m.ApplyReady(certID, ids[0], []byte("sig0")))
	require.NoError(t, m.ApplyReady(certID, ids[1], []byte("sig1")))
	require.NoError(t, m.ApplyReady(certID, ids[2], []byte("sig2")))

	require.Eventually(t, func() bool {
		return sink.deliveredCount() == 1
	}, time.Second, time.Millisecond)
}

func TestSubmitIsIdempotentPerCertificate(t *testing.T) {
	vs, _ := validators(4)
	sink := &recordingSink{}
	m := newTestManager(sink, 10)

	certID := certificate.ID{1}
	require.NoError(t, m.Submit(certID, certificate.SubnetID{1}, vs))
	require.NoError(t, m.Submit(certID, certificate.SubnetID{1}, vs))
	require.Equal(t, 1, m.Active())
}

func TestOverloadedWhenMaxTasksReached(t *testing.T) {
	vs, _ := validators(4)
	sink := &recordingSink{}
	m := newTestManager(sink, 1)

	require.NoError(t, m.Submit(certificate.ID{1}, certificate.SubnetID{1}, vs))
	err := m.Submit(certificate.ID{2}, certificate.SubnetID{1}, vs)
	require.ErrorIs(t, err, errs.ErrOverloaded)
}

func TestApplyVoteOnUnknownCertificateIsBuffered(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(sink, 10)

	require.NoError(t, m.ApplyEcho(certificate.ID{9}, certificate.ValidatorID{1}, nil))
	require.Equal(t, 0, m.Active())

	vs, ids := validators(4)
	certID := certificate.ID{9}
	require.NoError(t, m.Submit(certID, certificate.SubnetID{1}, vs))
	require.NoError(t, m.ApplyReady(certID, ids[0], []byte("sig0")))
	require.NoError(t, m.ApplyReady(certID, ids[1], []byte("sig1")))
	require.NoError(t, m.ApplyReady(certID, ids[2], []byte("sig2")))

	require.Eventually(t, func() bool {
		return sink.deliveredCount() == 1
	}, time.Second, time.Millisecond)
}

func TestApplyVoteBufferOverflowIsDropped(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(certificate.ValidatorID{1}, sink, 10, 1, 2048, metrics.NOP(), log.New())

	certID := certificate.ID{9}
	require.NoError(t, m.ApplyEcho(certID, certificate.ValidatorID{1}, nil))
	err := m.ApplyEcho(certID, certificate.ValidatorID{2}, nil)
	require.ErrorIs(t, err, errs.ErrOverloaded)
}

func TestTaskRetiresAfterGraceWindow(t *testing.T) {
	vs, ids := validators(4)
	sink := &recordingSink{}
	m := newTestManager(sink, 10)
	m.SetGraceWindow(10 * time.Millisecond)

	certID := certificate.ID{1}
	require.NoError(t, m.Submit(certID, certificate.SubnetID{1}, vs))
	for i, id := range ids[:3] {
		require.NoError(t, m.ApplyReady(certID, id, []byte{byte(i)}))
	}

	require.True(t, m.WaitRetired(certID, time.Second))
	require.Equal(t, 0, m.Active())
}
