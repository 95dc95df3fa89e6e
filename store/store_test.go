package store

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/wire"
)

func newStore() *Store {
	return New(pool.NewPending(), pool.NewPrecedence())
}

func chain(source certificate.SubnetID, targets []certificate.SubnetID, n int) []*certificate.Certificate {
	certs := make([]*certificate.Certificate, n)
	prev := certificate.GenesisPredecessor
	for i := 0; i < n; i++ {
		certs[i] = certificate.New(prev, source, targets, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, uint32(i), nil, nil)
		prev = certs[i].ID
	}
	return certs
}

func proofOf(c *certificate.Certificate) *wire.ProofOfDelivery {
	return &wire.ProofOfDelivery{CertificateID: [32]byte(c.ID), SourceSubnetID: [32]byte(c.SourceSubnetID)}
}

func TestInOrderDeliveryAssignsGapFreePositions(t *testing.T) {
	source := certificate.SubnetID{1}
	target := certificate.SubnetID{9}
	certs := chain(source, []certificate.SubnetID{target}, 3)

	s := newStore()
	for _, c := range certs {
		_, err := s.OnDelivered(c, proofOf(c))
		require.NoError(t, err)
	}

	head, ok := s.GetSourceHead(source)
	require.True(t, ok)
	require.Equal(t, Entry{Position: 2, CertID: certs[2].ID}, head)

	stream := s.GetTargetStream(target, source, 0, 0)
	require.Len(t, stream, 3)
	for i, e := range stream {
		require.Equal(t, uint64(i), e.Position)
		require.Equal(t, certs[i].ID, e.CertID)
	}
}

func TestOutOfOrderArrivalDrainsPrecedencePool(t *testing.T) {
	source := certificate.SubnetID{1}
	certs := chain(source, nil, 3)

	s := newStore()

	// Deliver C2 and C1 before C0 arrives; both should park.
	_, err := s.OnDelivered(certs[2], proofOf(certs[2]))
	require.ErrorIs(t, err, errs.ErrPrecedenceMissing)
	_, err = s.OnDelivered(certs[1], proofOf(certs[1]))
	require.ErrorIs(t, err, errs.ErrPrecedenceMissing)

	_, ok := s.GetSourceHead(source)
	require.False(t, ok)

	entries, err := s.OnDelivered(certs[0], proofOf(certs[0]))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	head, ok := s.GetSourceHead(source)
	require.True(t, ok)
	require.Equal(t, Entry{Position: 2, CertID: certs[2].ID}, head)
}

func TestDeliveryIsIdempotent(t *testing.T) {
	source := certificate.SubnetID{1}
	certs := chain(source, nil, 1)
	s := newStore()

	first, err := s.OnDelivered(certs[0], proofOf(certs[0]))
	require.NoError(t, err)

	second, err := s.OnDelivered(certs[0], proofOf(certs[0]))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSubmitPendingRejectsAlreadyDelivered(t *testing.T) {
	source := certificate.SubnetID{1}
	certs := chain(source, nil, 1)
	s := newStore()

	_, err := s.OnDelivered(certs[0], proofOf(certs[0]))
	require.NoError(t, err)

	err = s.SubmitPending(certs[0])
	require.ErrorIs(t, err, errs.ErrAlreadyDelivered)
}

func TestWithPersistenceReplaysDeliveriesAcrossRestart(t *testing.T) {
	source := certificate.SubnetID{1}
	target := certificate.SubnetID{9}
	certs := chain(source, []certificate.SubnetID{target}, 3)

	db := memdb.New()
	s := newStore()
	require.NoError(t, s.WithPersistence(db))
	for _, c := range certs {
		_, err := s.OnDelivered(c, proofOf(c))
		require.NoError(t, err)
	}

	restarted := newStore()
	require.NoError(t, restarted.WithPersistence(db))

	head, ok := restarted.GetSourceHead(source)
	require.True(t, ok)
	require.Equal(t, Entry{Position: 2, CertID: certs[2].ID}, head)

	stream := restarted.GetTargetStream(target, source, 0, 0)
	require.Len(t, stream, 3)

	got, ok := restarted.GetProofOfDelivery(certs[0].ID)
	require.True(t, ok)
	require.Equal(t, certs[0].ID, certificate.ID(got.CertificateID))
}

func TestWithPersistenceOnEmptyDatabaseStartsClean(t *testing.T) {
	s := newStore()
	require.NoError(t, s.WithPersistence(memdb.New()))
	_, ok := s.GetSourceHead(certificate.SubnetID{1})
	require.False(t, ok)
}

func TestGetProofOfDelivery(t *testing.T) {
	source := certificate.SubnetID{1}
	certs := chain(source, nil, 1)
	s := newStore()

	proof := proofOf(certs[0])
	_, err := s.OnDelivered(certs[0], proof)
	require.NoError(t, err)

	got, ok := s.GetProofOfDelivery(certs[0].ID)
	require.True(t, ok)
	require.Equal(t, proof, got)
}
