package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/validator"
)

func validators(n int) (*validator.Set, []certificate.ValidatorID) {
	ids := make([]certificate.ValidatorID, n)
	for i := range ids {
		ids[i] = certificate.ValidatorID{byte(i + 1)}
	}
	return validator.NewSet(1, ids), ids
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// n=4: f=1, Echo=3, ReadyEcho=2, ReadyDeliver=3.
func TestEchoThresholdTriggersLocalEcho(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	events, err := m.ApplyEcho(ids[0])
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, StatePending, m.State())

	events, err = m.ApplyEcho(ids[1])
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = m.ApplyEcho(ids[2])
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventSendEcho}, kinds(events))
	require.Equal(t, StateEchoSent, m.State())
}

func TestExactThresholdBoundaries(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	// Ready-echo threshold (2) reached before echo threshold (3).
	events, err := m.ApplyReady(ids[0])
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = m.ApplyReady(ids[1])
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventSendReady}, kinds(events))
	require.Equal(t, StateReadySent, m.State())

	// Deliver threshold (3) reached next.
	events, err = m.ApplyReady(ids[2])
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventDeliver}, kinds(events))
	require.Equal(t, StateDeliveredWithReadySent, m.State())
}

func TestDeliverBeforeEchoSent(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	_, err := m.ApplyReady(ids[0])
	require.NoError(t, err)
	_, err = m.ApplyReady(ids[1])
	require.NoError(t, err)
	events, err := m.ApplyReady(ids[2])
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventDeliver}, kinds(events))
	require.Equal(t, StateDeliveredWithReadySent, m.State())

	// The machine never locally echoed.
	events, err = m.ApplyEcho(ids[3])
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDuplicateVotesAreIdempotent(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	_, err := m.ApplyEcho(ids[0])
	require.NoError(t, err)
	events, err := m.ApplyEcho(ids[0])
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, StatePending, m.State())
}

func TestUnknownValidatorRejected(t *testing.T) {
	vs, _ := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	stranger := certificate.ValidatorID{0xff}
	_, err := m.ApplyEcho(stranger)
	require.Error(t, err)
}

func TestStartEmitsLocalEcho(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	events := m.Start(ids[0])
	require.Equal(t, []EventKind{EventSendEcho}, kinds(events))
	require.Equal(t, StateEchoSent, m.State())

	// Calling Start again after leaving Pending is a no-op.
	require.Empty(t, m.Start(ids[0]))
}

func TestDeliveredStateToleratesLateVotes(t *testing.T) {
	vs, ids := validators(4)
	m := New(certificate.ID{1}, certificate.SubnetID{1}, vs)

	for _, id := range ids[:3] {
		_, err := m.ApplyReady(id)
		require.NoError(t, err)
	}
	require.Equal(t, StateDeliveredWithReadySent, m.State())

	events, err := m.ApplyReady(ids[3])
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, StateDeliveredWithReadySent, m.State())
}
