package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/broadcast/task"
	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/signing"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

// memBus is an in-process Bus fanning a publish out to every subscriber of a
// topic, standing in for a real pub/sub transport in tests.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]func([]byte))}
}

func (b *memBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *memBus) Subscribe(topic string, handler func(payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// sinkProxy breaks the initialization cycle between task.Manager (needs a
// Sink at construction) and Adapter (needs a task.Manager at construction)
// by deferring every call to whichever Adapter is assigned right after.
type sinkProxy struct {
	adapter *Adapter
}

func (s *sinkProxy) SendEcho(certID certificate.ID)  { s.adapter.SendEcho(certID) }
func (s *sinkProxy) SendReady(certID certificate.ID) { s.adapter.SendReady(certID) }
func (s *sinkProxy) Deliver(certID certificate.ID, proof *wire.ProofOfDelivery) {
	s.adapter.Deliver(certID, proof)
}

type testNode struct {
	key     *signing.Key
	tasks   *task.Manager
	store   *store.Store
	pending *pool.Pending
	adapter *Adapter
}

func newTestNode(t *testing.T, bus *memBus, vs *validator.Set, key *signing.Key) *testNode {
	t.Helper()
	n := &testNode{key: key}
	n.pending = pool.NewPending()
	n.store = store.New(n.pending, pool.NewPrecedence())
	reg := validator.NewRegistry(vs)

	proxy := &sinkProxy{}
	n.tasks = task.NewManager(key.ID, proxy, 100, 256, 2048, metrics.NOP(), log.New())
	n.adapter = New(bus, n.tasks, n.pending, n.store, reg, key, metrics.NOP(), log.New())
	proxy.adapter = n.adapter
	return n
}

func newTestNodes(t *testing.T, n int) ([]*testNode, *validator.Set) {
	t.Helper()
	bus := newMemBus()
	keys := make([]*signing.Key, n)
	ids := make([]certificate.ValidatorID, n)
	for i := range keys {
		k, err := signing.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
		ids[i] = k.ID
	}
	vs := validator.NewSet(1, ids)

	nodes := make([]*testNode, n)
	for i, k := range keys {
		nodes[i] = newTestNode(t, bus, vs, k)
	}
	return nodes, vs
}

func TestGossipEndToEndDelivery(t *testing.T) {
	nodes, vs := newTestNodes(t, 4)

	source := certificate.SubnetID{1}
	cert := certificate.New(certificate.GenesisPredecessor, source, nil, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, 1, nil, nil)

	originator := nodes[0]
	require.NoError(t, originator.store.SubmitPending(cert))
	require.NoError(t, originator.tasks.Submit(cert.ID, source, vs))
	require.NoError(t, originator.adapter.Gossip(cert))

	for i, n := range nodes {
		require.Eventually(t, func() bool {
			_, ok := n.store.GetSourceHead(source)
			return ok
		}, 2*time.Second, time.Millisecond, "node %d did not deliver certificate", i)
	}

	for _, n := range nodes {
		proof, ok := n.store.GetProofOfDelivery(cert.ID)
		require.True(t, ok)
		require.GreaterOrEqual(t, len(proof.Readies), vs.Thresholds.ReadyDeliver)
	}
}

func TestHandleGossipRejectsAlreadyDelivered(t *testing.T) {
	nodes, vs := newTestNodes(t, 4)
	source := certificate.SubnetID{1}
	cert := certificate.New(certificate.GenesisPredecessor, source, nil, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, 1, nil, nil)

	originator := nodes[0]
	originator.tasks.SetGraceWindow(10 * time.Millisecond)
	require.NoError(t, originator.store.SubmitPending(cert))
	require.NoError(t, originator.tasks.Submit(cert.ID, source, vs))
	require.NoError(t, originator.adapter.Gossip(cert))

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			_, ok := n.store.GetSourceHead(source)
			return ok
		}, 2*time.Second, time.Millisecond)
	}

	// A delivered task stays registered for its grace window; wait for the
	// originator's to retire first.
	require.Eventually(t, func() bool {
		return originator.tasks.Active() == 0
	}, 2*time.Second, time.Millisecond)

	// Re-gossiping a delivered certificate must not resurrect a broadcast
	// task for it.
	require.NoError(t, nodes[1].adapter.Gossip(cert))
	require.Equal(t, 0, nodes[0].tasks.Active())
}

func TestHandleVoteRejectsUnknownValidator(t *testing.T) {
	nodes, vs := newTestNodes(t, 4)
	source := certificate.SubnetID{1}
	cert := certificate.New(certificate.GenesisPredecessor, source, nil, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, 1, nil, nil)

	target := nodes[0]
	require.NoError(t, target.store.SubmitPending(cert))
	require.NoError(t, target.tasks.Submit(cert.ID, source, vs))

	outsider, err := signing.GenerateKey()
	require.NoError(t, err)
	sig, err := signing.Sign(outsider, signing.KindEcho, cert.ID)
	require.NoError(t, err)

	payload, err := wire.Marshal(&wire.EchoMessage{CertificateID: [32]byte(cert.ID), ValidatorID: [20]byte(outsider.ID), Signature: sig})
	require.NoError(t, err)
	target.adapter.handleEcho(payload)

	// The vote must have been dropped rather than applied: the task is still
	// registered and has not been delivered and retired.
	require.Equal(t, 1, target.tasks.Active())
}

func TestHandleVoteRejectsInvalidSignature(t *testing.T) {
	nodes, vs := newTestNodes(t, 4)
	source := certificate.SubnetID{1}
	cert := certificate.New(certificate.GenesisPredecessor, source, nil, certificate.Digest{}, certificate.Digest{}, certificate.Digest{}, 1, nil, nil)

	target := nodes[0]
	require.NoError(t, target.store.SubmitPending(cert))
	require.NoError(t, target.tasks.Submit(cert.ID, source, vs))

	claimed := nodes[1].key.ID
	payload, err := wire.Marshal(&wire.EchoMessage{CertificateID: [32]byte(cert.ID), ValidatorID: [20]byte(claimed), Signature: []byte("not a real signature")})
	require.NoError(t, err)

	// Must not panic and must not count as a valid vote toward delivery.
	target.adapter.handleEcho(payload)
	_, delivered := target.store.GetSourceHead(source)
	require.False(t, delivered)
}

func TestGossipDoesNotLoopbackDoublePublish(t *testing.T) {
	bus := newMemBus()
	var calls int
	bus.Subscribe(TopicGossip, func([]byte) { calls++ })
	require.NoError(t, bus.Publish(TopicGossip, []byte("x")))
	require.Equal(t, 1, calls)
}
