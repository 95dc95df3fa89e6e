package network

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/log"
)

func startNode(t *testing.T, self certificate.ValidatorID, dir StaticDirectory) (*Node, *httptest.Server) {
	t.Helper()
	n := NewNode(self, dir, log.New())
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	dir[self] = srv.URL
	return n, srv
}

func TestPublishFansOutToAllPeersExceptSelf(t *testing.T) {
	idA := certificate.ValidatorID{1}
	idB := certificate.ValidatorID{2}
	idC := certificate.ValidatorID{3}

	dir := StaticDirectory{}
	nodeA, _ := startNode(t, idA, dir)
	nodeB, _ := startNode(t, idB, dir)
	nodeC, _ := startNode(t, idC, dir)

	var gotB, gotC []byte
	nodeB.Subscribe("topic", func(p []byte) { gotB = p })
	nodeC.Subscribe("topic", func(p []byte) { gotC = p })

	var selfDelivered bool
	nodeA.Subscribe("topic", func(p []byte) { selfDelivered = true })

	require.NoError(t, nodeA.Publish("topic", []byte("hello")))

	require.Eventually(t, func() bool {
		return string(gotB) == "hello" && string(gotC) == "hello"
	}, 2*time.Second, time.Millisecond)

	// Publish must never loop back to the publisher's own subscribers.
	time.Sleep(50 * time.Millisecond)
	require.False(t, selfDelivered)
}

func TestSendRequestDeliversResponseThroughResponder(t *testing.T) {
	idA := certificate.ValidatorID{1}
	idB := certificate.ValidatorID{2}

	dir := StaticDirectory{}
	nodeA, _ := startNode(t, idA, dir)
	nodeB, _ := startNode(t, idB, dir)

	nodeB.SetRequestHandler(func(payload []byte) ([]byte, error) {
		echoed := append([]byte("echo:"), payload...)
		return echoed, nil
	})

	responses := make(chan []byte, 1)
	nodeA.SetResponder(func(requestID uint32, payload []byte) {
		responses <- payload
	})

	require.NoError(t, nodeA.SendRequest(context.Background(), idB, 7, []byte("ping")))

	select {
	case payload := <-responses:
		require.Equal(t, "echo:ping", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive response")
	}
}

func TestSendRequestUnknownPeerReturnsError(t *testing.T) {
	idA := certificate.ValidatorID{1}
	dir := StaticDirectory{}
	nodeA, _ := startNode(t, idA, dir)

	err := nodeA.SendRequest(context.Background(), certificate.ValidatorID{99}, 1, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownPeer)
}
