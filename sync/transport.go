// Package sync is the Synchronizer (§4.5/C7): it periodically reconciles a
// node's per-source heads against a random peer's, fetching and injecting
// any certificates it is missing so that lost gossip never causes permanent
// divergence. Grounded on the teacher's request-ID correlated RPC pattern
// (network/network.go's SendSyncedAppRequest/allocateRequestID/freeRequestID/
// AppResponse), adapted from a single sync-protocol request type into the
// Checkpoint/FetchCertificates pair this protocol needs.
package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
)

// Sender delivers a request payload to a specific peer. The response, once
// it arrives, must reach the Transport via HandleResponse carrying the same
// requestID — the transport itself never sees the network.
type Sender interface {
	SendRequest(ctx context.Context, peer certificate.ValidatorID, requestID uint32, payload []byte) error
}

// Transport allocates request IDs and correlates asynchronous responses back
// to the blocked caller, exactly mirroring the teacher's
// pendingRequests/nextRequestID bookkeeping.
type Transport struct {
	sender Sender

	mu              sync.Mutex
	pendingRequests map[uint32]chan []byte
	nextRequestID   uint32
	closed          bool
}

// NewTransport builds a Transport that sends outbound requests through sender.
func NewTransport(sender Sender) *Transport {
	return &Transport{
		sender:          sender,
		pendingRequests: make(map[uint32]chan []byte),
	}
}

// Request sends payload to peer and blocks until a matching response arrives
// via HandleResponse, ctx is cancelled, or the transport is closed.
func (t *Transport) Request(ctx context.Context, peer certificate.ValidatorID, payload []byte) ([]byte, error) {
	responseChan := make(chan []byte, 1)
	requestID := t.allocate(responseChan)
	defer t.free(requestID)

	if err := t.sender.SendRequest(ctx, peer, requestID, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.ErrSyncTimeout
		}
		return nil, ctx.Err()
	case response, ok := <-responseChan:
		if !ok {
			return nil, errs.ErrPeerUnreachable
		}
		return response, nil
	}
}

// HandleResponse delivers an inbound response to whichever Request call is
// waiting on requestID, if any. Called by the wiring layer when the
// underlying transport receives a reply.
func (t *Transport) HandleResponse(requestID uint32, payload []byte) {
	t.mu.Lock()
	ch, ok := t.pendingRequests[requestID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// Close cancels every in-flight Request call.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.pendingRequests {
		close(ch)
	}
	t.pendingRequests = make(map[uint32]chan []byte)
}

func (t *Transport) allocate(ch chan []byte) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextRequestID
	t.nextRequestID++
	t.pendingRequests[id] = ch
	return id
}

func (t *Transport) free(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pendingRequests, id)
}
