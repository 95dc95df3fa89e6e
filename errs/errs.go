// Package errs collects the sentinel error kinds shared across the TCE node.
//
// Handlers match against these with errors.Is; nothing here carries state,
// callers wrap with fmt.Errorf("...: %w", errs.X) to add context.
package errs

import "errors"

var (
	// ErrInvalidSignature is returned when a signature does not recover to
	// the claimed validator.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownValidator is returned when the signer is not a member of the
	// active validator set for the epoch under consideration.
	ErrUnknownValidator = errors.New("unknown validator")

	// ErrDuplicateMessage marks an already-tallied (kind, certificate, validator)
	// triple. Idempotent; not necessarily surfaced to the caller.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrAlreadyDelivered is returned when a broadcast is requested for a
	// certificate that has already been delivered.
	ErrAlreadyDelivered = errors.New("certificate already delivered")

	// ErrAlreadyPending is returned when a broadcast is requested for a
	// certificate that is already pending.
	ErrAlreadyPending = errors.New("certificate already pending")

	// ErrPrecedenceMissing marks a certificate buffered in the precedence pool
	// because its predecessor has not been delivered yet. Not an error
	// condition for the caller; used internally for control flow.
	ErrPrecedenceMissing = errors.New("predecessor not yet delivered")

	// ErrOverloaded is returned by the public submission path when the
	// command channel is saturated.
	ErrOverloaded = errors.New("task manager overloaded")

	// ErrStorageError wraps a backing-store failure.
	ErrStorageError = errors.New("storage error")

	// ErrSyncTimeout is returned when a synchronizer RPC exceeds its deadline.
	ErrSyncTimeout = errors.New("synchronization request timed out")

	// ErrPeerUnreachable is returned on a transport-level failure talking to a peer.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrInvalidProtocolUsage is returned when a signed message is replayed
	// across the wrong topic (e.g. an ECHO signature presented as a READY).
	ErrInvalidProtocolUsage = errors.New("invalid protocol usage")

	// ErrNotFound is a generic not-found sentinel for store lookups.
	ErrNotFound = errors.New("not found")

	// ErrInvalidProof is returned when a proof of delivery presented during
	// synchronization does not meet its claimed epoch's delivery threshold.
	ErrInvalidProof = errors.New("invalid proof of delivery")

	// ErrNoPeers is returned when a synchronizer tick has no peer to query.
	ErrNoPeers = errors.New("no peers available")
)
