package wire

import (
	"github.com/google/uuid"

	"github.com/topos-protocol/tce-node/certificate"
)

// Certificate is the wire form of certificate.Certificate (§6.1). Field tags
// are stable; names are descriptive, matching the schema in spec.md §6.1.
type Certificate struct {
	PrevID           [32]byte   `serialize:"true"`
	SourceSubnetID   [32]byte   `serialize:"true"`
	StateRoot        [32]byte   `serialize:"true"`
	TxRootHash       [32]byte   `serialize:"true"`
	ReceiptsRootHash [32]byte   `serialize:"true"`
	TargetSubnets    [][32]byte `serialize:"true"`
	Verifier         uint32     `serialize:"true"`
	ID               [32]byte   `serialize:"true"`
	Proof            []byte     `serialize:"true"`
	Signature        []byte     `serialize:"true"`
}

// FromCertificate converts a domain certificate into its wire form.
func FromCertificate(c *certificate.Certificate) *Certificate {
	targets := make([][32]byte, len(c.TargetSubnetIDs))
	for i, t := range c.TargetSubnetIDs {
		targets[i] = [32]byte(t)
	}
	return &Certificate{
		PrevID:           [32]byte(c.PrevID),
		SourceSubnetID:   [32]byte(c.SourceSubnetID),
		StateRoot:        [32]byte(c.StateRoot),
		TxRootHash:       [32]byte(c.TxRootHash),
		ReceiptsRootHash: [32]byte(c.ReceiptsRootHash),
		TargetSubnets:    targets,
		Verifier:         c.Verifier,
		ID:               [32]byte(c.ID),
		Proof:            c.Proof,
		Signature:        c.Signature,
	}
}

// ToCertificate converts a wire certificate back into its domain form.
func (c *Certificate) ToCertificate() *certificate.Certificate {
	targets := make([]certificate.SubnetID, len(c.TargetSubnets))
	for i, t := range c.TargetSubnets {
		targets[i] = certificate.SubnetID(t)
	}
	return &certificate.Certificate{
		ID:               certificate.ID(c.ID),
		PrevID:           certificate.ID(c.PrevID),
		SourceSubnetID:   certificate.SubnetID(c.SourceSubnetID),
		TargetSubnetIDs:  targets,
		StateRoot:        certificate.Digest(c.StateRoot),
		TxRootHash:       certificate.Digest(c.TxRootHash),
		ReceiptsRootHash: certificate.Digest(c.ReceiptsRootHash),
		Verifier:         c.Verifier,
		Proof:            c.Proof,
		Signature:        c.Signature,
	}
}

// GossipMessage carries a raw certificate payload on the topos_gossip topic.
type GossipMessage struct {
	Cert *Certificate `serialize:"true"`
}

// EchoMessage carries one validator's ECHO vote on the topos_echo topic.
type EchoMessage struct {
	CertificateID [32]byte `serialize:"true"`
	ValidatorID   [20]byte `serialize:"true"`
	Signature     []byte   `serialize:"true"`
}

// ReadyMessage carries one validator's READY vote on the topos_ready topic.
type ReadyMessage struct {
	CertificateID [32]byte `serialize:"true"`
	ValidatorID   [20]byte `serialize:"true"`
	Signature     []byte   `serialize:"true"`
}

// ReadyWitness is one (validator, signature) pair bundled into a proof of
// delivery.
type ReadyWitness struct {
	ValidatorID [20]byte `serialize:"true"`
	Signature   []byte   `serialize:"true"`
}

// ProofOfDelivery bundles the ready witnesses that justified a local
// delivery decision, emitted to peers during synchronization (§3, §6.1).
type ProofOfDelivery struct {
	CertificateID  [32]byte       `serialize:"true"`
	SourceSubnetID [32]byte       `serialize:"true"`
	Position       uint64         `serialize:"true"`
	Readies        []ReadyWitness `serialize:"true"`
	Threshold      uint32         `serialize:"true"`
	Epoch          uint64         `serialize:"true"`
}

// CheckpointRequest is sent by the Synchronizer to a peer, advertising the
// requester's local per-source heads.
type CheckpointRequest struct {
	RequestID uuid.UUID         `serialize:"true"`
	Entries   []ProofOfDelivery `serialize:"true"`
}

// SourceDiff bundles one source subnet's advertised proofs of delivery,
// ordered by ascending position. The codec this package builds on has no map
// support, so a CheckpointResponse carries a list of these rather than a
// source_subnet_id -> proofs map (§6.1's "diff: map<source, list<...>>" is
// realized as this list-of-pairs on the wire).
type SourceDiff struct {
	Source [32]byte          `serialize:"true"`
	Proofs []ProofOfDelivery `serialize:"true"`
}

// CheckpointResponse answers a CheckpointRequest with, per source subnet, the
// proofs of delivery the peer has beyond what the requester advertised.
type CheckpointResponse struct {
	RequestID uuid.UUID    `serialize:"true"`
	Diff      []SourceDiff `serialize:"true"`
}

// FetchCertificatesRequest asks a peer for the full certificate bodies
// behind a set of identifiers discovered via a CheckpointResponse.
type FetchCertificatesRequest struct {
	RequestID      uuid.UUID  `serialize:"true"`
	CertificateIDs [][32]byte `serialize:"true"`
}

// FetchCertificatesResponse answers a FetchCertificatesRequest.
type FetchCertificatesResponse struct {
	RequestID    uuid.UUID      `serialize:"true"`
	Certificates []*Certificate `serialize:"true"`
}

// DeliveryRecord is the durable form of one delivered certificate, written
// to the store's backing database so that a restart can rebuild its
// in-memory indices (§4.4) without rebroadcasting or re-verifying anything.
type DeliveryRecord struct {
	Cert  *Certificate     `serialize:"true"`
	Proof *ProofOfDelivery `serialize:"true"`
}

// SourceIndex lists every source subnet the store has persisted at least one
// delivery for, so a restart knows which keys to replay without an
// underlying iterator.
type SourceIndex struct {
	Sources [][32]byte `serialize:"true"`
}
