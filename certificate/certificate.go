// Package certificate defines the content-addressed record a source subnet
// produces and the TCE core broadcasts: C1 of the design, the Certificate
// Model. Grounded on the fixed-size, comparable identifier types of the
// teacher's ids package (ids/ids.go) so that CertificateID and SubnetID are
// usable as map keys throughout the store and task manager.
package certificate

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/luxfi/crypto"
)

// ID is a 32-byte content hash identifying a Certificate.
type ID [32]byte

// String returns the hex representation of id.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the all-zero genesis sentinel.
func (id ID) IsZero() bool {
	return id == ID{}
}

// SubnetID is a 32-byte identifier for a producing or destination subnet.
type SubnetID [32]byte

// String returns the hex representation of id.
func (id SubnetID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// SubnetIDFromHex parses a hex-encoded 32-byte subnet identifier, tolerating
// an optional "0x" prefix.
func SubnetIDFromHex(s string) (SubnetID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return SubnetID{}, err
	}
	var id SubnetID
	if len(raw) != len(id) {
		return id, fmt.Errorf("expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Digest is an opaque 32-byte hash referenced by a Certificate but not
// interpreted by the core (state_root, tx_root_hash, receipts_root_hash).
type Digest [32]byte

// Signature is a 65-byte recoverable secp256k1 signature (r || s || v),
// matching go-ethereum/luxfi-crypto's crypto.Sign output.
type Signature [65]byte

// ValidatorID is a 20-byte Ethereum-style address derived from a validator's
// secp256k1 public key (Keccak256(pubkey)[12:]).
type ValidatorID [20]byte

// String returns the hex representation of id.
func (id ValidatorID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// GenesisPredecessor is the sentinel prev_id marking the first certificate of
// a source subnet's stream.
var GenesisPredecessor ID

// Certificate is the immutable, content-addressed record linking a source
// subnet's predecessor certificate to its successor. Per §3, only Signature
// is interpreted by the core; Proof is opaque.
type Certificate struct {
	ID               ID
	PrevID           ID
	SourceSubnetID   SubnetID
	TargetSubnetIDs  []SubnetID
	StateRoot        Digest
	TxRootHash       Digest
	ReceiptsRootHash Digest
	Verifier         uint32
	Proof            []byte
	Signature        []byte
}

// IsGenesis reports whether c is the first certificate of its source's stream.
func (c *Certificate) IsGenesis() bool {
	return c.PrevID.IsZero()
}

// ComputeID returns the content hash of c per the invariant in §3:
//
//	CertificateID = H(prev_id || source_subnet_id || state_root || tx_root_hash ||
//	                   receipts_root_hash || target_subnet_ids || verifier)
//
// Grounded on the teacher's use of crypto.Keccak256 for content hashing
// (plugin/evm/message/syncable.go, sync/atomic/summary.go).
func ComputeID(c *Certificate) ID {
	var buf bytes.Buffer
	buf.Write(c.PrevID[:])
	buf.Write(c.SourceSubnetID[:])
	buf.Write(c.StateRoot[:])
	buf.Write(c.TxRootHash[:])
	buf.Write(c.ReceiptsRootHash[:])
	for _, t := range c.TargetSubnetIDs {
		buf.Write(t[:])
	}
	var verifierBytes [4]byte
	binary.BigEndian.PutUint32(verifierBytes[:], c.Verifier)
	buf.Write(verifierBytes[:])

	sum := crypto.Keccak256(buf.Bytes())
	var id ID
	copy(id[:], sum)
	return id
}

// New builds a Certificate and stamps its computed ID, mirroring the
// submission-time construction done by a sequencer adapter before handing a
// certificate to the pending pool.
func New(prevID ID, source SubnetID, targets []SubnetID, stateRoot, txRoot, receiptsRoot Digest, verifier uint32, proof, signature []byte) *Certificate {
	c := &Certificate{
		PrevID:           prevID,
		SourceSubnetID:   source,
		TargetSubnetIDs:  targets,
		StateRoot:        stateRoot,
		TxRootHash:       txRoot,
		ReceiptsRootHash: receiptsRoot,
		Verifier:         verifier,
		Proof:            proof,
		Signature:        signature,
	}
	c.ID = ComputeID(c)
	return c
}
