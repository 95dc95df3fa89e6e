// Package signing wraps secp256k1 signature creation and recovery for the
// ECHO/READY votes a validator casts (§4.1, §9). Grounded on the teacher's
// use of crypto.GenerateKey/crypto.S256 for key material (utils/utilstest/key.go)
// and crypto.Keccak256 for content hashing (plugin/evm/message/syncable.go);
// recovery-based verification (crypto.SigToPub/crypto.Ecrecover) follows the
// same secp256k1 signature shape go-ethereum-derived code uses throughout the
// pack, rather than a separate public-key-carrying scheme.
package signing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"strings"

	"github.com/luxfi/crypto"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
)

// Kind tags which vote a signature is over, so that a signature produced for
// one topic can never be replayed as the other (§9 Open Question 1: ECHO and
// READY share no cryptographic domain separation of their own, so Digest
// folds the kind into the signed digest).
type Kind byte

const (
	KindEcho Kind = iota + 1
	KindReady
)

// Key is a validator's secp256k1 signing key.
type Key struct {
	Private *ecdsa.PrivateKey
	ID      certificate.ValidatorID
}

// GenerateKey creates a fresh validator key pair.
func GenerateKey() (*Key, error) {
	priv, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return KeyFromECDSA(priv), nil
}

// KeyFromECDSA wraps an existing private key, deriving its ValidatorID.
func KeyFromECDSA(priv *ecdsa.PrivateKey) *Key {
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	return &Key{Private: priv, ID: certificate.ValidatorID(addr)}
}

// LoadKey decodes a hex-encoded secp256k1 private key (an optional "0x"
// prefix is tolerated), for loading a validator's signing key from
// configuration rather than generating one at each startup.
func LoadKey(hexKey string) (*Key, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return KeyFromECDSA(priv), nil
}

// Digest folds a vote kind and the claimed signer's validator ID onto a
// certificate ID, producing the 32-byte preimage that gets signed. The
// canonical signed payload is certificate_id ‖ validator_id (§4.1); kind is
// folded in ahead of that as an additional domain-separation layer (§9 Open
// Question 1), since ECHO and READY otherwise share no cryptographic domain
// separation and a signature produced for one must never verify as the
// other.
func Digest(kind Kind, certID certificate.ID, validatorID certificate.ValidatorID) [32]byte {
	var preimage [1 + len(certID) + len(validatorID)]byte
	preimage[0] = byte(kind)
	copy(preimage[1:], certID[:])
	copy(preimage[1+len(certID):], validatorID[:])
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(preimage[:]))
	return digest
}

// Sign produces a recoverable signature over (kind, certID, k.ID) using k.
func Sign(k *Key, kind Kind, certID certificate.ID) ([]byte, error) {
	digest := Digest(kind, certID, k.ID)
	return crypto.Sign(digest[:], k.Private)
}

// Verify recomputes the digest sig was supposedly produced over, assuming
// expected is the signer, recovers sig's actual signer, and checks the two
// match. Because the preimage includes the claimed validator_id, a
// signature can only verify against the one validator ID it was produced
// for, not be replayed under a different claimed identity. A signature that
// verifies for the same certificate and signer under the other vote kind is
// a cross-topic replay and yields errs.ErrInvalidProtocolUsage.
func Verify(kind Kind, certID certificate.ID, sig []byte, expected certificate.ValidatorID) error {
	digest := Digest(kind, certID, expected)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return errs.ErrInvalidSignature
	}
	if certificate.ValidatorID(crypto.PubkeyToAddress(*pub)) != expected {
		other := KindEcho
		if kind == KindEcho {
			other = KindReady
		}
		otherDigest := Digest(other, certID, expected)
		if otherPub, err := crypto.SigToPub(otherDigest[:], sig); err == nil &&
			certificate.ValidatorID(crypto.PubkeyToAddress(*otherPub)) == expected {
			return errs.ErrInvalidProtocolUsage
		}
		return errs.ErrInvalidSignature
	}
	return nil
}
