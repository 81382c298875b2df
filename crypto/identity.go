// Package crypto implements the cryptographic primitives consumed by
// the handshake and crypto-frame layers: identity keypairs, PoW stamps,
// channel-key agreement, and per-direction nonce handling.
//
// The teacher (github.com/xtaci/bdls) hashes with its own
// crypto/blake2b subpackage and signs with crypto/btcec (ECDSA over
// secp256k1); neither subpackage is present in the retrieved pack
// (they're private forks, not on the module path we can import), and
// this domain authenticates peers with NaCl-box key agreement rather
// than ECDSA signatures. golang.org/x/crypto supplies both primitive
// families directly: blake2b for hashing, nacl/box for Curve25519
// key agreement and authenticated encryption.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// PublicKeySize/SecretKeySize match nacl/box's Curve25519 keys.
const (
	PublicKeySize = 32
	SecretKeySize = 32
	PeerIDSize    = 16 // truncated blake2b digest, enough entropy to avoid collisions among real peers
	powStampSize  = 32
)

// PublicKey, SecretKey are Curve25519 keys used for box key agreement.
type PublicKey [PublicKeySize]byte
type SecretKey [SecretKeySize]byte

// PeerID is a short, printable identifier derived from a public key.
type PeerID [PeerIDSize]byte

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// ProofOfWork is a stamp attached to a public key: a nonce such that
// hash(pk || stamp) has at least `target` leading zero bits.
type ProofOfWork [powStampSize]byte

// Identity is the long-lived keypair plus its precomputed PoW stamp,
// the process-wide immutable value named in spec.md §3.
type Identity struct {
	PeerID     PeerID
	PublicKey  PublicKey
	SecretKey  SecretKey
	PoWStamp   ProofOfWork
	// Label is for logs only; never serialized.
	Label string
}

// GenerateIdentity creates a fresh keypair, derives its peer id, and
// mines a proof-of-work stamp meeting target.
func GenerateIdentity(target uint, label string) (*Identity, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id := &Identity{PublicKey: *pub, SecretKey: *sec, Label: label}
	id.PeerID = HashPeerID(id.PublicKey)
	stamp, err := MineProofOfWork(id.PublicKey, target, rand.Reader)
	if err != nil {
		return nil, err
	}
	id.PoWStamp = stamp
	return id, nil
}

// HashPeerID implements the "hash(pk) -> peer_id" primitive of spec.md §6.
func HashPeerID(pk PublicKey) (id PeerID) {
	sum := blake2b.Sum256(pk[:])
	copy(id[:], sum[:PeerIDSize])
	return id
}

// CheckProofOfWork verifies that stamp attached to pk meets target
// leading-zero-bits difficulty, per spec.md §4.2 step 5.
func CheckProofOfWork(pk PublicKey, stamp ProofOfWork, target uint) bool {
	return leadingZeroBits(powDigest(pk, stamp)) >= target
}

// MineProofOfWork searches for a stamp satisfying target, reading a
// fresh candidate stamp from entropy for each attempt. For target=0 it
// returns the all-zero stamp at once, without reading entropy.
func MineProofOfWork(pk PublicKey, target uint, entropy io.Reader) (ProofOfWork, error) {
	var stamp ProofOfWork
	if target == 0 {
		return stamp, nil
	}
	for {
		if _, err := io.ReadFull(entropy, stamp[:]); err != nil {
			return stamp, err
		}
		if leadingZeroBits(powDigest(pk, stamp)) >= target {
			return stamp, nil
		}
	}
}

func powDigest(pk PublicKey, stamp ProofOfWork) [32]byte {
	buf := make([]byte, 0, PublicKeySize+powStampSize)
	buf = append(buf, pk[:]...)
	buf = append(buf, stamp[:]...)
	return blake2b.Sum256(buf)
}

func leadingZeroBits(digest [32]byte) uint {
	var n uint
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}
