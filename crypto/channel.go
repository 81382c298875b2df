package crypto

import (
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// NonceLength matches nacl/box's nonce size.
const NonceLength = 24

// TagLength matches nacl/box's Poly1305 authenticator size.
const TagLength = box.Overhead // 16

// ChannelKey is the shared secret derived by Precompute, read-only
// once a handshake completes (spec.md §3/§5).
type ChannelKey [32]byte

// Nonce is a per-direction counter, incremented exactly once per chunk.
type Nonce [NonceLength]byte

// ZeroNonce is the all-zero nonce, useful as a starting sentinel in tests.
var ZeroNonce Nonce

// State is the per-connection crypto state of spec.md §3: the shared
// channel key plus the local/remote nonce counters. local_nonce is
// touched only by the Writer, remote_nonce only by the Reader — no
// lock is needed, matching spec.md §5.
type State struct {
	ChannelKey  ChannelKey
	LocalNonce  Nonce
	RemoteNonce Nonce
}

// Precompute derives the channel_key from a local secret key and a
// remote public key, the "precompute(sk, pk) -> channel_key" primitive
// of spec.md §6.
func Precompute(sk SecretKey, pk PublicKey) ChannelKey {
	var out ChannelKey
	box.Precompute((*[32]byte)(&out), (*[32]byte)(&pk), (*[32]byte)(&sk))
	return out
}

// RandomNonceSeed produces a fresh random nonce, used as the cleartext
// message_nonce_seed exchanged during the handshake (spec.md §4.2 step 1).
func RandomNonceSeed(entropy io.Reader) (Nonce, error) {
	var n Nonce
	_, err := io.ReadFull(entropy, n[:])
	return n, err
}

// IncrementNonce advances n by one, little-endian across the 24 bytes
// (lowest byte first), matching the teacher's binary.LittleEndian
// convention used throughout agent-tcp for all wire counters.
func IncrementNonce(n Nonce) Nonce {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
	return n
}

// GenerateNonces derives a connection's (local, remote) nonce pair from
// the two cleartext handshake messages, such that both peers obtain
// mirrored pairs: spec.md §3 and §4.2 step 7, and invariant §8.4.
//
// The two raw bytes streams are hashed together with the peer that
// initiated (incoming=false) and the peer that accepted (incoming=true)
// playing fixed, distinguishable roles in the hash input, so a peer
// with incoming=false ends up with local=H(sent||recv||"initiator")
// and remote=H(sent||recv||"responder"), while its counterpart with
// incoming=true computes the same two hashes but assigns them the
// other way around - since for the responder, "sent" is what the
// initiator received and vice versa, the symmetric labels line up.
func GenerateNonces(incoming bool, sentMsg, recvMsg []byte) (local, remote Nonce) {
	var initiatorSeed, responderSeed []byte
	if incoming {
		// recvMsg is what the initiator sent us; sentMsg is what we sent back.
		initiatorSeed = recvMsg
		responderSeed = sentMsg
	} else {
		initiatorSeed = sentMsg
		responderSeed = recvMsg
	}

	initiatorNonce := deriveNonce(initiatorSeed, responderSeed, "initiator")
	responderNonce := deriveNonce(initiatorSeed, responderSeed, "responder")

	if incoming {
		return responderNonce, initiatorNonce
	}
	return initiatorNonce, responderNonce
}

func deriveNonce(initiatorSeed, responderSeed []byte, role string) Nonce {
	h, _ := blake2b.New(NonceLength, nil)
	h.Write(initiatorSeed)
	h.Write(responderSeed)
	h.Write([]byte(role))
	sum := h.Sum(nil)
	var n Nonce
	copy(n[:], sum)
	return n
}
