package crypto

import (
	"golang.org/x/crypto/nacl/box"
)

// FastBoxSeal implements the "fast_box_noalloc(key, nonce, tag_out,
// msg_inplace)" primitive of spec.md §6: it authenticates and encrypts
// msg in place, returning the detached 16-byte Poly1305 tag. The
// ciphertext bytes written into msg have exactly len(msg) bytes, same
// as the plaintext that was in msg before the call, matching the
// chunk invariant that ciphertext length equals plaintext length.
func FastBoxSeal(key ChannelKey, nonce Nonce, msg []byte) (tag [TagLength]byte) {
	sealed := box.SealAfterPrecomputation(nil, msg, (*[24]byte)(&nonce), (*[32]byte)(&key))
	copy(tag[:], sealed[:TagLength])
	copy(msg, sealed[TagLength:])
	return tag
}

// FastBoxOpen implements "fast_box_open_noalloc(key, nonce, tag,
// ct_inplace) -> bool": it verifies tag against ct and, on success,
// decrypts ct in place, returning false (and leaving ct untouched) on
// MAC failure.
func FastBoxOpen(key ChannelKey, nonce Nonce, tag [TagLength]byte, ct []byte) bool {
	boxed := make([]byte, TagLength+len(ct))
	copy(boxed[:TagLength], tag[:])
	copy(boxed[TagLength:], ct)
	opened, ok := box.OpenAfterPrecomputation(nil, boxed, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return false
	}
	copy(ct, opened)
	return true
}
