package kex

import (
	"crypto/sha256"
	"math/big"
)

// deriveKey implements the RFC 4253 §7.2 key-derivation function: key
// material for letter is HASH(K || H || letter || session_id), extended
// with HASH(K || H || K1 || K2 || ...) as needed to reach length bytes.
func deriveKey(K *big.Int, H, sessionID []byte, letter byte, length int) []byte {
	kBytes := mpintBytes(K)

	digest := func(extra []byte) []byte {
		h := sha256.New()
		h.Write(kBytes)
		h.Write(H)
		h.Write(extra)
		return h.Sum(nil)
	}

	out := digest(append([]byte{letter}, sessionID...))
	for len(out) < length {
		h := sha256.New()
		h.Write(kBytes)
		h.Write(H)
		h.Write(out)
		out = append(out, h.Sum(nil)...)
	}
	return out[:length]
}

func mpintBytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	var lenPrefixed []byte
	lenPrefixed = appendUint32(lenPrefixed, uint32(len(b)))
	return append(lenPrefixed, b...)
}
