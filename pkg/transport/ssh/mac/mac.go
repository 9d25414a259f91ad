// Package mac provides ssh.MAC implementations for the non-AEAD cipher
// suites. AEAD suites (see the cipher package) authenticate packets
// themselves and are paired with the "none" MAC here.
package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
)

// None is the MAC used alongside an AEAD cipher, where the cipher itself
// authenticates every byte of the packet and a separate MAC would be
// redundant.
type None struct{}

func (None) Size() int                             { return 0 }
func (None) Compute(seq uint32, packet []byte) []byte { return nil }

type hmacMAC struct {
	key    []byte
	newFn  func() hash.Hash
	size   int
}

// NewHMACSHA256 builds hmac-sha2-256 over a 32-byte key.
func NewHMACSHA256(key []byte) ssh.MAC {
	return &hmacMAC{key: key, newFn: sha256.New, size: sha256.Size}
}

// NewHMACSHA512 builds hmac-sha2-512 over a 64-byte key.
func NewHMACSHA512(key []byte) ssh.MAC {
	return &hmacMAC{key: key, newFn: sha512.New, size: sha512.Size}
}

func (m *hmacMAC) Size() int { return m.size }

// Compute returns HMAC(key, seq || plainPacket), per RFC 4253 §6.4. seq is
// encoded big-endian ahead of the packet bytes, outside of what the
// packet length field itself covers.
func (m *hmacMAC) Compute(seq uint32, plainPacket []byte) []byte {
	h := hmac.New(m.newFn, m.key)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write(plainPacket)
	return h.Sum(nil)
}
