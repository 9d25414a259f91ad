package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneProducesNoTag(t *testing.T) {
	var m None
	assert.Equal(t, 0, m.Size())
	assert.Empty(t, m.Compute(3, []byte("payload")))
}

func TestHMACSHA256MatchesStdlibComputation(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	m := NewHMACSHA256(key)
	require.Equal(t, sha256.Size, m.Size())

	seq := uint32(42)
	payload := []byte("SSH_MSG_CHANNEL_DATA")

	h := hmac.New(sha256.New, key)
	h.Write(appendSeq(seq))
	h.Write(payload)
	want := h.Sum(nil)

	assert.Equal(t, want, m.Compute(seq, payload))
}

func TestHMACSHA512MatchesStdlibComputation(t *testing.T) {
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i * 2)
	}
	m := NewHMACSHA512(key)
	require.Equal(t, sha512.Size, m.Size())

	seq := uint32(7)
	payload := []byte("another packet")

	h := hmac.New(sha512.New, key)
	h.Write(appendSeq(seq))
	h.Write(payload)
	want := h.Sum(nil)

	assert.Equal(t, want, m.Compute(seq, payload))
}

func TestHMACDiffersOnSequenceNumber(t *testing.T) {
	key := make([]byte, 32)
	m := NewHMACSHA256(key)
	payload := []byte("same payload")
	assert.NotEqual(t, m.Compute(0, payload), m.Compute(1, payload))
}

func appendSeq(seq uint32) []byte {
	return []byte{byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)}
}
