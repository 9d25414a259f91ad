package cipher

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
	"github.com/ppb2020/sshtransport/pkg/transport/ssh/mac"
)

func roundTrip(t *testing.T, send, recv ssh.BlockCipher, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, send.WritePacket(0, &buf, rand.Reader, payload))
	got, err := recv.ReadPacket(0, &buf)
	require.NoError(t, err)
	return got
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	_, _ = rand.Read(key)
	send, err := NewAESGCM(key)
	require.NoError(t, err)
	recv, err := NewAESGCM(key)
	require.NoError(t, err)

	payload := []byte("SSH_MSG_CHANNEL_DATA payload goes here")
	got := roundTrip(t, send, recv, payload)
	assert.Equal(t, payload, got)
}

func TestAESGCMSequenceNumberMismatchFailsAuthentication(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	send, err := NewAESGCM(key)
	require.NoError(t, err)
	recv, err := NewAESGCM(key)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, send.WritePacket(0, &buf, rand.Reader, []byte("hello")))
	_, err = recv.ReadPacket(1, &buf) // wrong sequence number
	assert.ErrorIs(t, err, ssh.ErrMacMismatch)
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	key := make([]byte, 64)
	_, _ = rand.Read(key)
	send, err := NewChaCha20Poly1305(key)
	require.NoError(t, err)
	recv, err := NewChaCha20Poly1305(key)
	require.NoError(t, err)

	payload := []byte("another packet, long enough to span more than one block")
	got := roundTrip(t, send, recv, payload)
	assert.Equal(t, payload, got)
}

func TestChaCha20Poly1305RejectsShortKey(t *testing.T) {
	_, err := NewChaCha20Poly1305(make([]byte, 32))
	assert.Error(t, err)
}

func TestChaCha20Poly1305TamperedLengthFieldFailsAuthentication(t *testing.T) {
	key := make([]byte, 64)
	_, _ = rand.Read(key)
	send, err := NewChaCha20Poly1305(key)
	require.NoError(t, err)
	recv, err := NewChaCha20Poly1305(key)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, send.WritePacket(0, &buf, rand.Reader, []byte("hello")))
	tampered := buf.Bytes()
	tampered[0] ^= 0xff
	_, err = recv.ReadPacket(0, bytes.NewReader(tampered))
	assert.Error(t, err)
}

func TestAESCTRWithMACRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	_, _ = rand.Read(key)
	_, _ = rand.Read(iv)
	macKey := make([]byte, 32)
	_, _ = rand.Read(macKey)

	send, err := NewAESCTR(key, iv, mac.NewHMACSHA256(macKey))
	require.NoError(t, err)
	recv, err := NewAESCTR(key, iv, mac.NewHMACSHA256(macKey))
	require.NoError(t, err)

	payload := []byte("stream cipher suite paired with a separate MAC")
	got := roundTrip(t, send, recv, payload)
	assert.Equal(t, payload, got)
}

func TestAESCTRDetectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	_, _ = rand.Read(key)
	_, _ = rand.Read(iv)
	macKey := make([]byte, 32)
	_, _ = rand.Read(macKey)

	send, err := NewAESCTR(key, iv, mac.NewHMACSHA256(macKey))
	require.NoError(t, err)
	recv, err := NewAESCTR(key, iv, mac.NewHMACSHA256(macKey))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, send.WritePacket(0, &buf, rand.Reader, []byte("hello")))
	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xff
	_, err = recv.ReadPacket(0, bytes.NewReader(tampered))
	assert.ErrorIs(t, err, ssh.ErrMacMismatch)
}
