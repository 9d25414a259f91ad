package ssh

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePlaintextPadding(t *testing.T) {
	payload := []byte("hello world")
	packet, padLen, err := framePlaintext(payload, 8, bytes.NewReader(make([]byte, 256)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(padLen), minPaddingLength)
	assert.Equal(t, 0, (len(packet)-4)%8, "body must be a multiple of the block size")

	length := int(packet[0])<<24 | int(packet[1])<<16 | int(packet[2])<<8 | int(packet[3])
	assert.Equal(t, length, len(packet)-4)
}

func TestNoneCipherRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sendCodec := NewPacketCodec(client, client, DefaultSecureRandom(), nil)
	recvCodec := NewPacketCodec(server, server, DefaultSecureRandom(), nil)

	payload := []byte("SSH_MSG_KEXINIT placeholder payload")
	errCh := make(chan error, 1)
	go func() { errCh <- sendCodec.SendOne(payload) }()

	got, err := recvCodec.ReceiveOne()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, payload, got)
}

func TestPacketCodecSequenceNumbersAdvanceAndReset(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sendCodec := NewPacketCodec(client, client, DefaultSecureRandom(), nil)
	recvCodec := NewPacketCodec(server, server, DefaultSecureRandom(), nil)

	for i := 0; i < 3; i++ {
		errCh := make(chan error, 1)
		go func() { errCh <- sendCodec.SendOne([]byte{byte(i)}) }()
		_, err := recvCodec.ReceiveOne()
		require.NoError(t, err)
		require.NoError(t, <-errCh)
	}
	assert.EqualValues(t, 3, sendCodec.send.seq)

	sendCodec.ResetSendSeq()
	assert.EqualValues(t, 0, sendCodec.send.seq)
}

func TestNoneCipherRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge length, exceeds MaxPacketSize
	_, err := (noneCipher{}).ReadPacket(0, &buf)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestStartCompressionActivatesBothDirections(t *testing.T) {
	codec := NewPacketCodec(&bytes.Buffer{}, &bytes.Buffer{}, DefaultSecureRandom(), nil)
	codec.StartCompression()
	assert.EqualValues(t, 1, codec.send.compress)
	assert.EqualValues(t, 1, codec.recv.compress)
}
