package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
)

// streamSuite implements ssh.BlockCipher for the classic construction
// pairing a stream cipher (aes*-ctr) with a separate ssh.MAC, as opposed
// to the AEAD suites in cipher.go which authenticate internally. This is
// the home for anything built on pkg/transport/ssh/mac.
type streamSuite struct {
	stream stdcipher.Stream
	mac    ssh.MAC
}

// NewAESCTR builds an aes128-ctr / aes192-ctr / aes256-ctr suite (selected
// by len(key)) paired with m for packet authentication.
func NewAESCTR(key, iv []byte, m ssh.MAC) (ssh.BlockCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ssh/cipher: aes-ctr key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("ssh/cipher: aes-ctr iv must be %d bytes", block.BlockSize())
	}
	return &streamSuite{stream: stdcipher.NewCTR(block, iv), mac: m}, nil
}

func (s *streamSuite) Overhead() int { return 4 + 1 + 255 + s.mac.Size() }

func (s *streamSuite) WritePacket(seq uint32, w io.Writer, rnd io.Reader, payload []byte) error {
	plain, _, err := ssh.FramePlaintext(payload, 16, rnd)
	if err != nil {
		return err
	}
	tag := s.mac.Compute(seq, plain)

	cipherText := make([]byte, len(plain))
	s.stream.XORKeyStream(cipherText, plain)

	if _, err := w.Write(cipherText); err != nil {
		return err
	}
	if len(tag) > 0 {
		if _, err := w.Write(tag); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamSuite) ReadPacket(seq uint32, r io.Reader) ([]byte, error) {
	var lenCipher [4]byte
	if _, err := io.ReadFull(r, lenCipher[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ssh.ErrTruncated, err)
	}
	var lenPlain [4]byte
	s.stream.XORKeyStream(lenPlain[:], lenCipher[:])
	length := binary.BigEndian.Uint32(lenPlain[:])
	if length < 1 || length > ssh.MaxPacketSize {
		return nil, ssh.ErrFraming
	}

	restCipher := make([]byte, length)
	if _, err := io.ReadFull(r, restCipher); err != nil {
		return nil, fmt.Errorf("%w: %v", ssh.ErrTruncated, err)
	}
	restPlain := make([]byte, length)
	s.stream.XORKeyStream(restPlain, restCipher)

	if size := s.mac.Size(); size > 0 {
		tag := make([]byte, size)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ssh.ErrTruncated, err)
		}
		plain := append(append([]byte{}, lenPlain[:]...), restPlain...)
		expect := s.mac.Compute(seq, plain)
		if subtle.ConstantTimeCompare(tag, expect) != 1 {
			return nil, ssh.ErrMacMismatch
		}
	}

	return ssh.ReadRawPacket(length, restPlain)
}
