// Package cipher provides concrete ssh.BlockCipher implementations for
// the AEAD suites negotiated after KEX. The transport package only ever
// depends on the ssh.BlockCipher interface; these are the pluggable
// leaves a KexEngine installs via ssh.KexCallbacks.InstallCiphers.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
)

// aeadSuite implements ssh.BlockCipher for any AEAD whose tag fully
// authenticates the packet, with the 4-byte length field sent as
// associated data in the clear (the aes*-gcm@openssh.com convention).
// chacha20-poly1305@openssh.com additionally encrypts the length field
// with a second, per-packet ChaCha20 keystream keyed off lengthKey and
// the packet sequence number; lengthKey is nil for the plain GCM suites.
type aeadSuite struct {
	aead      stdcipher.AEAD
	lengthKey []byte
}

// NewAESGCM builds an aes128-gcm@openssh.com / aes256-gcm@openssh.com
// suite (selected by len(key)) with the packet length sent as associated
// data, per OpenSSH's AES-GCM convention.
func NewAESGCM(key []byte) (ssh.BlockCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ssh/cipher: aes-gcm key: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ssh/cipher: aes-gcm: %w", err)
	}
	return &aeadSuite{aead: aead}, nil
}

// NewChaCha20Poly1305 builds a chacha20-poly1305@openssh.com suite from a
// 64-byte key (32 bytes for the main cipher, 32 for the length-field
// cipher), per OpenSSH's PROTOCOL.chacha20poly1305 convention.
func NewChaCha20Poly1305(key []byte) (ssh.BlockCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("ssh/cipher: chacha20-poly1305 requires a 64-byte key, got %d", len(key))
	}
	aead, err := chacha20poly1305.New(key[:32])
	if err != nil {
		return nil, fmt.Errorf("ssh/cipher: chacha20-poly1305: %w", err)
	}
	lengthKey := make([]byte, 32)
	copy(lengthKey, key[32:])
	return &aeadSuite{aead: aead, lengthKey: lengthKey}, nil
}

func (s *aeadSuite) Overhead() int { return 4 + s.aead.Overhead() }

func (s *aeadSuite) seqNonce(seq uint32) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// maskLength XORs the 4-byte length field with a fresh per-packet
// keystream derived from the sequence number, when a length-obfuscating
// suite (chacha20-poly1305) is in use.
func (s *aeadSuite) maskLength(seq uint32, field []byte) ([]byte, error) {
	if s.lengthKey == nil {
		return field, nil
	}
	nonce := s.seqNonce(seq)
	c, err := chacha20.NewUnauthenticatedCipher(s.lengthKey, nonce[:])
	if err != nil {
		return nil, fmt.Errorf("ssh/cipher: length stream: %w", err)
	}
	out := make([]byte, 4)
	c.XORKeyStream(out, field)
	return out, nil
}

func (s *aeadSuite) WritePacket(seq uint32, w io.Writer, rnd io.Reader, payload []byte) error {
	plain, _, err := ssh.FramePlaintext(payload, 8, rnd)
	if err != nil {
		return err
	}
	lengthField := plain[:4]
	body := plain[4:]

	nonce := s.seqNonce(seq)
	ciphertext := s.aead.Seal(body[:0], nonce[:], body, lengthField)

	outLength, err := s.maskLength(seq, lengthField)
	if err != nil {
		return err
	}
	if _, err := w.Write(outLength); err != nil {
		return err
	}
	_, err = w.Write(ciphertext)
	return err
}

func (s *aeadSuite) ReadPacket(seq uint32, r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ssh.ErrTruncated, err)
	}
	lengthField, err := s.maskLength(seq, lenBuf[:])
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthField)
	if length < 1 || length > ssh.MaxPacketSize {
		return nil, ssh.ErrFraming
	}

	ciphertext := make([]byte, int(length)+s.aead.Overhead())
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, fmt.Errorf("%w: %v", ssh.ErrTruncated, err)
	}

	nonce := s.seqNonce(seq)
	plain, err := s.aead.Open(ciphertext[:0], nonce[:], ciphertext, lengthField)
	if err != nil {
		return nil, ssh.ErrMacMismatch
	}
	return ssh.ReadRawPacket(length, plain)
}
