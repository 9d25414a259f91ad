package ssh

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MaxPacketSize is the largest SSH payload this codec will read, per RFC
// 4253's recommended maximum plus margin for framing overhead. The
// dispatcher's reusable receive buffer is sized to this.
const MaxPacketSize = 35000

const minPaddingLength = 4

// BlockCipher is the pluggable leaf that knows how to turn one plaintext
// payload into wire bytes (and back), including all framing, padding and
// authentication for its algorithm. A "none" cipher (see codec.go's
// noneCipher) implements this with no encryption and no authentication,
// used before the first KEX completes. AEAD suites (aes-gcm,
// chacha20-poly1305) fold MAC verification into ReadPacket/WritePacket
// directly; classic stream/CBC suites pair with a separate MAC via
// NewStreamSuite.
type BlockCipher interface {
	// WritePacket encrypts and frames payload for sequence number seq and
	// writes the result to w.
	WritePacket(seq uint32, w io.Writer, rnd io.Reader, payload []byte) error
	// ReadPacket reads, authenticates and decrypts one packet for
	// sequence number seq from r, returning its plaintext payload.
	ReadPacket(seq uint32, r io.Reader) ([]byte, error)
	// Overhead is an upper bound on the bytes this suite adds to a
	// payload (length field, padding, MAC/tag).
	Overhead() int
}

// MAC authenticates packets for non-AEAD cipher suites.
type MAC interface {
	Size() int
	Compute(seq uint32, plainPacket []byte) []byte
}

// Compressor compresses/decompresses packet payloads.
type Compressor interface {
	Compress(payload []byte) []byte
	Decompress(payload []byte) ([]byte, error)
}

// noneCipher implements BlockCipher with no encryption and no MAC; it is
// the initial state of both directions before the first KEX completes.
type noneCipher struct{}

func (noneCipher) Overhead() int { return 4 + 1 + 255 } // length + padlen + max padding

func (noneCipher) WritePacket(seq uint32, w io.Writer, rnd io.Reader, payload []byte) error {
	packet, _, err := framePlaintext(payload, 8, rnd)
	if err != nil {
		return err
	}
	_, err = w.Write(packet)
	return err
}

func (noneCipher) ReadPacket(seq uint32, r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1+minPaddingLength || length > MaxPacketSize {
		return nil, ErrFraming
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	padLen := int(rest[0])
	if padLen < minPaddingLength || padLen > len(rest)-1 {
		return nil, ErrFraming
	}
	payload := rest[1 : len(rest)-padLen]
	return payload, nil
}

// framePlaintext builds the RFC 4253 plaintext packet (length, padding
// length, payload, random padding) for a given cipher block size. Shared
// by noneCipher and every stream-suite cipher in pkg/transport/ssh/cipher,
// which is why it is exported.
func framePlaintext(payload []byte, blockSize int, rnd io.Reader) (packet []byte, padLen byte, err error) {
	if blockSize < 8 {
		blockSize = 8
	}
	total := 1 + len(payload) + minPaddingLength
	pad := blockSize - (total % blockSize)
	if pad < minPaddingLength {
		pad += blockSize
	}
	if pad > 255 {
		pad -= blockSize
	}
	padding := make([]byte, pad)
	if _, err = io.ReadFull(rnd, padding); err != nil {
		return nil, 0, err
	}

	body := make([]byte, 1+len(payload)+pad)
	body[0] = byte(pad)
	copy(body[1:], payload)
	copy(body[1+len(payload):], padding)

	packet = make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(packet[:4], uint32(len(body)))
	copy(packet[4:], body)
	return packet, byte(pad), nil
}

// FramePlaintext exposes framePlaintext to sibling cipher-suite packages
// that need the exact same length/padding layout this codec expects.
func FramePlaintext(payload []byte, blockSize int, rnd io.Reader) ([]byte, byte, error) {
	return framePlaintext(payload, blockSize, rnd)
}

// ReadRawPacket reads one length-prefixed plaintext (post-decryption)
// packet body from r and strips padding, for cipher suites that decrypt
// in place and hand the codec the plaintext framing to parse.
func ReadRawPacket(length uint32, body []byte) ([]byte, error) {
	if length < 1+minPaddingLength || int(length) != len(body) {
		return nil, ErrFraming
	}
	padLen := int(body[0])
	if padLen < minPaddingLength || padLen > len(body)-1 {
		return nil, ErrFraming
	}
	return body[1 : len(body)-padLen], nil
}

// codecHalf holds the independent per-direction state of a PacketCodec.
type codecHalf struct {
	mu         sync.Mutex
	cipher     BlockCipher
	compressor Compressor
	compress   int32 // atomic bool, flipped by StartCompression
	seq        uint32
}

func newCodecHalf() *codecHalf {
	return &codecHalf{cipher: noneCipher{}, compressor: noCompressor{}}
}

func (h *codecHalf) nextSeq() uint32 {
	return atomic.AddUint32(&h.seq, 1) - 1
}

func (h *codecHalf) reset() {
	atomic.StoreUint32(&h.seq, 0)
}

// PacketCodec frames, encrypts, authenticates, and (optionally)
// compresses outbound packets, and performs the inverse on inbound
// packets. Its two halves are fully independent so a send and a receive
// may proceed concurrently against the same underlying net.Conn, which
// the caller supplies as separate io.Writer/io.Reader views (or a single
// net.Conn implementing both).
type PacketCodec struct {
	w io.Writer
	r io.Reader

	send *codecHalf
	recv *codecHalf

	rnd    SecureRandom
	logger *zap.Logger
}

// NewPacketCodec builds a codec with both halves in the "none"
// cipher/MAC/compression state, as required before the first KEX. logger
// may be nil.
func NewPacketCodec(w io.Writer, r io.Reader, rnd SecureRandom, logger *zap.Logger) *PacketCodec {
	if rnd == nil {
		rnd = DefaultSecureRandom()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PacketCodec{w: w, r: r, send: newCodecHalf(), recv: newCodecHalf(), rnd: rnd, logger: logger}
}

// SendOne writes one SSH binary packet and advances the send sequence
// number. It is the caller's responsibility (SendCoordinator) to
// serialize calls to SendOne.
func (c *PacketCodec) SendOne(payload []byte) error {
	h := c.send
	h.mu.Lock()
	defer h.mu.Unlock()

	if atomic.LoadInt32(&h.compress) == 1 {
		payload = h.compressor.Compress(payload)
	}
	seq := h.nextSeq()
	if err := h.cipher.WritePacket(seq, c.w, c.rnd, payload); err != nil {
		c.logger.Debug("codec write failed", zap.Uint32("seq", seq), zap.Error(err))
		return err
	}
	return nil
}

// ReceiveOne blocks until one complete packet is available, decodes it,
// and returns the plaintext payload. Only the dispatcher goroutine calls
// this.
func (c *PacketCodec) ReceiveOne() ([]byte, error) {
	h := c.recv
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := h.nextSeq()
	payload, err := h.cipher.ReadPacket(seq, c.r)
	if err != nil {
		c.logger.Debug("codec read failed", zap.Uint32("seq", seq), zap.Error(err))
		return nil, err
	}
	if atomic.LoadInt32(&h.compress) == 1 {
		payload, err = h.compressor.Decompress(payload)
		if err != nil {
			c.logger.Debug("codec decompress failed", zap.Uint32("seq", seq), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrFraming, err)
		}
	}
	return payload, nil
}

// PacketOverheadEstimate returns an upper bound on bytes added to a
// payload by the current send cipher, used by channel-layer window sizing.
func (c *PacketCodec) PacketOverheadEstimate() int {
	c.send.mu.Lock()
	defer c.send.mu.Unlock()
	return c.send.cipher.Overhead()
}

// SetSendCipher installs a new send-direction cipher, used during rekey.
func (c *PacketCodec) SetSendCipher(ci BlockCipher) {
	c.send.mu.Lock()
	defer c.send.mu.Unlock()
	c.send.cipher = ci
	c.logger.Debug("send cipher installed")
}

// SetRecvCipher installs a new receive-direction cipher, used during rekey.
func (c *PacketCodec) SetRecvCipher(ci BlockCipher) {
	c.recv.mu.Lock()
	defer c.recv.mu.Unlock()
	c.recv.cipher = ci
	c.logger.Debug("recv cipher installed")
}

// SetSendCompressor installs a new send-direction compressor.
func (c *PacketCodec) SetSendCompressor(cm Compressor) {
	c.send.mu.Lock()
	defer c.send.mu.Unlock()
	c.send.compressor = cm
}

// SetRecvCompressor installs a new receive-direction compressor.
func (c *PacketCodec) SetRecvCompressor(cm Compressor) {
	c.recv.mu.Lock()
	defer c.recv.mu.Unlock()
	c.recv.compressor = cm
}

// StartCompression activates delayed compression (zlib@openssh.com) on
// both directions; it is a no-op if no compressor besides "none" was
// installed via SetSendCompressor/SetRecvCompressor.
func (c *PacketCodec) StartCompression() {
	atomic.StoreInt32(&c.send.compress, 1)
	atomic.StoreInt32(&c.recv.compress, 1)
}

// ResetSendSeq zeroes the send sequence number; invoked only immediately
// after installing post-rekey keys when strict-kex was negotiated.
func (c *PacketCodec) ResetSendSeq() {
	c.send.reset()
	c.logger.Debug("send sequence number reset", zap.String("reason", "strict-kex"))
}

// ResetRecvSeq zeroes the receive sequence number; invoked only
// immediately after installing post-rekey keys when strict-kex was
// negotiated.
func (c *PacketCodec) ResetRecvSeq() {
	c.recv.reset()
	c.logger.Debug("recv sequence number reset", zap.String("reason", "strict-kex"))
}

// noCompressor is the identity Compressor used before delayed compression
// is activated (or when "none" was negotiated).
type noCompressor struct{}

func (noCompressor) Compress(p []byte) []byte             { return p }
func (noCompressor) Decompress(p []byte) ([]byte, error) { return p, nil }
