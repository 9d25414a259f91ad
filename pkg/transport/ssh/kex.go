package ssh

import "net"

// ConnectionInfo is the negotiated state produced by one completed KEX,
// returned to callers blocked in GetOrWaitForConnectionInfo.
type ConnectionInfo struct {
	KexAlgorithm     string
	HostKeyAlgorithm string
	CipherClientToServer string
	CipherServerToClient string
	MACClientToServer    string
	MACServerToClient    string
	HostKey          []byte
	SessionID        []byte
}

// KexCallbacks is the callback surface a KexEngine uses to emit its own
// protocol messages, install newly derived keys, and signal completion.
// The transport passes a KexCallbacks implementation (backed by its
// SendCoordinator and PacketCodec) at engine construction time rather than
// handing the engine the whole Transport, to avoid an ownership cycle (see
// spec design note on the Transport<->KexEngine cyclic reference).
type KexCallbacks interface {
	// SendKexMessage emits a KEX-privileged packet; it may be called
	// while application sends are parked.
	SendKexMessage(payload []byte) error

	// InstallCiphers swaps in newly derived send/recv ciphers.
	InstallCiphers(send, recv BlockCipher)

	// InstallCompressors swaps in newly derived send/recv compressors.
	InstallCompressors(send, recv Compressor)

	// ResetSequenceNumbers zeroes both directions' sequence numbers; the
	// engine must call this only when it has determined strict-kex was
	// negotiated, immediately after InstallCiphers for the same KEX.
	ResetSequenceNumbers()

	// KexFinished signals that NEWKEYS has been exchanged in both
	// directions, releasing any application senders parked during KEX.
	KexFinished()

	// LocalVersion and RemoteVersion return the identification strings
	// exchanged during version exchange (without the trailing CRLF), as
	// required inputs to the KEX exchange hash.
	LocalVersion() []byte
	RemoteVersion() []byte

	// HostKeyVerifier, Random, Hostname and RemoteAddr expose the pieces
	// of Config a KexEngine needs but that Initiate's signature does not
	// carry directly, so the engine has everything it needs from a single
	// callback surface.
	HostKeyVerifier() ServerHostKeyVerifier
	Random() SecureRandom
	Hostname() string
	RemoteAddr() net.Addr
}

// KexEngine drives key exchange and rekeying. Its internals (hash
// computation, DH/ECDH arithmetic, host-key verification) are explicitly
// out of the transport's scope; the transport only depends on this
// interface. See pkg/transport/ssh/kex for a concrete implementation.
type KexEngine interface {
	// Initiate starts an initial or re-keying KEX, proposing algorithms
	// from wishlist and, if group-exchange is selected, the given bounds.
	Initiate(wishlist CryptoWishList, dhGex DHGexParameters) error

	// HandleMessage forwards one inbound packet whose type is KEXINIT,
	// NEWKEYS, or in 30..49. A nil payload means the transport is
	// closing and any waiters should be released with an error.
	HandleMessage(payload []byte) error

	// IsStrictKex reports whether both sides advertised the strict-kex
	// countermeasure tokens in their KEXINIT.
	IsStrictKex() bool

	// SessionID returns the exchange hash of the first completed KEX,
	// stable for the connection's lifetime.
	SessionID() []byte

	// GetOrWaitForConnectionInfo blocks until the n-th (1-indexed) KEX
	// completes and returns its negotiated parameters.
	GetOrWaitForConnectionInfo(n int) (ConnectionInfo, error)
}
