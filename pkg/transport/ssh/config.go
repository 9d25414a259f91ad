package ssh

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ppb2020/sshtransport/internal/timeconfig"
)

// IPVersion selects which address family to prefer when resolving the
// remote host.
type IPVersion int

const (
	// IPAny uses the system's default address-family ordering.
	IPAny IPVersion = iota
	// IPv4Only connects only to the first resolved IPv4 address.
	IPv4Only
	// IPv6Only connects only to the first resolved IPv6 address.
	IPv6Only
)

// CryptoWishList carries the caller's preferred algorithms, most preferred
// first, for each negotiated category. The KexEngine consumes this when
// building its own KEXINIT proposal; the transport itself never inspects
// algorithm names.
type CryptoWishList struct {
	KexAlgos               []string
	HostKeyAlgos           []string
	CiphersClientToServer  []string
	CiphersServerToClient  []string
	MACsClientToServer     []string
	MACsServerToClient     []string
	CompressionClientToSvr []string
	CompressionSvrToClient []string
}

// DHGexParameters bounds group-exchange KEX group sizes, per RFC 4419.
type DHGexParameters struct {
	MinBits     int
	PreferBits  int
	MaxBits     int
}

// DefaultDHGexParameters mirrors OpenSSH's defaults.
func DefaultDHGexParameters() DHGexParameters {
	return DHGexParameters{MinBits: 2048, PreferBits: 3072, MaxBits: 8192}
}

// ServerHostKeyVerifier is consulted by the KexEngine to accept or reject
// the peer's host key; the transport never inspects host keys itself.
type ServerHostKeyVerifier interface {
	VerifyHostKey(hostname string, remote net.Addr, keyType string, keyBlob []byte) error
}

// SecureRandom is the CSPRNG used for padding and any nonce material the
// transport itself needs to generate (as opposed to KEX, which has its own
// randomness requirements).
type SecureRandom interface {
	io.Reader
}

// cryptoRandReader is the trivial default SecureRandom: crypto/rand is the
// right tool for this and no third-party library improves on it (a CSPRNG
// is an OS-backed syscall wrapper, not a place for an ecosystem
// dependency).
type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) { return rand.Read(p) }

// DefaultSecureRandom returns the stdlib CSPRNG.
func DefaultSecureRandom() SecureRandom { return cryptoRandReader{} }

// ProxyDialer lets a caller substitute an already-connected socket for the
// transport's own dial logic (e.g. a SOCKS or jump-host proxy).
type ProxyDialer interface {
	DialContext(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error)
}

// Config is the caller-supplied, immutable-after-construction configuration
// for a single Transport. There are no environment variables and no
// persisted state (per spec Non-goals): every field here is set by the
// caller at construction time.
type Config struct {
	Host string
	Port int

	IPVersion      IPVersion
	ConnectTimeout time.Duration

	Wishlist CryptoWishList
	DHGex    DHGexParameters

	HostKeyVerifier ServerHostKeyVerifier
	Random          SecureRandom
	Proxy           ProxyDialer

	// ClientVersion is this side's identification string, without the
	// "SSH-2.0-" prefix or line terminator, e.g. "myclient_1.0".
	ClientVersion string

	Logger *zap.Logger
}

// withDefaults fills unset fields with sane defaults, mirroring
// DefaultConnectionConfig()'s role in the teacher.
func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = timeconfig.Get().DialTimeout
	}
	if c.Random == nil {
		c.Random = DefaultSecureRandom()
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "sshtransport_1.0"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.DHGex == (DHGexParameters{}) {
		c.DHGex = DefaultDHGexParameters()
	}
	return c
}
