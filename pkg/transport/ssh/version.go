package ssh

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const maxBannerLines = 50
const maxBannerLineLen = 255

// VersionExchange performs the RFC 4253 §4.2 identification string
// exchange and retains both banners verbatim (without the CR-LF
// terminator), since they are mandatory hash inputs to every KEX.
type VersionExchange struct {
	LocalBanner  string
	RemoteBanner string

	// Reader is the buffered reader Exchange used to find the banner's
	// terminating newline. The OS read that delivered the banner commonly
	// delivers the start of the peer's KEXINIT in the same segment, so the
	// caller must keep reading through this reader rather than the raw
	// connection, or those already-buffered bytes are lost.
	Reader *bufio.Reader
}

// Exchange writes our banner and reads the peer's, returning populated
// local/remote banners or a HandshakeError-flavored sentinel. logger may be
// nil.
func Exchange(w io.Writer, r io.Reader, clientVersion string, logger *zap.Logger) (*VersionExchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local := "SSH-2.0-" + clientVersion
	if _, err := io.WriteString(w, local+"\r\n"); err != nil {
		return nil, fmt.Errorf("ssh: writing version banner: %w", err)
	}

	br := bufio.NewReader(r)
	for i := 0; i < maxBannerLines; i++ {
		line, err := readBannerLine(br)
		if err != nil {
			logger.Debug("version exchange failed reading banner", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrNoBanner, err)
		}
		if !strings.HasPrefix(line, "SSH-") {
			// RFC 4253 allows arbitrary lines before the version line,
			// to be displayed to the user; discard and keep reading.
			continue
		}
		if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
			logger.Debug("peer offered unsupported version", zap.String("banner", line))
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, line)
		}
		logger.Debug("version exchange complete", zap.String("local", local), zap.String("remote", line))
		return &VersionExchange{LocalBanner: local, RemoteBanner: line, Reader: br}, nil
	}
	return nil, ErrNoBanner
}

// readBannerLine reads one CR-LF or LF terminated line, stripping the
// terminator, bounded in length to avoid unbounded memory growth from a
// misbehaving or hostile peer.
func readBannerLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			s := sb.String()
			s = strings.TrimSuffix(s, "\r")
			return s, nil
		}
		if sb.Len() < maxBannerLineLen {
			sb.WriteByte(b)
		}
	}
}
