package ssh

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeHappyPath(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("SSH-2.0-OpenSSH_9.6\r\n")

	ver, err := Exchange(&out, in, "sshtransport_1.0", nil)
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-sshtransport_1.0", ver.LocalBanner)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", ver.RemoteBanner)
	assert.Equal(t, "SSH-2.0-sshtransport_1.0\r\n", out.String())
}

func TestExchangeSkipsPreambleLines(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("Welcome to our server\nSSH-2.0-libssh_0.10\n")

	ver, err := Exchange(&out, in, "c", nil)
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-libssh_0.10", ver.RemoteBanner)
}

func TestExchangeRejectsUnsupportedVersion(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("SSH-1.5-OldServer\r\n")

	_, err := Exchange(&out, in, "c", nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestExchangeNoBannerWithinLimit(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(strings.Repeat("junk line\n", maxBannerLines+1))

	_, err := Exchange(&out, in, "c", nil)
	assert.ErrorIs(t, err, ErrNoBanner)
}

// TestExchangeRetainsBytesAfterBanner guards against losing whatever the
// peer's first post-banner packet put in the same TCP segment as the
// banner line: Exchange's returned Reader must still yield those bytes to
// a subsequent read, rather than discarding them with a throwaway
// bufio.Reader.
func TestExchangeRetainsBytesAfterBanner(t *testing.T) {
	var out bytes.Buffer
	trailing := []byte("trailing packet bytes that arrived with the banner")
	in := bytes.NewReader(append([]byte("SSH-2.0-OpenSSH_9.6\r\n"), trailing...))

	ver, err := Exchange(&out, in, "c", nil)
	require.NoError(t, err)
	require.NotNil(t, ver.Reader)

	got := make([]byte, len(trailing))
	_, err = ver.Reader.Read(got)
	require.NoError(t, err)
	assert.Equal(t, trailing, got)
}
