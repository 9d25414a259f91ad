// Package compress provides ssh.Compressor implementations, notably the
// delayed zlib@openssh.com scheme that the dispatcher activates only
// after SSH_MSG_USERAUTH_SUCCESS (see PacketCodec.StartCompression).
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
)

// None is the identity Compressor, used before compression is negotiated
// or when "none" was chosen.
type None struct{}

func (None) Compress(p []byte) []byte             { return p }
func (None) Decompress(p []byte) ([]byte, error) { return p, nil }

// Zlib implements zlib@openssh.com. A single stream spans every packet on
// one direction, so the writer and reader are built once and reused for
// the life of the connection rather than per packet. Compress flushes
// after every payload, so each packet carries a self-contained run of
// complete DEFLATE blocks and Decompress never has to block mid-packet
// waiting for more input.
type Zlib struct {
	mu sync.Mutex

	writeBuf *bytes.Buffer
	writer   *zlib.Writer

	reader   io.ReadCloser
	readSrc  *bytes.Buffer
}

// NewZlib builds a fresh, independent zlib compression stream for one
// direction.
func NewZlib() *Zlib {
	buf := &bytes.Buffer{}
	return &Zlib{
		writeBuf: buf,
		writer:   zlib.NewWriter(buf),
		readSrc:  &bytes.Buffer{},
	}
}

func (z *Zlib) Compress(payload []byte) []byte {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.writeBuf.Reset()
	_, _ = z.writer.Write(payload)
	_ = z.writer.Flush()

	out := make([]byte, z.writeBuf.Len())
	copy(out, z.writeBuf.Bytes())
	return out
}

func (z *Zlib) Decompress(payload []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.readSrc.Write(payload)
	if z.reader == nil {
		r, err := zlib.NewReader(z.readSrc)
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("ssh/compress: zlib header: %w", err)
		}
		z.reader = r
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := z.reader.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ssh/compress: zlib inflate: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out.Bytes(), nil
}

var _ ssh.Compressor = (*Zlib)(nil)
var _ ssh.Compressor = None{}
