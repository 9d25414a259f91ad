package kex

const msgKexInit = 20

// kexInit is the parsed form of an SSH_MSG_KEXINIT payload (RFC 4253 §7.1).
type kexInit struct {
	cookie                  [16]byte
	kexAlgorithms           []string
	hostKeyAlgorithms       []string
	ciphersClientToServer   []string
	ciphersServerToClient   []string
	macsClientToServer      []string
	macsServerToClient      []string
	compressClientToServer  []string
	compressServerToClient  []string
	firstKexPacketFollows   bool
}

func buildKexInit(cookie [16]byte, kexAlgos, hostKeyAlgos, ciphersC2S, ciphersS2C, macsC2S, macsS2C, compC2S, compS2C []string) []byte {
	b := make([]byte, 0, 256)
	b = append(b, msgKexInit)
	b = append(b, cookie[:]...)
	b = appendNameList(b, kexAlgos)
	b = appendNameList(b, hostKeyAlgos)
	b = appendNameList(b, ciphersC2S)
	b = appendNameList(b, ciphersS2C)
	b = appendNameList(b, macsC2S)
	b = appendNameList(b, macsS2C)
	b = appendNameList(b, compC2S)
	b = appendNameList(b, compS2C)
	b = appendNameList(b, nil) // languages client-to-server
	b = appendNameList(b, nil) // languages server-to-client
	b = appendBool(b, false)   // first_kex_packet_follows
	b = appendUint32(b, 0)     // reserved
	return b
}

// parseKexInit parses full, the complete SSH_MSG_KEXINIT payload including
// its leading message-type byte.
func parseKexInit(full []byte) (*kexInit, error) {
	if len(full) < 1 || full[0] != msgKexInit {
		return nil, errUnexpected("expected KEXINIT")
	}
	b := full[1:]
	if len(b) < 16 {
		return nil, errUnexpected("truncated KEXINIT cookie")
	}
	ki := &kexInit{}
	copy(ki.cookie[:], b[:16])
	b = b[16:]

	fields := [][]*[]string{
		{&ki.kexAlgorithms},
		{&ki.hostKeyAlgorithms},
		{&ki.ciphersClientToServer},
		{&ki.ciphersServerToClient},
		{&ki.macsClientToServer},
		{&ki.macsServerToClient},
		{&ki.compressClientToServer},
		{&ki.compressServerToClient},
	}
	for _, f := range fields {
		list, rest, err := readNameList(b)
		if err != nil {
			return nil, err
		}
		*f[0] = list
		b = rest
	}
	// two language name-lists, ignored
	for i := 0; i < 2; i++ {
		_, rest, err := readNameList(b)
		if err != nil {
			return nil, err
		}
		b = rest
	}
	follows, rest, err := readBool(b)
	if err != nil {
		return nil, err
	}
	ki.firstKexPacketFollows = follows
	_ = rest
	return ki, nil
}

type kexError string

func errUnexpected(msg string) error { return kexError(msg) }
func (e kexError) Error() string     { return "ssh/kex: " + string(e) }
