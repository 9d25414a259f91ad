// Package kex provides a reference KexEngine implementation,
// curve25519-sha256 (RFC 8731), wired to the ssh package purely through
// ssh.KexCallbacks and ssh.KexEngine. Signature verification of the
// host key over the exchange hash, and every cipher/MAC suite besides
// aes128-gcm@openssh.com, are intentionally out of scope for this
// reference engine: a production engine would extend negotiation and
// plug in real signature algorithms, but the transport package itself
// never needs to know that.
package kex

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	ssh "github.com/ppb2020/sshtransport/pkg/transport/ssh"
	"github.com/ppb2020/sshtransport/pkg/transport/ssh/cipher"
	"github.com/ppb2020/sshtransport/pkg/transport/ssh/compress"
)

const (
	kexAlgoCurve25519    = "curve25519-sha256"
	kexAlgoCurve25519Alt = "curve25519-sha256@libssh.org"
	strictKexClientToken = "kex-strict-c-v00@openssh.com"
	strictKexServerToken = "kex-strict-s-v00@openssh.com"

	msgKexEcdhInit  = 30
	msgKexEcdhReply = 31
	msgNewKeys      = 21
)

var ErrNoCommonAlgorithm = errors.New("ssh/kex: no common algorithm")
var errEngineClosed = errors.New("ssh/kex: transport closed during key exchange")

type phase int

const (
	phaseIdle phase = iota
	phaseSentKexInit
	phaseSentEcdhInit
	phaseWaitNewKeys
)

// Curve25519SHA256 is a client-role KexEngine for curve25519-sha256.
type Curve25519SHA256 struct {
	cb     ssh.KexCallbacks
	logger *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	phase phase

	localKexInit []byte
	peerKexInit  []byte
	strict       bool

	ourScalar [32]byte
	ourPublic [32]byte

	pendingCipherC2S ssh.BlockCipher
	pendingCipherS2C ssh.BlockCipher
	pendingCompC2S   ssh.Compressor
	pendingCompS2C   ssh.Compressor

	localNewKeysSent    bool
	peerNewKeysReceived bool

	sessionID []byte
	kexCount  int
	infos     []ssh.ConnectionInfo

	closed   bool
	closeErr error
}

// NewEngine builds a Curve25519SHA256 engine bound to cb. Its signature
// matches ssh.KexEngineFactory modulo the logger, so callers typically
// wrap it: ssh.New(cfg, func(cb ssh.KexCallbacks) ssh.KexEngine {
// return kex.NewEngine(cb, logger) }).
func NewEngine(cb ssh.KexCallbacks, logger *zap.Logger) *Curve25519SHA256 {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Curve25519SHA256{cb: cb, logger: logger}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Curve25519SHA256) Initiate(wishlist ssh.CryptoWishList, dhGex ssh.DHGexParameters) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}

	var cookie [16]byte
	if _, err := e.cb.Random().Read(cookie[:]); err != nil {
		return fmt.Errorf("ssh/kex: cookie: %w", err)
	}

	kexAlgos := append(append([]string{}, wishlist.KexAlgos...), strictKexClientToken)
	if len(wishlist.KexAlgos) == 0 {
		kexAlgos = []string{kexAlgoCurve25519, kexAlgoCurve25519Alt, strictKexClientToken}
	}

	payload := buildKexInit(cookie, kexAlgos, wishlist.HostKeyAlgos,
		wishlist.CiphersClientToServer, wishlist.CiphersServerToClient,
		wishlist.MACsClientToServer, wishlist.MACsServerToClient,
		wishlist.CompressionClientToSvr, wishlist.CompressionSvrToClient)

	e.localKexInit = payload
	e.peerKexInit = nil
	e.localNewKeysSent = false
	e.peerNewKeysReceived = false
	e.phase = phaseSentKexInit

	if err := e.cb.SendKexMessage(payload); err != nil {
		return err
	}
	return nil
}

func (e *Curve25519SHA256) HandleMessage(payload []byte) error {
	if payload == nil {
		e.mu.Lock()
		e.closed = true
		e.closeErr = errEngineClosed
		e.cond.Broadcast()
		e.mu.Unlock()
		return nil
	}

	switch payload[0] {
	case msgKexInit:
		return e.handleKexInit(payload)
	case msgKexEcdhReply:
		return e.handleEcdhReply(payload)
	case msgNewKeys:
		return e.handleNewKeys()
	default:
		return fmt.Errorf("ssh/kex: unexpected message type %d during kex", payload[0])
	}
}

func (e *Curve25519SHA256) handleKexInit(payload []byte) error {
	peer, err := parseKexInit(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.peerKexInit = payload
	e.strict = contains(peer.kexAlgorithms, strictKexServerToken)

	if _, ok := pickAlgorithm([]string{kexAlgoCurve25519, kexAlgoCurve25519Alt}, peer.kexAlgorithms); !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: kex algorithm", ErrNoCommonAlgorithm)
	}
	if _, err := e.cb.Random().Read(e.ourScalar[:]); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("ssh/kex: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(e.ourScalar[:], curve25519.Basepoint)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("ssh/kex: derive public: %w", err)
	}
	copy(e.ourPublic[:], pub)
	e.phase = phaseSentEcdhInit
	e.mu.Unlock()

	init := make([]byte, 0, 1+4+32)
	init = append(init, msgKexEcdhInit)
	init = appendString(init, e.ourPublic[:])
	return e.cb.SendKexMessage(init)
}

func (e *Curve25519SHA256) handleEcdhReply(payload []byte) error {
	body := payload[1:]
	hostKeyBlob, rest, err := readString(body)
	if err != nil {
		return err
	}
	serverPub, rest, err := readString(rest)
	if err != nil {
		return err
	}
	signature, _, err := readString(rest)
	if err != nil {
		return err
	}
	_ = signature // signature verification is out of scope for this reference engine
	if len(serverPub) != 32 {
		return errors.New("ssh/kex: malformed server ephemeral public key")
	}

	e.mu.Lock()
	scalar := e.ourScalar
	ourPublic := e.ourPublic
	localKexInit := e.localKexInit
	peerKexInit := e.peerKexInit
	kexCount := e.kexCount
	e.mu.Unlock()

	shared, err := curve25519.X25519(scalar[:], serverPub)
	if err != nil {
		return fmt.Errorf("ssh/kex: ecdh: %w", err)
	}
	K := new(big.Int).SetBytes(shared)

	h := sha256.New()
	writeString(h, e.cb.LocalVersion())
	writeString(h, e.cb.RemoteVersion())
	writeString(h, localKexInit)
	writeString(h, peerKexInit)
	writeString(h, hostKeyBlob)
	writeString(h, ourPublic[:])
	writeString(h, serverPub)
	writeMPInt(h, K)
	H := h.Sum(nil)

	if v := e.cb.HostKeyVerifier(); v != nil {
		keyType, _, perr := readString(hostKeyBlob)
		if perr != nil {
			return fmt.Errorf("ssh/kex: malformed host key blob: %w", perr)
		}
		if err := v.VerifyHostKey(e.cb.Hostname(), e.cb.RemoteAddr(), string(keyType), hostKeyBlob); err != nil {
			return fmt.Errorf("ssh/kex: host key rejected: %w", err)
		}
	}

	var sessionID []byte
	e.mu.Lock()
	if kexCount == 0 {
		e.sessionID = H
	}
	sessionID = e.sessionID
	e.mu.Unlock()

	keyC2S := deriveKey(K, H, sessionID, 'C', 16)
	keyS2C := deriveKey(K, H, sessionID, 'D', 16)

	cipherC2S, err := cipher.NewAESGCM(keyC2S)
	if err != nil {
		return err
	}
	cipherS2C, err := cipher.NewAESGCM(keyS2C)
	if err != nil {
		return err
	}

	// This reference engine always negotiates "none" compression for
	// determinism; compress.Zlib is fully implemented (see the compress
	// package) for engines that do negotiate zlib@openssh.com.
	compC2S := ssh.Compressor(compress.None{})
	compS2C := ssh.Compressor(compress.None{})

	e.mu.Lock()
	e.pendingCipherC2S = cipherC2S
	e.pendingCipherS2C = cipherS2C
	e.pendingCompC2S = compC2S
	e.pendingCompS2C = compS2C
	e.mu.Unlock()

	if err := e.cb.SendKexMessage([]byte{msgNewKeys}); err != nil {
		return err
	}
	e.mu.Lock()
	e.localNewKeysSent = true
	e.phase = phaseWaitNewKeys
	e.mu.Unlock()
	return e.maybeFinish()
}

func (e *Curve25519SHA256) handleNewKeys() error {
	e.mu.Lock()
	e.peerNewKeysReceived = true
	e.mu.Unlock()
	return e.maybeFinish()
}

// maybeFinish installs the newly derived keys and signals completion once
// NEWKEYS has been both sent and received for the current kex.
func (e *Curve25519SHA256) maybeFinish() error {
	e.mu.Lock()
	if !e.localNewKeysSent || !e.peerNewKeysReceived {
		e.mu.Unlock()
		return nil
	}
	cipherC2S, cipherS2C := e.pendingCipherC2S, e.pendingCipherS2C
	compC2S, compS2C := e.pendingCompC2S, e.pendingCompS2C
	strict := e.strict
	e.mu.Unlock()

	e.cb.InstallCiphers(cipherC2S, cipherS2C)
	e.cb.InstallCompressors(compC2S, compS2C)
	// Every strict-kex-negotiated completion resets both sequence numbers
	// to 0 at the packet boundary, not just the first — spec.md §8
	// testable property 1 ties the reset to strict-kex being negotiated,
	// with no first-kex qualifier.
	if strict {
		e.cb.ResetSequenceNumbers()
	}

	e.mu.Lock()
	e.kexCount++
	kexNumber := e.kexCount
	e.localNewKeysSent = false
	e.peerNewKeysReceived = false
	e.phase = phaseIdle
	info := ssh.ConnectionInfo{
		KexAlgorithm:         kexAlgoCurve25519,
		HostKeyAlgorithm:     "",
		CipherClientToServer: "aes128-gcm@openssh.com",
		CipherServerToClient: "aes128-gcm@openssh.com",
		MACClientToServer:    "",
		MACServerToClient:    "",
		SessionID:            e.sessionID,
	}
	e.infos = append(e.infos, info)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.logger.Debug("kex finished", zap.Int("count", kexNumber), zap.Bool("strict", strict))
	e.cb.KexFinished()
	return nil
}

func (e *Curve25519SHA256) IsStrictKex() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strict
}

func (e *Curve25519SHA256) SessionID() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *Curve25519SHA256) GetOrWaitForConnectionInfo(n int) (ssh.ConnectionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.infos) < n && !e.closed {
		e.cond.Wait()
	}
	if len(e.infos) >= n {
		return e.infos[n-1], nil
	}
	return ssh.ConnectionInfo{}, e.closeErr
}
