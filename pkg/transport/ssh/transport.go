// Package ssh implements the SSH-2 transport-layer manager described by
// RFC 4253: version exchange, binary packet framing, key-exchange
// sequencing and rekeying, the strict-kex (Terrapin) countermeasure,
// ordered multiplexed dispatch, and orderly disconnect. Authentication,
// channels, and the KEX algorithm itself are external collaborators; see
// KexEngine, MessageHandler, and ConnectionMonitor.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ppb2020/sshtransport/internal/timeconfig"
)

// State is the lifecycle state of a Transport.
type State int32

const (
	StateFresh State = iota
	StateConnecting
	StateVersionExchanged
	StateKexInProgress
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnecting:
		return "connecting"
	case StateVersionExchanged:
		return "version_exchanged"
	case StateKexInProgress:
		return "kex_in_progress"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionMonitor is notified exactly once when the transport closes,
// for any reason. cause is nil only if the close was never driven by an
// error (e.g. cause may still be a polite-close message wrapped as an
// error, per spec §4.8).
type ConnectionMonitor interface {
	ConnectionLost(cause error)
}

// KexEngineFactory builds a KexEngine bound to cb, the transport's
// callback surface. A factory (rather than a pre-built engine) is used
// because the engine needs a KexCallbacks implementation that only exists
// once the Transport itself is under construction — see the
// Transport<->KexEngine cyclic-reference design note in spec §9.
type KexEngineFactory func(cb KexCallbacks) KexEngine

// Transport owns a single TCP connection to an SSH server and everything
// needed to speak RFC 4253 over it. Construct with New, bring it up with
// Initialize, and shut it down with Close.
type Transport struct {
	cfg Config

	conn net.Conn
	ver  *VersionExchange

	codec      *PacketCodec
	kex        KexEngine
	router     *MessageRouter
	async      *AsyncSendQueue
	sendCoord  *SendCoordinator
	identity   *dispatcherIdentity
	dispatcher *Dispatcher
	extInfo    *extInfoStore

	state int32 // atomic State

	mu               sync.Mutex
	closed           bool
	closeCause       error
	observers        []ConnectionMonitor
	observersNotified bool

	rekeyGroup singleflight.Group

	logger *zap.Logger
}

// New constructs a Transport that is not yet connected. kexFactory builds
// the KexEngine once the transport's callback surface is available.
func New(cfg Config, kexFactory KexEngineFactory) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:      cfg,
		router:   NewMessageRouter(cfg.Logger),
		identity: &dispatcherIdentity{},
		extInfo:  newExtInfoStore(),
		logger:   cfg.Logger,
		state:    int32(StateFresh),
	}
	t.kex = kexFactory(t)
	return t
}

func (t *Transport) setState(s State) {
	old := State(atomic.SwapInt32(&t.state, int32(s)))
	if old != s {
		t.logger.Debug("transport state transition", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// State returns the transport's current lifecycle state.
func (t *Transport) State() State { return State(atomic.LoadInt32(&t.state)) }

// Initialize opens the connection, performs version exchange, starts the
// first KEX, and launches the dispatcher goroutine. It blocks until the
// socket is connected and the version banners are exchanged; it does not
// wait for the first KEX to finish (callers that need that block on
// GetOrWaitForConnectionInfo).
func (t *Transport) Initialize(ctx context.Context) error {
	t.setState(StateConnecting)

	conn, err := dial(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("ssh: connect: %w", err)
	}
	t.conn = conn

	ver, err := Exchange(conn, conn, t.cfg.ClientVersion, t.logger)
	if err != nil {
		_ = conn.Close()
		return err
	}
	t.ver = ver
	t.setState(StateVersionExchanged)

	// ver.Reader is the buffered reader Exchange used to find the banner's
	// newline; it may already hold bytes belonging to the peer's first
	// post-banner packet, so the codec must read through it rather than
	// through conn directly.
	t.codec = NewPacketCodec(conn, ver.Reader, t.cfg.Random, t.logger)
	t.sendCoord = NewSendCoordinator(t.codec, t.identity, t.onSendError, t.logger)
	t.async = NewAsyncSendQueue(t.sendCoord, timeconfig.Get().AsyncIdleTimeout, t.logger)
	t.dispatcher = NewDispatcher(t.codec, t.kex, t.router, t.extInfo, t.identity, t.IsFirstKexFinished, t.onFatal, t.logger)

	t.setState(StateKexInProgress)
	if err := t.kex.Initiate(t.cfg.Wishlist, t.cfg.DHGex); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh: initiate kex: %w", err)
	}

	go t.dispatcher.Run()
	return nil
}

// Send transmits payload through the normal, KEX-quiesced application
// path. It must not be called from the dispatcher goroutine.
func (t *Transport) Send(payload []byte) error {
	return t.sendCoord.Send(payload)
}

// SendAsync enqueues payload for background delivery, never blocking the
// caller. Safe to call from a MessageHandler invoked by the dispatcher.
func (t *Transport) SendAsync(payload []byte) error {
	return t.async.SendAsync(payload)
}

// RegisterHandler adds h for message types in [low, high].
func (t *Transport) RegisterHandler(h MessageHandler, low, high byte) {
	t.router.Register(h, low, high)
}

// UnregisterHandler removes the first matching registration.
func (t *Transport) UnregisterHandler(h MessageHandler, low, high byte) {
	t.router.Unregister(h, low, high)
}

// AddObserver registers m to be notified exactly once when the transport
// closes.
func (t *Transport) AddObserver(m ConnectionMonitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, m)
}

// ExtensionInfo returns the most recently observed SSH_MSG_EXT_INFO
// contents.
func (t *Transport) ExtensionInfo() ExtensionInfo { return t.extInfo.get() }

// PacketOverheadEstimate delegates to the codec for channel-window sizing.
func (t *Transport) PacketOverheadEstimate() int { return t.codec.PacketOverheadEstimate() }

// IsFirstKexFinished reports whether the first KEX has completed.
func (t *Transport) IsFirstKexFinished() bool { return t.sendCoord.isFirstKexFinished() }

// IsKexOngoing reports whether a KEX (initial or rekey) is currently in
// progress.
func (t *Transport) IsKexOngoing() bool { return t.sendCoord.isKexOngoing() }

// CloseCause returns the error that caused the transport to close, or nil
// if it has not closed or closed without an error cause.
func (t *Transport) CloseCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCause
}

// ForceKeyExchange asks the KexEngine to start a rekey. It is the
// caller's responsibility to invoke this from outside the dispatcher
// goroutine; the engine itself acquires the send path via SendKexMessage.
// Concurrent callers collapse onto a single in-flight Initiate so a burst
// of rekey requests (e.g. several handlers independently noticing a byte
// or time threshold) never races two KEXINIT sends onto the wire.
func (t *Transport) ForceKeyExchange() error {
	_, err, _ := t.rekeyGroup.Do("rekey", func() (interface{}, error) {
		return nil, t.kex.Initiate(t.cfg.Wishlist, t.cfg.DHGex)
	})
	return err
}

// --- KexCallbacks implementation -------------------------------------------

// SendKexMessage implements KexCallbacks.
func (t *Transport) SendKexMessage(payload []byte) error {
	t.setState(StateKexInProgress)
	return t.sendCoord.sendKex(payload)
}

// InstallCiphers implements KexCallbacks.
func (t *Transport) InstallCiphers(send, recv BlockCipher) {
	t.codec.SetSendCipher(send)
	t.codec.SetRecvCipher(recv)
}

// InstallCompressors implements KexCallbacks.
func (t *Transport) InstallCompressors(send, recv Compressor) {
	t.codec.SetSendCompressor(send)
	t.codec.SetRecvCompressor(recv)
}

// ResetSequenceNumbers implements KexCallbacks.
func (t *Transport) ResetSequenceNumbers() {
	t.codec.ResetSendSeq()
	t.codec.ResetRecvSeq()
}

// KexFinished implements KexCallbacks.
func (t *Transport) KexFinished() {
	t.sendCoord.kexFinished()
	t.setState(StateReady)
}

// LocalVersion implements KexCallbacks.
func (t *Transport) LocalVersion() []byte { return []byte(t.ver.LocalBanner) }

// RemoteVersion implements KexCallbacks.
func (t *Transport) RemoteVersion() []byte { return []byte(t.ver.RemoteBanner) }

// HostKeyVerifier implements KexCallbacks.
func (t *Transport) HostKeyVerifier() ServerHostKeyVerifier { return t.cfg.HostKeyVerifier }

// Random implements KexCallbacks.
func (t *Transport) Random() SecureRandom { return t.cfg.Random }

// Hostname implements KexCallbacks.
func (t *Transport) Hostname() string { return t.cfg.Host }

// RemoteAddr implements KexCallbacks.
func (t *Transport) RemoteAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// --- close plumbing ---------------------------------------------------------

func (t *Transport) onSendError(err error) {
	t.hardClose(err)
}

func (t *Transport) onFatal(err error) {
	t.hardClose(err)
}

// hardClose implements the "not polite" branch of §4.8: close the socket
// first (outside any lock) so a blocked sender wakes with an I/O error,
// then mark the coordinator/transport closed and notify observers once.
func (t *Transport) hardClose(cause error) {
	t.logger.Error("transport hard close", zap.Error(cause))
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.finishClose(cause)
}

// Close implements §4.8's Lifecycle close. If polite, it attempts to send
// SSH_MSG_DISCONNECT (code 11, description cause.Error()) before closing
// the socket, swallowing any I/O error from that attempt. It is safe to
// call concurrently and more than once; only the first call's cause and
// effects are observable.
func (t *Transport) Close(cause error, polite bool) error {
	t.logger.Debug("transport close requested", zap.Bool("polite", polite), zap.Error(cause))
	if polite {
		desc := ""
		if cause != nil {
			desc = cause.Error()
		}
		if err := t.sendDisconnect(DisconnectByApplication, desc); err != nil {
			t.logger.Debug("polite disconnect send failed", zap.Error(err))
		}
		if t.conn != nil {
			_ = t.conn.Close()
		}
	} else {
		if t.conn != nil {
			_ = t.conn.Close()
		}
	}
	return t.finishClose(cause)
}

func (t *Transport) sendDisconnect(code uint32, description string) error {
	body := make([]byte, 0, 1+4+4+len(description)+4)
	body = append(body, MsgDisconnect)
	body = appendUint32(body, code)
	body = appendString(body, []byte(description))
	body = appendString(body, nil)
	return t.codec.SendOne(body)
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(b []byte, s []byte) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// finishClose performs the once-only state transition, coordinator
// shutdown, and observer notification shared by both the hard and polite
// close paths.
func (t *Transport) finishClose(cause error) error {
	t.mu.Lock()
	firstClose := !t.closed
	if firstClose {
		t.closed = true
		t.closeCause = cause
	}
	t.mu.Unlock()

	if !firstClose {
		t.logger.Debug("transport close already finished, ignoring later cause", zap.Error(cause))
	}

	if t.sendCoord != nil {
		t.sendCoord.shutdown(cause)
	}
	t.setState(StateClosed)

	t.notifyObservers(cause)

	if !firstClose {
		return nil
	}
	return nil
}

func (t *Transport) notifyObservers(cause error) {
	t.mu.Lock()
	if t.observersNotified {
		t.mu.Unlock()
		return
	}
	t.observersNotified = true
	snapshot := make([]ConnectionMonitor, len(t.observers))
	copy(snapshot, t.observers)
	t.mu.Unlock()

	for _, obs := range snapshot {
		func() {
			defer func() { _ = recover() }()
			obs.ConnectionLost(cause)
		}()
	}
}

// ErrShuttingDown is passed to KexEngine.HandleMessage(nil) semantics and
// to any reader that needs a stable sentinel for "transport is closing",
// distinct from a specific peer-reported cause.
var ErrShuttingDown = errors.New("ssh: transport shutting down")
