package ssh

import (
	"fmt"

	"go.uber.org/zap"
)

// SSH message type constants (RFC 4253 §12, plus EXT_INFO from RFC 8308).
const (
	MsgDisconnect      byte = 1
	MsgIgnore          byte = 2
	MsgUnimplemented   byte = 3
	MsgDebug           byte = 4
	MsgServiceRequest  byte = 5
	MsgServiceAccept   byte = 6
	MsgExtInfo         byte = 7
	MsgKexInit         byte = 20
	MsgNewKeys         byte = 21
	msgKexAlgoLow      byte = 30
	msgKexAlgoHigh     byte = 49
	MsgUserauthSuccess byte = 52

	// DisconnectByApplication is the reason code used by a polite,
	// application-initiated close.
	DisconnectByApplication uint32 = 11
)

func isKexMessageType(t byte) bool {
	return t == MsgKexInit || t == MsgNewKeys || (t >= msgKexAlgoLow && t <= msgKexAlgoHigh)
}

// Dispatcher is the transport's single receive loop. It owns the receive
// half of the PacketCodec, classifies each inbound packet per the policy
// table in spec §4.5, and either consumes it, forwards it to the
// KexEngine, or routes it through the MessageRouter. Any error it
// observes is fatal: it drives a hard close, unblocks the KexEngine, and
// terminates every registered handler.
type Dispatcher struct {
	codec      *PacketCodec
	kex        KexEngine
	router     *MessageRouter
	extInfo    *extInfoStore
	identity   *dispatcherIdentity
	logger     *zap.Logger
	onFatal    func(err error)
	firstDone  func() bool
}

// NewDispatcher builds a Dispatcher. firstDone reports whether the first
// KEX has completed (used by the strict-kex gate); onFatal drives the
// hard close.
func NewDispatcher(codec *PacketCodec, kex KexEngine, router *MessageRouter, extInfo *extInfoStore, identity *dispatcherIdentity, firstDone func() bool, onFatal func(error), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		codec: codec, kex: kex, router: router, extInfo: extInfo,
		identity: identity, firstDone: firstDone, onFatal: onFatal, logger: logger,
	}
}

// Run is the receive loop body; it returns once a fatal error has been
// observed and fully handled. Callers run it in its own goroutine.
func (d *Dispatcher) Run() {
	d.identity.mark()
	for {
		payload, err := d.codec.ReceiveOne()
		if err != nil {
			d.fail(err)
			return
		}
		if len(payload) == 0 {
			d.fail(fmt.Errorf("%w: empty packet", ErrFraming))
			return
		}

		msgType := payload[0]
		body := payload[1:]

		if !d.firstDone() && d.kex.IsStrictKex() && !isKexMessageType(msgType) {
			d.fail(fmt.Errorf("%w: message type %d before first kex", ErrStrictKexViolation, msgType))
			return
		}

		if err := d.handle(msgType, body); err != nil {
			if err == errSkip {
				continue
			}
			d.fail(err)
			return
		}
	}
}

var errSkip = fmt.Errorf("ssh: internal skip sentinel")

func (d *Dispatcher) handle(msgType byte, body []byte) error {
	switch {
	case msgType == MsgDisconnect:
		code, reason := parseDisconnect(body)
		return &PeerDisconnectError{Code: code, Reason: sanitizeDisplayText(reason)}

	case msgType == MsgIgnore:
		return errSkip

	case msgType == MsgUnimplemented:
		return ErrPeerUnimplemented

	case msgType == MsgDebug:
		_, msg := parseDebug(body)
		d.logger.Debug("peer debug message", zap.String("message", sanitizeDisplayText(msg)))
		return errSkip

	case msgType == MsgExtInfo:
		values, err := parseExtInfo(body)
		if err != nil {
			return err
		}
		d.extInfo.replace(values)
		return errSkip

	case msgType == MsgUserauthSuccess:
		d.codec.StartCompression()
		return d.router.Dispatch(msgType, body, len(body))

	case isKexMessageType(msgType):
		full := make([]byte, 1+len(body))
		full[0] = msgType
		copy(full[1:], body)
		return d.kex.HandleMessage(full)

	default:
		return d.router.Dispatch(msgType, body, len(body))
	}
}

// fail runs the fixed fatal-error sequence: notify the transport (hard
// close), unblock any KexEngine waiters, and deliver the terminal goodbye
// to every registered handler.
func (d *Dispatcher) fail(err error) {
	d.logger.Error("dispatcher fatal error", zap.Error(err))
	if d.onFatal != nil {
		d.onFatal(err)
	}
	_ = d.kex.HandleMessage(nil)
	d.router.Terminate()
}
