package ssh

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcherIdentity reports the goroutine ID of the dispatcher, once the
// dispatcher has started, so SendCoordinator can refuse reentrant sends
// from that exact goroutine (spec §4.6, §5.1).
type dispatcherIdentity struct {
	mu  sync.RWMutex
	id  uint64
	set bool
}

func (d *dispatcherIdentity) mark() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = currentGoroutineID()
	d.set = true
}

func (d *dispatcherIdentity) isCurrent() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.set && d.id == currentGoroutineID()
}

// SendCoordinator serializes all outbound sends against a single
// PacketCodec send half, and implements the wait-while-KEX-ongoing
// quiescence protocol: application Send calls block while kexOngoing is
// true and wake either when a rekey completes or the transport closes.
type SendCoordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	closed           bool
	closeCause       error
	kexOngoing       bool
	firstKexFinished bool

	codec      *PacketCodec
	dispatcher *dispatcherIdentity
	onSendErr  func(err error)
	logger     *zap.Logger
}

// NewSendCoordinator builds a coordinator over codec. onSendErr is invoked
// (outside the coordinator's own mutex) whenever a codec write fails,
// giving the caller (Transport) a chance to drive a hard close.
func NewSendCoordinator(codec *PacketCodec, dispatcher *dispatcherIdentity, onSendErr func(error), logger *zap.Logger) *SendCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SendCoordinator{codec: codec, dispatcher: dispatcher, onSendErr: onSendErr, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Send is the application-level send entry point. It is forbidden from the
// dispatcher's own goroutine (a handler that wants to reply must use
// AsyncSendQueue instead). It blocks while a KEX is in progress and wakes
// on KexFinished or Shutdown.
func (s *SendCoordinator) Send(payload []byte) error {
	if s.dispatcher.isCurrent() {
		s.logger.Debug("rejected reentrant send from dispatcher goroutine")
		return ErrReentrancy
	}

	s.mu.Lock()
	if s.closed {
		cause := s.closeCause
		s.mu.Unlock()
		return NewTransportError("send", closedErr(cause))
	}
	for s.kexOngoing && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		cause := s.closeCause
		s.mu.Unlock()
		return NewTransportError("send", closedErr(cause))
	}

	err := s.codec.SendOne(payload)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("application send failed", zap.Error(err))
		if s.onSendErr != nil {
			s.onSendErr(err)
		}
		return err
	}
	return nil
}

// sendKex is the KEX-privileged send entry point used only by the
// transport's KexCallbacks implementation. Setting kexOngoing and
// transmitting happen under the same critical section, which is what
// gives the protocol its ordering guarantee: application packets strictly
// precede the KEXINIT of the next exchange, because the KEX engine
// acquires this same mutex to emit KEXINIT.
func (s *SendCoordinator) sendKex(payload []byte) error {
	s.mu.Lock()
	s.kexOngoing = true
	err := s.codec.SendOne(payload)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("kex send failed", zap.Error(err))
		if s.onSendErr != nil {
			s.onSendErr(err)
		}
		return err
	}
	return nil
}

// kexFinished marks the first-or-subsequent KEX complete and releases any
// application senders parked on the quiescence wait.
func (s *SendCoordinator) kexFinished() {
	s.mu.Lock()
	s.firstKexFinished = true
	s.kexOngoing = false
	s.cond.Broadcast()
	s.mu.Unlock()
	s.logger.Debug("kex finished, releasing parked senders")
}

// shutdown marks the coordinator closed with cause and wakes every parked
// sender. It is idempotent: only the first call's cause sticks.
func (s *SendCoordinator) shutdown(cause error) {
	s.mu.Lock()
	first := !s.closed
	if first {
		s.closed = true
		s.closeCause = cause
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	if first {
		s.logger.Debug("send coordinator shut down", zap.Error(cause))
	}
}

func (s *SendCoordinator) isKexOngoing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kexOngoing
}

func (s *SendCoordinator) isFirstKexFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstKexFinished
}

func closedErr(cause error) error {
	if cause == nil {
		return ErrClosed
	}
	return cause
}
