package ssh

import (
	"sync"

	"go.uber.org/zap"
)

// MessageHandler receives packets routed to it by MessageRouter. A nil
// payload with length 0 is the terminal "goodbye" delivered exactly once
// when the transport closes.
type MessageHandler interface {
	HandleMessage(payload []byte, length int) error
}

// HandlerEntry associates a MessageHandler with an inclusive message-type
// range. Registered ranges may overlap; MessageRouter.Dispatch resolves
// overlaps by registration order, first match wins — a stable contract of
// this layer, not an incidental implementation detail.
type HandlerEntry struct {
	Handler MessageHandler
	Low     byte
	High    byte
}

// MessageRouter owns the ordered list of HandlerEntry registrations and
// dispatches inbound non-control packets to the first matching handler.
// All mutation and the dispatch scan are serialized by a single mutex; the
// dispatcher never holds this mutex while invoking a handler callback, so
// a handler is free to register/unregister or send on its own.
type MessageRouter struct {
	mu        sync.Mutex
	entries   []HandlerEntry
	terminated bool

	logger *zap.Logger
}

// NewMessageRouter returns an empty router. logger may be nil.
func NewMessageRouter(logger *zap.Logger) *MessageRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageRouter{logger: logger}
}

// Register appends a new handler entry.
func (r *MessageRouter) Register(h MessageHandler, low, high byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, HandlerEntry{Handler: h, Low: low, High: high})
}

// Unregister removes the first entry matching handler, low and high by
// identity. It is a no-op if no such entry exists.
func (r *MessageRouter) Unregister(h MessageHandler, low, high byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Handler == h && e.Low == low && e.High == high {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Dispatch finds the first entry whose range covers msgType and forwards
// the packet to it. If no entry matches, it returns ErrUnexpectedMessage.
func (r *MessageRouter) Dispatch(msgType byte, payload []byte, length int) error {
	h := r.find(msgType)
	if h == nil {
		r.logger.Debug("no handler registered for message type", zap.Uint8("type", msgType))
		return ErrUnexpectedMessage
	}
	return h.HandleMessage(payload, length)
}

func (r *MessageRouter) find(msgType byte) MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if msgType >= e.Low && msgType <= e.High {
			return e.Handler
		}
	}
	return nil
}

// Terminate delivers a terminal (nil, 0) invocation to every registered
// handler exactly once, in registration order, swallowing handler errors.
// It is idempotent: calling it more than once only terminates once.
func (r *MessageRouter) Terminate() {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	entries := make([]HandlerEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.Handler.HandleMessage(nil, 0); err != nil {
			r.logger.Debug("handler returned error on terminal notification", zap.Error(err))
		}
	}
}
