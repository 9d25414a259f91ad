package ssh

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func (h *recordingHandler) HandleMessage(payload []byte, length int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if payload == nil && length == 0 {
		h.closed = true
		return nil
	}
	h.received = append(h.received, payload)
	return nil
}

func TestMessageRouterFirstMatchWins(t *testing.T) {
	r := NewMessageRouter(nil)
	first := &recordingHandler{}
	second := &recordingHandler{}

	r.Register(first, 50, 100)
	r.Register(second, 60, 120) // overlaps [60,100] with first

	require.NoError(t, r.Dispatch(70, []byte("a"), 1))
	assert.Len(t, first.received, 1)
	assert.Len(t, second.received, 0)
}

func TestMessageRouterUnregister(t *testing.T) {
	r := NewMessageRouter(nil)
	h := &recordingHandler{}
	r.Register(h, 1, 10)
	r.Unregister(h, 1, 10)

	err := r.Dispatch(5, nil, 0)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestMessageRouterDispatchNoMatch(t *testing.T) {
	r := NewMessageRouter(nil)
	err := r.Dispatch(200, nil, 0)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestMessageRouterTerminateIsIdempotentAndOrdered(t *testing.T) {
	r := NewMessageRouter(nil)
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	r.Register(h1, 1, 10)
	r.Register(h2, 11, 20)

	r.Terminate()
	r.Terminate() // must not panic or double-deliver

	assert.True(t, h1.closed)
	assert.True(t, h2.closed)
}
