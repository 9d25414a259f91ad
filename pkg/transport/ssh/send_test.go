package ssh

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*SendCoordinator, *dispatcherIdentity, func()) {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	codec := NewPacketCodec(client, client, DefaultSecureRandom(), nil)
	identity := &dispatcherIdentity{}
	var onErrCalls int32
	_ = onErrCalls
	coord := NewSendCoordinator(codec, identity, func(error) {}, nil)
	return coord, identity, func() { client.Close(); server.Close() }
}

func TestSendCoordinatorBlocksDuringKexAndReleasesOnFinish(t *testing.T) {
	coord, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	require.NoError(t, coord.sendKex([]byte("kexinit")))
	assert.True(t, coord.isKexOngoing())

	done := make(chan error, 1)
	go func() { done <- coord.Send([]byte("application data")) }()

	select {
	case <-done:
		t.Fatal("Send must block while kex is ongoing")
	case <-time.After(50 * time.Millisecond):
	}

	coord.kexFinished()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send never unblocked after kexFinished")
	}
	assert.True(t, coord.isFirstKexFinished())
}

func TestSendCoordinatorRejectsReentrantSend(t *testing.T) {
	coord, identity, cleanup := newTestCoordinator(t)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		identity.mark()
		err := coord.Send([]byte("x"))
		assert.ErrorIs(t, err, ErrReentrancy)
	}()
	wg.Wait()
}

func TestSendCoordinatorReturnsClosedErrorAfterShutdown(t *testing.T) {
	coord, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	cause := errors.New("peer reset")
	coord.shutdown(cause)

	err := coord.Send([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestSendCoordinatorShutdownWakesParkedSenders(t *testing.T) {
	coord, _, cleanup := newTestCoordinator(t)
	defer cleanup()

	require.NoError(t, coord.sendKex([]byte("kexinit")))

	done := make(chan error, 1)
	go func() { done <- coord.Send([]byte("x")) }()
	time.Sleep(20 * time.Millisecond)

	coord.shutdown(ErrClosed)
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake a parked Send")
	}
}
