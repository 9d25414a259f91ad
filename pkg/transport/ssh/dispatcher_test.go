package ssh

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeKexEngine struct {
	mu            sync.Mutex
	strict        bool
	messages      [][]byte
	sawNilStop    bool
	initiateCalls int
	initiateDelay time.Duration
}

func (f *fakeKexEngine) Initiate(CryptoWishList, DHGexParameters) error {
	f.mu.Lock()
	f.initiateCalls++
	delay := f.initiateDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (f *fakeKexEngine) HandleMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if payload == nil {
		f.sawNilStop = true
		return nil
	}
	f.messages = append(f.messages, payload)
	return nil
}

func (f *fakeKexEngine) IsStrictKex() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.strict }
func (f *fakeKexEngine) SessionID() []byte { return nil }
func (f *fakeKexEngine) GetOrWaitForConnectionInfo(int) (ConnectionInfo, error) {
	return ConnectionInfo{}, nil
}

func newTestDispatcher(t *testing.T, strict bool, firstDone func() bool) (*Dispatcher, *PacketCodec, *fakeKexEngine, *MessageRouter, *extInfoStore, chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	sendCodec := NewPacketCodec(client, client, DefaultSecureRandom(), nil)
	recvCodec := NewPacketCodec(server, server, DefaultSecureRandom(), nil)

	kexEngine := &fakeKexEngine{strict: strict}
	router := NewMessageRouter(nil)
	extInfo := newExtInfoStore()
	fatalCh := make(chan error, 1)

	d := NewDispatcher(recvCodec, kexEngine, router, extInfo, &dispatcherIdentity{}, firstDone, func(err error) { fatalCh <- err }, zaptest.NewLogger(t))
	return d, sendCodec, kexEngine, router, extInfo, fatalCh
}

func TestDispatcherRoutesApplicationMessages(t *testing.T) {
	d, sendCodec, _, router, _, _ := newTestDispatcher(t, false, func() bool { return true })
	h := &recordingHandler{}
	router.Register(h, 80, 90)
	go d.Run()

	require.NoError(t, sendCodec.SendOne([]byte{85, 'h', 'i'}))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.received) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherHandlesDisconnect(t *testing.T) {
	d, sendCodec, kexEngine, router, _, fatalCh := newTestDispatcher(t, false, func() bool { return true })
	h := &recordingHandler{}
	router.Register(h, 1, 250)
	go d.Run()

	body := []byte{MsgDisconnect}
	body = appendUint32(body, DisconnectByApplication)
	body = appendString(body, []byte("bye"))
	body = appendString(body, nil)
	require.NoError(t, sendCodec.SendOne(body))

	select {
	case err := <-fatalCh:
		var pde *PeerDisconnectError
		require.ErrorAs(t, err, &pde)
		assert.Equal(t, "bye", pde.Reason)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never reported the disconnect as fatal")
	}
	require.Eventually(t, func() bool {
		kexEngine.mu.Lock()
		defer kexEngine.mu.Unlock()
		return kexEngine.sawNilStop
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.closed }, time.Second, 5*time.Millisecond)
}

func TestDispatcherIgnoreAndDebugAreSkipped(t *testing.T) {
	d, sendCodec, _, router, _, _ := newTestDispatcher(t, false, func() bool { return true })
	h := &recordingHandler{}
	router.Register(h, 1, 250)
	go d.Run()

	require.NoError(t, sendCodec.SendOne([]byte{MsgIgnore, 'x'}))
	debugBody := []byte{MsgDebug, 0}
	debugBody = appendString(debugBody, []byte("debugging"))
	debugBody = appendString(debugBody, nil)
	require.NoError(t, sendCodec.SendOne(debugBody))

	// a subsequent application message must still arrive, proving the
	// dispatcher kept looping instead of treating IGNORE/DEBUG as fatal
	require.NoError(t, sendCodec.SendOne([]byte{100, 'o', 'k'}))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.received) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherStrictKexGateRejectsNonKexBeforeFirstKex(t *testing.T) {
	d, sendCodec, _, _, _, fatalCh := newTestDispatcher(t, true, func() bool { return false })
	go d.Run()

	require.NoError(t, sendCodec.SendOne([]byte{MsgIgnore}))

	select {
	case err := <-fatalCh:
		assert.ErrorIs(t, err, ErrStrictKexViolation)
	case <-time.After(time.Second):
		t.Fatal("strict-kex gate did not fire")
	}
}

func TestDispatcherExtInfoUpdatesStore(t *testing.T) {
	d, sendCodec, _, _, extInfo, _ := newTestDispatcher(t, false, func() bool { return true })
	go d.Run()

	body := []byte{MsgExtInfo}
	body = appendUint32(body, 1)
	body = appendString(body, []byte("server-sig-algs"))
	body = appendString(body, []byte("rsa-sha2-512"))
	require.NoError(t, sendCodec.SendOne(body))

	require.Eventually(t, func() bool { return extInfo.get().Seen() }, time.Second, 5*time.Millisecond)
	v, ok := extInfo.get().Get("server-sig-algs")
	assert.True(t, ok)
	assert.Equal(t, "rsa-sha2-512", string(v))
}

func TestDispatcherUserauthSuccessActivatesCompression(t *testing.T) {
	d, sendCodec, _, router, _, _ := newTestDispatcher(t, false, func() bool { return true })
	router.Register(&recordingHandler{}, 1, 250)
	go d.Run()

	require.NoError(t, sendCodec.SendOne([]byte{MsgUserauthSuccess}))
	require.Eventually(t, func() bool { return d.codec.recv.compress == 1 }, time.Second, 5*time.Millisecond)
}
