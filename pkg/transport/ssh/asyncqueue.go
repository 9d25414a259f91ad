package ssh

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const asyncQueueCapacity = 100

// asyncForegroundSender is the subset of SendCoordinator the async worker
// needs: a way to push a payload through the same serialized send path
// application callers use.
type asyncForegroundSender interface {
	Send(payload []byte) error
}

// AsyncSendQueue is a bounded FIFO for replies the transport must emit
// independent of any application sender (e.g. global-request responses).
// Enqueue never blocks the caller; a background worker drains the queue
// through the foreground send path and exits voluntarily after
// idleTimeout of emptiness, recreating itself on the next enqueue.
type AsyncSendQueue struct {
	mu           sync.Mutex
	ch           chan []byte
	workerActive bool

	sender      asyncForegroundSender
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewAsyncSendQueue builds a queue that forwards drained payloads to
// sender, self-terminating its worker after idleTimeout of emptiness.
func NewAsyncSendQueue(sender asyncForegroundSender, idleTimeout time.Duration, logger *zap.Logger) *AsyncSendQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Second
	}
	return &AsyncSendQueue{
		ch:          make(chan []byte, asyncQueueCapacity),
		sender:      sender,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// SendAsync enqueues payload for background delivery. It fails with
// ErrPeerFlooding if the queue already holds asyncQueueCapacity items.
func (q *AsyncSendQueue) SendAsync(payload []byte) error {
	q.mu.Lock()
	select {
	case q.ch <- payload:
	default:
		q.mu.Unlock()
		return ErrPeerFlooding
	}
	if !q.workerActive {
		q.workerActive = true
		go q.run()
	}
	q.mu.Unlock()
	return nil
}

// Depth returns the number of payloads currently queued, for tests and
// diagnostics.
func (q *AsyncSendQueue) Depth() int {
	return len(q.ch)
}

func (q *AsyncSendQueue) run() {
	timer := time.NewTimer(q.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case payload, ok := <-q.ch:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			if err := q.sender.Send(payload); err != nil {
				// Foreground paths will observe the same failure on
				// their next Send; the worker exits silently.
				q.logger.Debug("async send worker exiting on send error", zap.Error(err))
				q.mu.Lock()
				q.workerActive = false
				q.mu.Unlock()
				return
			}
			timer.Reset(q.idleTimeout)
		case <-timer.C:
			q.mu.Lock()
			if len(q.ch) > 0 {
				// A payload landed in the window between the timer
				// firing and taking the lock; keep running.
				q.mu.Unlock()
				timer.Reset(q.idleTimeout)
				continue
			}
			q.workerActive = false
			q.mu.Unlock()
			return
		}
	}
}
