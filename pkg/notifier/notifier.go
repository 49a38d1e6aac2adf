// Package notifier implements a single-producer-multiple-consumer event
// notification mechanism with an unbounded internal buffer, so that
// producers are never blocked by slow consumers.
package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/fluxmarket/orchestrator/pkg/containers"
	"github.com/fluxmarket/orchestrator/pkg/errors"
)

type receiverID = int64

// Notifier is the sending endpoint.
type Notifier[T any] struct {
	mu        sync.Mutex
	receivers map[receiverID]*Receiver[T]
	nextID    receiverID

	queue    *containers.SliceQueue[T]
	inFlight atomic.Bool

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Receiver is a receiving endpoint. Events arrive on C; C is closed when
// either the receiver or the notifier is closed.
type Receiver[T any] struct {
	id receiverID
	C  chan T

	closed    atomic.Bool
	detachCh  chan struct{}
	closeOnce sync.Once

	notifier *Notifier[T]
}

// Close detaches the receiver from the notifier. Events already queued for
// other receivers are unaffected.
func (r *Receiver[T]) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.detachCh)

		r.notifier.mu.Lock()
		delete(r.notifier.receivers, r.id)
		r.notifier.mu.Unlock()
	})
}

// Done returns a channel closed when the receiver is detached.
func (r *Receiver[T]) Done() <-chan struct{} {
	return r.detachCh
}

func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		receivers: make(map[receiverID]*Receiver[T]),
		queue:     containers.NewSliceQueue[T](),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go n.run()
	return n
}

// NewReceiver creates a new Receiver associated with the given Notifier.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	receiver := &Receiver[T]{
		id:       n.nextID,
		C:        make(chan T, 16),
		detachCh: make(chan struct{}),
		notifier: n,
	}
	n.receivers[receiver.id] = receiver
	return receiver
}

// Notify sends a new notification event. It never blocks.
func (n *Notifier[T]) Notify(event T) {
	n.queue.Add(event)
}

// Close stops the delivery goroutine and closes all receiver channels.
// Pending undelivered events are dropped.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)
		<-n.doneCh

		n.mu.Lock()
		receivers := make([]*Receiver[T], 0, len(n.receivers))
		for _, r := range n.receivers {
			receivers = append(receivers, r)
		}
		n.receivers = make(map[receiverID]*Receiver[T])
		n.mu.Unlock()

		// The delivery goroutine has exited, so closing is race-free.
		for _, r := range receivers {
			r.closed.Store(true)
			close(r.C)
		}
	})
}

// Flush blocks until all events notified so far have been delivered.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.queue.Size() == 0 && !n.inFlight.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.closeCh:
			return nil
		case <-ticker.C:
		}
	}
}

func (n *Notifier[T]) run() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.closeCh:
			return
		case <-n.queue.C:
			for {
				event, ok := n.queue.Pop()
				if !ok {
					break
				}
				n.inFlight.Store(true)
				n.deliver(event)
				n.inFlight.Store(false)

				select {
				case <-n.closeCh:
					return
				default:
				}
			}
		}
	}
}

func (n *Notifier[T]) deliver(event T) {
	n.mu.Lock()
	receivers := make([]*Receiver[T], 0, len(n.receivers))
	for _, r := range n.receivers {
		receivers = append(receivers, r)
	}
	n.mu.Unlock()

	for _, receiver := range receivers {
		if receiver.closed.Load() {
			continue
		}
		select {
		case <-n.closeCh:
			return
		case <-receiver.detachCh:
			// Receiver detached while we were blocked on its channel.
		case receiver.C <- event:
		}
	}
}
