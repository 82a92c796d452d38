package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a bounded, typed message queue with a send timeout.
// It has any number of producers and a single consumer, and can be closed
// from the producer side without racing concurrent senders.
type Inbox[T any] struct {
	ch      chan T
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	logger  *slog.Logger
	stats   Stats
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	DroppedClosed int64
}

// New creates a new inbox with the specified buffer size and send timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
}

// Send enqueues msg, waiting at most the configured timeout.
// Returns false if the inbox is full past the timeout or already closed.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case <-ib.done:
		atomic.AddInt64(&ib.stats.DroppedClosed, 1)
		return false
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	case <-ib.done:
		atomic.AddInt64(&ib.stats.DroppedClosed, 1)
		return false
	case <-timer.C:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive returns a queued message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// ReceiveContext blocks until a message arrives, the inbox is closed, or
// ctx is done. Messages still queued at close are delivered first.
func (ib *Inbox[T]) ReceiveContext(ctx context.Context) (T, bool) {
	select {
	case msg := <-ib.ch:
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	default:
	}

	select {
	case msg := <-ib.ch:
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	case <-ib.done:
		return ib.TryReceive()
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Done is closed once Close has been called.
func (ib *Inbox[T]) Done() <-chan struct{} {
	return ib.done
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		DroppedClosed: atomic.LoadInt64(&ib.stats.DroppedClosed),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close stops accepting messages. The data channel itself is never closed,
// so late senders see a closed inbox instead of panicking.
func (ib *Inbox[T]) Close() {
	ib.once.Do(func() { close(ib.done) })
}
