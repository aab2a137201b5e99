package replication

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
)

// Async decouples a slow fanout from the caller with a bounded queue.
type Async struct {
	next   Publisher
	logger logging.Logger
	queue  chan protocol.Change

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next Publisher, size int, l logging.Logger) *Async {
	if l == nil {
		l = logging.Nop()
	}
	a := &Async{
		next:   next,
		logger: l.With("module", "replication_async"),
		queue:  make(chan protocol.Change, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for c := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.next.Publish(ctx, c); err != nil {
			a.logger.Warn(ctx, "publish failed", "namespace", c.Namespace, "error", err)
		}
		cancel()
	}
}

func (a *Async) Publish(_ context.Context, c protocol.Change) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close waits until everything queued was published.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return nil
}

