package session

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/protocol"
)

// outbox is an unbounded FIFO of outgoing messages. The head is only
// removed after it was written, so a dropped connection never loses it.
type outbox struct {
	mu     sync.Mutex
	items  []protocol.Message
	signal chan struct{} // buffered, size 1; coalesces pushes
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (q *outbox) push(m protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// peek blocks until the queue is non-empty or ctx is done.
func (q *outbox) peek(ctx context.Context) (protocol.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.mu.Unlock()
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *outbox) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items[0] = nil
	q.items = q.items[1:]
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// gate holds writers back until the connection is confirmed. One gate
// lives for one connection and only ever opens once.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
