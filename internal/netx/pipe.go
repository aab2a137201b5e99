package netx

import (
	"context"
	"sync"
)

type pipeEnd struct {
	in   chan []byte
	peer *pipeEnd

	once     sync.Once
	done     chan struct{}
	closeErr error
}

// Pipe returns two connected in-memory Conns. Each direction buffers up to
// buffer frames; writes block once the buffer is full.
func Pipe(buffer int) (Conn, Conn) {
	a := &pipeEnd{in: make(chan []byte, buffer), done: make(chan struct{})}
	b := &pipeEnd{in: make(chan []byte, buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.peer.done:
		select {
		case m := <-p.in:
			return m, nil
		default:
		}
		return nil, p.peer.closeErr
	}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}

	select {
	case p.peer.in <- append([]byte(nil), frame...):
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) SendClose(code int, reason string) error {
	p.finish(&CloseError{Code: code, Reason: reason})
	return nil
}

// Close without a prior SendClose looks like an abnormal closure to the
// peer.
func (p *pipeEnd) Close() error {
	p.finish(&CloseError{Code: CloseAbnormal})
	return nil
}

func (p *pipeEnd) finish(err error) {
	p.once.Do(func() {
		p.closeErr = err
		close(p.done)
	})
}
