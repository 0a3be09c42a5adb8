package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory Conns. Messages written to one side
// are received by the other. Used by tests and single-process embedding.
func Pipe() (*PipeConn, *PipeConn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	a := &PipeConn{send: a2b, recv: b2a, done: done, close: closeFn, addr: "pipe-a"}
	b := &PipeConn{send: b2a, recv: a2b, done: done, close: closeFn, addr: "pipe-b"}
	return a, b
}

// PipeConn is one end of an in-memory connection pair.
type PipeConn struct {
	send  chan []byte
	recv  chan []byte
	done  chan struct{}
	close func()
	addr  string
}

func (p *PipeConn) Send(ctx context.Context, data []byte) error {
	out := make([]byte, len(data))
	copy(out, data)
	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.send <- out:
		return nil
	}
}

func (p *PipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		// drain anything already buffered before reporting closure
		select {
		case data := <-p.recv:
			return data, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-p.recv:
		return data, nil
	}
}

func (p *PipeConn) Close() error {
	p.close()
	return nil
}

func (p *PipeConn) RemoteAddr() string { return p.addr }
