package transport

import (
	"context"
	"sync"
)

// frameMsg is one message in flight on a Pipe.
type frameMsg struct {
	head map[string]any
	body []byte
}

// Pipe is an in-memory Transport connecting two endpoints directly, with no
// sockets involved. NewPipe returns both ends already connected; it is the
// harness the package's own tests (and, by convention, a caller's) use to
// exercise a Peer pair without a real network (SPEC_FULL.md §10.4).
type Pipe struct {
	send chan frameMsg
	recv chan frameMsg

	localClosed  chan struct{}
	remoteClosed chan struct{}
	closeOnce    sync.Once
}

// NewPipe returns two connected Pipe endpoints, a and b, where sending on
// one is receiving on the other.
func NewPipe() (a, b *Pipe) {
	aToB := make(chan frameMsg, 16)
	bToA := make(chan frameMsg, 16)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a = &Pipe{send: aToB, recv: bToA, localClosed: aClosed, remoteClosed: bClosed}
	b = &Pipe{send: bToA, recv: aToB, localClosed: bClosed, remoteClosed: aClosed}
	return a, b
}

// Connect and Reconnect are no-ops: a Pipe is connected at construction and
// there is no socket to redial.
func (p *Pipe) Connect(ctx context.Context, host string, port int) error { return nil }
func (p *Pipe) Reconnect(ctx context.Context) error                      { return nil }

func (p *Pipe) Send(ctx context.Context, head map[string]any, body []byte) error {
	msg := frameMsg{head: cloneHead(head), body: append([]byte(nil), body...)}
	select {
	case p.send <- msg:
		return nil
	case <-p.localClosed:
		return ErrPeerClosed
	case <-p.remoteClosed:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Recv(ctx context.Context) (map[string]any, []byte, error) {
	// Drain anything already in flight before honoring a close signal, so a
	// frame sent just before Close is never lost.
	select {
	case msg := <-p.recv:
		return msg.head, msg.body, nil
	default:
	}
	select {
	case msg := <-p.recv:
		return msg.head, msg.body, nil
	case <-p.remoteClosed:
		return nil, nil, ErrPeerClosed
	case <-p.localClosed:
		return nil, nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.localClosed) })
	return nil
}

func cloneHead(head map[string]any) map[string]any {
	if head == nil {
		return nil
	}
	m := make(map[string]any, len(head))
	for k, v := range head {
		m[k] = v
	}
	return m
}
