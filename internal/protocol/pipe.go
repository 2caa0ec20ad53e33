package protocol

import (
	"context"
	"sync"
)

const pipeBuffer = 64

type pipeShared struct {
	once   sync.Once
	done   chan struct{}
	code   int
	reason string
}

// PipeEnd is one side of an in-memory Channel pair. Frames are encoded and
// decoded on the way through so the pair behaves like a real connection.
type PipeEnd struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

// Pipe returns two connected channel ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	s := &pipeShared{done: make(chan struct{})}
	return &PipeEnd{in: a, out: b, shared: s}, &PipeEnd{in: b, out: a, shared: s}
}

func (p *PipeEnd) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return p.closeErr()
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.shared.done:
		return p.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive drains frames already in flight before reporting a close, the way a
// WebSocket reader sees queued frames ahead of the close frame.
func (p *PipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case data := <-p.in:
		return decodeFrame(data)
	default:
	}
	select {
	case data := <-p.in:
		return decodeFrame(data)
	case <-p.shared.done:
		return nil, p.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeFrame(data []byte) (Message, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return msg, nil
}

// SendRaw injects an undecoded frame, for exercising malformed input.
func (p *PipeEnd) SendRaw(data []byte) {
	p.out <- data
}

func (p *PipeEnd) Close(code int, reason string) error {
	p.shared.once.Do(func() {
		p.shared.code = code
		p.shared.reason = reason
		close(p.shared.done)
	})
	return nil
}

// Closed reports whether either end has been closed.
func (p *PipeEnd) Closed() bool {
	select {
	case <-p.shared.done:
		return true
	default:
		return false
	}
}

func (p *PipeEnd) closeErr() error {
	return &CloseError{Code: p.shared.code, Reason: p.shared.reason}
}
