package agent

import (
	"context"
	"sync"
)

// pipe is a channel-backed EventStream fed by a producer goroutine. The
// producer calls emit/fail/closeSend; the consumer iterates Next/Current.
type pipe struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once

	cur Event

	mu  sync.Mutex
	err error
}

func newPipe() *pipe {
	return &pipe{
		ch:     make(chan Event),
		closed: make(chan struct{}),
	}
}

// emit pushes one event. It returns false when the consumer went away or
// the context was cancelled, so producers can stop early.
func (p *pipe) emit(ctx context.Context, ev Event) bool {
	select {
	case p.ch <- ev:
		return true
	case <-p.closed:
		return false
	case <-ctx.Done():
		p.fail(ctx.Err())
		return false
	}
}

// fail records the stream error and ends iteration.
func (p *pipe) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.closeSend()
}

// closeSend ends iteration without an error.
func (p *pipe) closeSend() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pipe) Next() bool {
	select {
	case ev := <-p.ch:
		p.cur = ev
		return true
	case <-p.closed:
		// Drain anything raced in before close.
		select {
		case ev := <-p.ch:
			p.cur = ev
			return true
		default:
			return false
		}
	}
}

func (p *pipe) Current() Event {
	return p.cur
}

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipe) Close() error {
	p.closeSend()
	return nil
}
