// Package workerpool runs blocking work items on a fixed set of
// threads. Completed items are handed to a completion sink the owner
// provides at construction; the event loop's sink appends to a
// mutex-protected list and signals its wake channel so the after-work
// callback runs on the loop thread.
package workerpool

import (
	"errors"
	"sync"

	"github.com/silent-tech/goreactor/internal/ring"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: pool closed")

// Item is one unit of blocking work. Work runs on a pool thread and
// must not touch loop state; Err carries its result to the sink.
type Item struct {
	Work  func() error
	Token any
	Err   error
}

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    *ring.Queue[*Item]
	complete func(*Item)
	closed   bool
	wg       sync.WaitGroup
}

// New starts workers goroutines servicing a queue of queueCap items.
// complete is invoked on a pool thread after each item's Work returns.
func New(workers, queueCap int, complete func(*Item)) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCap < workers {
		queueCap = workers
	}
	p := &Pool{
		queue:    ring.New[*Item](queueCap),
		complete: complete,
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues it, blocking while the queue is full.
func (p *Pool) Submit(it *Item) error {
	p.mu.Lock()
	for !p.closed && p.queue.Free() == 0 {
		p.notFull.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue.Push(it)
	p.mu.Unlock()
	p.notEmpty.Signal()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.closed && p.queue.Len() == 0 {
			p.notEmpty.Wait()
		}
		it, ok := p.queue.Pop()
		if !ok && p.closed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.notFull.Signal()
		if it == nil {
			continue
		}
		if it.Work != nil {
			it.Err = it.Work()
		}
		if p.complete != nil {
			p.complete(it)
		}
	}
}

// Close stops the workers after the queue drains and waits for them.
// Items already dequeued run to completion.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.wg.Wait()
}
