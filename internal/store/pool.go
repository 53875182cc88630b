package store

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// DefaultWorkers is the number of concurrent file reads.
const DefaultWorkers = 4

// Pool runs blocking I/O jobs on a fixed set of workers. Submit never
// blocks the caller: jobs queue until a worker is free and start in
// submission order.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     conc.WaitGroup
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for range workers {
		p.wg.Go(p.work)
	}
	return p
}

// Submit queues job. Jobs submitted after Close are dropped.
func (p *Pool) Submit(job func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
}

func (p *Pool) work() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job()
	}
}

// Close lets queued jobs finish and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}
