package pool

import (
	"sync"

	"go.uber.org/zap"
)

// Pool is a fixed-size pool of worker goroutines. Work is handed out
// with Schedule and the caller waits for everything scheduled so far
// with Join. The pool stays usable after a Join, so one pool serves
// the prefetch, oplog-write, and apply passes of every batch.
type Pool struct {
	logger *zap.Logger
	size   int

	mu      sync.Mutex
	work    sync.Cond // signaled when tasks arrive or the pool stops
	idle    sync.Cond // signaled when all tasks have finished
	tasks   []func()
	pending int // queued plus running tasks
	stopped bool

	wg sync.WaitGroup
}

// New starts a pool of size workers.
func New(size int, logger *zap.Logger) *Pool {
	p := &Pool{logger: logger, size: size}
	p.work.L = &p.mu
	p.idle.L = &p.mu
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	logger.Debug("started repl writer pool", zap.Int("threads", size))
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Schedule queues fn to run on a worker. It must not be called
// concurrently with Join.
func (p *Pool) Schedule(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		panic("schedule on stopped pool")
	}
	p.tasks = append(p.tasks, fn)
	p.pending++
	p.work.Signal()
}

// Join blocks until every task scheduled so far has finished.
func (p *Pool) Join() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

// Shutdown waits for outstanding work, then stops the workers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.stopped = true
	p.work.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.stopped {
			p.work.Wait()
		}
		if p.stopped && len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		fn()

		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}
