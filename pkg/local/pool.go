package local

import "sync"

// Pool runs submitted functions on a fixed number of goroutines and keeps
// the first error any of them returns.
type Pool struct {
	size int
	work chan func() error
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

func NewPool(size int) *Pool {
	return &Pool{
		size: max(size, 1),
		work: make(chan func() error),
	}
}

func (p *Pool) Start() {
	for range p.size {
		p.wg.Go(func() {
			for fn := range p.work {
				if err := fn(); err != nil {
					p.setErr(err)
				}
			}
		})
	}
}

// Submit blocks until a goroutine of the pool picks fn up.
func (p *Pool) Submit(fn func() error) {
	p.work <- fn
}

// Close waits for every submitted function and returns the first error.
func (p *Pool) Close() error {
	close(p.work)
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pool) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}
