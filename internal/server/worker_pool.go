package server

import (
	"sync"

	"go.uber.org/zap"
)

// workerPool bounds the number of goroutines concurrently running
// WorkerFunc, so a burst of datagrams on one ingress socket cannot spawn
// unbounded goroutines. Start acquires a slot synchronously; Serve tries to
// acquire a slot without blocking, runs WorkerFunc on the context in a new
// goroutine when it gets one, and reports whether it did.
type workerPool struct {
	WorkerFunc      func(ctx *context) error
	MaxWorkersCount int
	Logger          *zap.Logger

	once sync.Once
	sem  chan struct{}
	wg   sync.WaitGroup
}

func (p *workerPool) init() {
	p.once.Do(func() {
		if p.MaxWorkersCount <= 0 {
			p.MaxWorkersCount = 1
		}
		p.sem = make(chan struct{}, p.MaxWorkersCount)
	})
}

// Start reserves a worker slot, blocking until one is free.
func (p *workerPool) Start() {
	p.init()
	p.sem <- struct{}{}
	p.wg.Add(1)
}

// Stop releases a worker slot reserved by Start.
func (p *workerPool) Stop() {
	<-p.sem
	p.wg.Done()
}

// Serve runs WorkerFunc on ctx in a reserved worker slot if one is free
// without blocking, returning false if the pool is saturated so the caller
// can retry with backoff.
func (p *workerPool) Serve(ctx *context) bool {
	p.init()
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.Stop()
		if err := p.WorkerFunc(ctx); err != nil {
			p.Logger.Error("worker failed", zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every outstanding worker goroutine has returned.
func (p *workerPool) Wait() {
	p.wg.Wait()
}
