// Package worker runs batches of independent items on a bounded pool of
// goroutines. One failing item never stops the others.
package worker

import (
	"context"
	"fmt"
	"sync"
)

// Job is a unit of work.
type Job interface {
	Execute(ctx context.Context) Result
}

// Result is the outcome of a Job.
type Result interface {
	GetError() error
}

// Pool executes jobs on a fixed number of workers.
type Pool struct {
	workers    int
	jobQueue   chan Job
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
}

// NewPool creates a pool bound to ctx. Workers below 1 become 1.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		workers:    workers,
		jobQueue:   make(chan Job, workers*2),
		results:    make(chan Result, workers*2),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := job.Execute(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit queues a job. It returns false once the pool's context is done.
func (p *Pool) Submit(job Job) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.jobQueue <- job:
		return true
	}
}

// Results exposes finished results. It is closed by Wait or Shutdown.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Wait stops accepting jobs, waits for the workers and closes Results.
func (p *Pool) Wait() {
	close(p.jobQueue)
	p.wg.Wait()
	p.closeResults()
	p.cancelFunc()
}

// Shutdown cancels in-flight work and waits for the workers.
func (p *Pool) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.closeResults()
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}

// ItemResult is the outcome of one item processed by Run.
type ItemResult struct {
	Key string
	Err error
}

// GetError returns the item's error.
func (r *ItemResult) GetError() error { return r.Err }

type itemJob[T any] struct {
	key  string
	item T
	fn   func(context.Context, T) error
}

func (j *itemJob[T]) Execute(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = &ItemResult{Key: j.key, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return &ItemResult{Key: j.key, Err: j.fn(ctx, j.item)}
}

// Run processes items on a pool of workers. key names each item in the
// returned results, which arrive in completion order. Items not started
// before ctx is done are reported with ctx's error.
func Run[T any](ctx context.Context, workers int, items []T, key func(T) string, fn func(context.Context, T) error) []*ItemResult {
	if len(items) == 0 {
		return nil
	}
	pool := NewPool(ctx, workers)
	pool.Start()

	out := make([]*ItemResult, 0, len(items))
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range pool.Results() {
			mu.Lock()
			out = append(out, r.(*ItemResult))
			mu.Unlock()
		}
	}()

	var skipped []*ItemResult
	for i, item := range items {
		if !pool.Submit(&itemJob[T]{key: key(item), item: item, fn: fn}) {
			for _, rest := range items[i:] {
				skipped = append(skipped, &ItemResult{Key: key(rest), Err: ctx.Err()})
			}
			break
		}
	}
	pool.Wait()
	<-done
	out = append(out, skipped...)

	// Jobs still queued when ctx was cancelled never produced a result.
	if len(out) < len(items) {
		reported := make(map[string]int, len(out))
		for _, r := range out {
			reported[r.Key]++
		}
		for _, item := range items {
			k := key(item)
			if reported[k] > 0 {
				reported[k]--
				continue
			}
			out = append(out, &ItemResult{Key: k, Err: ctx.Err()})
		}
	}
	return out
}

// Errors returns the failed results.
func Errors(results []*ItemResult) []*ItemResult {
	var failed []*ItemResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
