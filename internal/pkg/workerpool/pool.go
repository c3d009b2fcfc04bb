package workerpool

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is shut down")

type Job func(ctx context.Context)

// ShardedPool runs jobs on a fixed set of workers. Jobs submitted under the same
// key always land on the same worker, so they run one at a time in submit order.
type ShardedPool struct {
	shards []chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	log    *zap.Logger
}

func NewShardedPool(ctx context.Context, workerCount, queueSize int, log *zap.Logger) *ShardedPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	pool := &ShardedPool{
		shards: make([]chan Job, workerCount),
		log:    log,
	}
	for i := range workerCount {
		pool.shards[i] = make(chan Job, queueSize)
		pool.wg.Add(1)
		go pool.worker(ctx, pool.shards[i])
	}
	return pool
}

func (p *ShardedPool) worker(ctx context.Context, queue chan Job) {
	defer p.wg.Done()
	for job := range queue {
		p.run(ctx, job)
	}
}

func (p *ShardedPool) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Worker job panicked", zap.Any("panic", r))
		}
	}()
	job(ctx)
}

func (p *ShardedPool) shard(key string) chan Job {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit queues job on key's worker, blocking while that worker's queue is full
func (p *ShardedPool) Submit(ctx context.Context, key string, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.shard(key) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish or ctx to expire
func (p *ShardedPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.shards {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.log.Warn("Worker pool shutdown timed out")
		return ctx.Err()
	case <-done:
		p.log.Info("Worker pool shutdown complete")
		return nil
	}
}
