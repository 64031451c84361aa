package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/pkg/logger"
)

type PoolConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	SweepEvery   time.Duration
	StaleAfter   time.Duration
}

// Pool drains the queue: a poll loop claims due batches and hands the tasks
// to a fixed set of workers. A sweeper returns tasks abandoned by crashed
// workers to the backlog.
type Pool struct {
	queue    *Queue
	executor *Executor
	cfg      PoolConfig
	logger   *logger.Logger
}

func NewPool(q *Queue, e *Executor, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cfg.Workers * 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	return &Pool{queue: q, executor: e, cfg: cfg, logger: log}
}

// Run blocks until ctx is cancelled. In-flight tasks finish before it
// returns.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Starting sync worker pool",
		"workers", p.cfg.Workers,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval.String(),
	)

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(p.cfg.SweepEvery)
	defer sweep.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping sync worker pool")
			return
		case <-sweep.C:
			p.sweep(ctx)
		case <-poll.C:
			// Keep draining while full batches come back.
			for {
				n, err := p.Drain(ctx)
				if err != nil {
					p.logger.Error("Failed to drain sync queue", "error", err)
					break
				}
				if n < p.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	n, err := p.queue.SweepStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Error("Failed to sweep stale tasks", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("Requeued stale sync tasks", "count", n)
	}
}

// Drain claims one batch, runs it across the workers and waits for all of
// them. It returns the number of tasks claimed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	tasks, err := p.queue.DequeueBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	work := make(chan int)
	var wg sync.WaitGroup
	workers := p.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range work {
				p.process(ctx, id, i, tasks)
			}
		}(w)
	}
	for i := range tasks {
		work <- i
	}
	close(work)
	wg.Wait()
	return len(tasks), nil
}

func (p *Pool) process(ctx context.Context, worker, i int, tasks []models.SyncTask) {
	task := &tasks[i]
	log := p.logger.With("worker_id", worker, "task_id", task.ID, "action", task.Action)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Sync task panicked", "panic", r)
		}
	}()

	_, err := p.executor.Execute(ctx, task)
	switch {
	case errors.Is(err, ErrTaskInFlight):
		if err := p.queue.Release(ctx, task, requeueDelay); err != nil {
			log.Error("Failed to release contended task", "error", err)
		}
	case err != nil:
		log.Error("Sync task execution error", "error", err)
	}
}
