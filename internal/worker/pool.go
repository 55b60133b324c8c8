package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/queue"
	"github.com/podushkina/hrchat/internal/task"
)

// Processor handles one dequeued job.
type Processor func(ctx context.Context, job task.Job) error

type registration struct {
	processor   Processor
	concurrency int
}

// Pool runs, for every registered task type, as many workers as the type's
// configured concurrency. Each worker handles one job at a time.
type Pool struct {
	queue      *queue.Queue
	popTimeout time.Duration

	mu         sync.RWMutex
	processors map[task.Type]registration

	wg sync.WaitGroup
}

func NewPool(q *queue.Queue) *Pool {
	return &Pool{
		queue:      q,
		popTimeout: 2 * time.Second,
		processors: make(map[task.Type]registration),
	}
}

// Register binds a processor to the queue of taskType. Concurrency below 1
// falls back to 1. Must be called before Start.
func (p *Pool) Register(taskType task.Type, processor Processor, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors[taskType] = registration{processor: processor, concurrency: concurrency}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	log := logger.FromContext(ctx)
	for taskType, reg := range p.processors {
		for i := 0; i < reg.concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, taskType, reg.processor, i)
		}
		log.Info("Started workers", "queue", taskType.QueueName(), "count", reg.concurrency)
	}
}

// Stop waits for every worker to exit; cancel the Start context first.
func (p *Pool) Stop() {
	p.wg.Wait()
	logger.GetDefault().Info("All workers stopped")
}

func (p *Pool) worker(ctx context.Context, taskType task.Type, processor Processor, id int) {
	defer p.wg.Done()
	log := logger.FromContext(ctx).With("queue", taskType.QueueName(), "worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker shutting down")
			return
		default:
			job, err := p.queue.Pop(ctx, taskType, p.popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("Pop error", "error", err)
				continue
			}

			if job == nil {
				continue
			}

			p.process(ctx, log, processor, *job)
		}
	}
}

func (p *Pool) process(ctx context.Context, log logger.Logger, processor Processor, job task.Job) {
	log = log.With("task_id", job.TaskID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Processor panicked", "panic", fmt.Sprint(r))
		}
	}()

	started := time.Now()
	if err := processor(logger.ContextWithLogger(ctx, log), job); err != nil {
		log.Error("Job failed", "error", err, "duration", time.Since(started))
		return
	}
	log.Info("Job processed", "duration", time.Since(started))
}
