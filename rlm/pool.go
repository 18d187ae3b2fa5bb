package rlm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// Task is one independent completion run by a Pool.
type Task struct {
	Query   string
	Context interface{}
}

// TaskResult is the outcome of the task at Index.
type TaskResult struct {
	Index  int
	Answer FinalAnswer
	Stats  RLMStats
	Err    error
}

// Pool runs independent completions with bounded concurrency. Each task gets
// its own engine; the backend and observer are shared.
type Pool struct {
	model  string
	config Config
	sem    *semaphore.Weighted
}

// NewPool checks that the backend is up and returns a pool running at most
// concurrency tasks at once.
func NewPool(ctx context.Context, model string, config Config, concurrency int) (*Pool, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if config.Observer == nil {
		if config.Observability != nil {
			config.Observer = NewObserver(*config.Observability)
		} else {
			config.Observer = NewNoopObserver()
		}
	}
	if config.Backend == nil {
		config.Backend = sandbox.NewInProcess(sandbox.InProcessConfig{
			DefaultTimeout: config.ExecTimeout,
			Logger:         config.Observer,
		})
	}

	if prober, ok := sandbox.Probe(config.Backend); ok {
		if err := prober.Health(ctx); err != nil {
			return nil, fmt.Errorf("sandbox backend unhealthy: %w", err)
		}
		if err := prober.Ready(ctx); err != nil {
			return nil, fmt.Errorf("sandbox backend not ready: %w", err)
		}
	}

	return &Pool{
		model:  model,
		config: config,
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// Run executes tasks and returns their results in task order. Tasks not
// started before ctx is done fail with the context error.
func (p *Pool) Run(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		results[i].Index = i
		if err := p.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = TaskResult{Index: j, Err: err}
			}
			break
		}

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer p.sem.Release(1)

			engine := New(p.model, p.config)
			answer, stats, err := engine.Complete(ctx, task.Query, task.Context)
			results[i] = TaskResult{Index: i, Answer: answer, Stats: stats, Err: err}
		}(i, task)
	}

	wg.Wait()
	return results
}
