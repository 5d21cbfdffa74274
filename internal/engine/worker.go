package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bidflow/bidflow/pkg/schema"
)

// taskPool bounds how many analysis tasks run at once, across every
// active run. The executor hands it one graph level at a time; runLevel
// returns only after the whole level joined, which is what keeps a
// downstream level from starting before its inputs exist.
type taskPool struct {
	sem    chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	done   chan struct{}
}

func newTaskPool(size int, logger *slog.Logger) *taskPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &taskPool{
		sem:    make(chan struct{}, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// runLevel dispatches every task in the level onto the shared slots and
// blocks until the last dispatched task finished. Dispatch stops early on
// context cancellation or pool shutdown; tasks that never started are
// left in whatever state the caller recorded for them. A panicking task
// is contained here so one bad node cannot take the process down or wedge
// the level join.
func (p *taskPool) runLevel(ctx context.Context, level []schema.TaskName, run func(ctx context.Context, task schema.TaskName)) {
	var levelWG sync.WaitGroup
	defer levelWG.Wait()

	for _, task := range level {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.sem
			return
		}
		p.wg.Add(1)
		p.mu.Unlock()

		levelWG.Add(1)
		t := task
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("task execution panicked",
						"task", string(t), "panic", r)
				}
				<-p.sem
				p.wg.Done()
				levelWG.Done()
			}()
			run(ctx, t)
		}()
	}
}

// close stops dispatch and waits for every in-flight task across all
// levels to finish.
func (p *taskPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
