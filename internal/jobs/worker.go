package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/fiscora/fiscora/internal/utils"
	log "github.com/sirupsen/logrus"
)

// retryBase is the first retry delay; it doubles with every failed attempt.
const retryBase = 30 * time.Second

type HandlerFunc func(ctx context.Context, t Task) error

// Worker polls the background task table and executes due tasks. Claiming is a
// compare-and-swap on the task status, so multiple worker goroutines (or
// processes) never run the same task twice.
type Worker struct {
	repo         Repo
	clock        utils.Clock
	pollInterval time.Duration
	concurrency  int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	wg       sync.WaitGroup
}

func NewWorker(repo Repo, clock utils.Clock, cfg config.Worker) *Worker {
	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		repo:         repo,
		clock:        clock,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		handlers:     make(map[string]HandlerFunc),
	}
}

func (w *Worker) RegisterHandler(kind string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Start launches the polling goroutines. They stop when ctx is cancelled;
// Wait blocks until all of them have drained.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain executes due tasks until the queue is empty or the context ends.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, claimed, err := w.repo.ClaimDue(ctx, w.clock.Now())
		if err != nil {
			log.Errorf("failed to claim background task: %v", err)
			return
		}
		if !claimed {
			return
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, t Task) {
	w.mu.RLock()
	h, ok := w.handlers[t.Kind]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for task kind %q", t.Kind)
	} else {
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task handler panic: %v", r)
				}
			}()
			return h(ctx, t)
		}()
	}

	now := w.clock.Now()
	if err == nil {
		if markErr := w.repo.MarkSucceeded(ctx, t.ID, now); markErr != nil {
			log.Errorf("failed to mark task %s succeeded: %v", t.ID, markErr)
		}
		return
	}

	retryAt := now.Add(retryBase << (t.Attempts - 1))
	log.Warnf("background task %s (%s) attempt %d/%d failed: %v", t.ID, t.Kind, t.Attempts, t.MaxAttempts, err)
	if markErr := w.repo.MarkFailed(ctx, t, err.Error(), retryAt, now); markErr != nil {
		log.Errorf("failed to mark task %s failed: %v", t.ID, markErr)
	}
}
