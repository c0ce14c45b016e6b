package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k2dl/pkg/detector"
	"k2dl/pkg/logger"
)

// Task is one file of one post queued for transfer
type Task struct {
	ID    int
	Post  detector.PostInfo
	File  detector.FileRef
	Dest  string
	Size  int64
	Large bool

	done chan struct{}
}

// NewTask creates a task ready for submission
func NewTask(id int, post detector.PostInfo, file detector.FileRef, dest string, size int64, large bool) *Task {
	return &Task{
		ID:    id,
		Post:  post,
		File:  file,
		Dest:  dest,
		Size:  size,
		Large: large,
		done:  make(chan struct{}),
	}
}

// Done is closed once the task finished, whatever the outcome
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// TaskResult represents the result of a task
type TaskResult struct {
	Task     *Task
	Err      error
	Duration time.Duration
}

// TaskFunc performs one task
type TaskFunc func(ctx context.Context, task *Task) error

// WorkerPool manages concurrent transfer workers
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan *Task
	resultQueue chan TaskResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	run         TaskFunc
	stopOnce    sync.Once
	logger      logger.Logger
}

// NewWorkerPool creates a pool of numWorkers workers running run. The pool
// stops early when parent is cancelled.
func NewWorkerPool(parent context.Context, numWorkers int, run TaskFunc, log logger.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(parent)

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan *Task, numWorkers*2),
		resultQueue: make(chan TaskResult, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		run:         run,
		logger:      logger.OrGlobal(log).WithField("component", "pool"),
	}
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start() {
	wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop lets the workers finish every queued task, then closes Results
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobQueue)
		wp.wg.Wait()
		close(wp.resultQueue)
		wp.cancel()
		wp.logger.Debug("Worker pool stopped")
	})
}

// Shutdown cancels in-flight tasks, drops queued ones and closes Results
// once every worker returned.
func (wp *WorkerPool) Shutdown() {
	wp.cancel()
	wp.Stop()
}

// Submit adds a task to the queue
func (wp *WorkerPool) Submit(task *Task) error {
	select {
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	default:
	}

	select {
	case wp.jobQueue <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the result channel. It must be drained until closed.
func (wp *WorkerPool) Results() <-chan TaskResult {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for task := range wp.jobQueue {
		if wp.ctx.Err() != nil {
			close(task.done)
			continue
		}

		result := wp.process(task, id)
		close(task.done)

		wp.resultQueue <- result
	}
}

func (wp *WorkerPool) process(task *Task, workerID int) TaskResult {
	start := time.Now()

	wp.logger.DebugWithFields("Worker processing task", map[string]interface{}{
		"worker_id": workerID,
		"post_id":   task.Post.PostID,
		"file":      task.File.Name,
	})

	err := wp.run(wp.ctx, task)
	return TaskResult{Task: task, Err: err, Duration: time.Since(start)}
}

// QueueSize returns the current number of queued tasks
func (wp *WorkerPool) QueueSize() int {
	return len(wp.jobQueue)
}

// Workers returns the pool width
func (wp *WorkerPool) Workers() int {
	return wp.numWorkers
}
