package downloader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"k2dl/pkg/detector"
)

// mockRunner counts task executions
type mockRunner struct {
	delay   time.Duration
	err     error
	counter int32
}

func (m *mockRunner) run(ctx context.Context, task *Task) error {
	atomic.AddInt32(&m.counter, 1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *mockRunner) count() int {
	return int(atomic.LoadInt32(&m.counter))
}

func testTask(i int) *Task {
	return NewTask(i,
		detector.PostInfo{PostID: fmt.Sprintf("%d", i)},
		detector.FileRef{URL: fmt.Sprintf("https://example.com/file%d.jpg", i), Name: fmt.Sprintf("file%d.jpg", i)},
		fmt.Sprintf("/tmp/file%d.jpg", i), 0, false)
}

func collectResults(pool *WorkerPool) (*[]TaskResult, *sync.WaitGroup) {
	var results []TaskResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for result := range pool.Results() {
			results = append(results, result)
		}
	}()
	return &results, &wg
}

func TestWorkerPoolBasicFunctionality(t *testing.T) {
	runner := &mockRunner{delay: 10 * time.Millisecond}
	pool := NewWorkerPool(context.Background(), 3, runner.run, nil)
	pool.Start()

	results, wg := collectResults(pool)

	numTasks := 10
	for i := 0; i < numTasks; i++ {
		if err := pool.Submit(testTask(i)); err != nil {
			t.Errorf("Failed to submit task %d: %v", i, err)
		}
	}

	pool.Stop()
	wg.Wait()

	if len(*results) != numTasks {
		t.Errorf("Expected %d results, got %d", numTasks, len(*results))
	}
	for _, r := range *results {
		if r.Err != nil {
			t.Errorf("Unexpected error for task %d: %v", r.Task.ID, r.Err)
		}
		select {
		case <-r.Task.Done():
		default:
			t.Errorf("Task %d not marked done", r.Task.ID)
		}
	}
	if runner.count() != numTasks {
		t.Errorf("Expected %d runs, got %d", numTasks, runner.count())
	}
}

func TestWorkerPoolWithErrors(t *testing.T) {
	runner := &mockRunner{err: fmt.Errorf("download error")}
	pool := NewWorkerPool(context.Background(), 2, runner.run, nil)
	pool.Start()

	results, wg := collectResults(pool)

	numTasks := 5
	for i := 0; i < numTasks; i++ {
		if err := pool.Submit(testTask(i)); err != nil {
			t.Errorf("Failed to submit task %d: %v", i, err)
		}
	}

	pool.Stop()
	wg.Wait()

	if len(*results) != numTasks {
		t.Errorf("Expected %d results, got %d", numTasks, len(*results))
	}
	for _, r := range *results {
		if r.Err == nil {
			t.Error("Expected error in result")
		}
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	runner := &mockRunner{delay: 100 * time.Millisecond}
	pool := NewWorkerPool(context.Background(), 5, runner.run, nil)
	pool.Start()

	results, wg := collectResults(pool)

	numTasks := 10
	startTime := time.Now()
	for i := 0; i < numTasks; i++ {
		if err := pool.Submit(testTask(i)); err != nil {
			t.Errorf("Failed to submit task %d: %v", i, err)
		}
	}

	pool.Stop()
	wg.Wait()

	// 5 workers, 10 tasks of 100ms each: about 200ms
	elapsed := time.Since(startTime)
	if elapsed > 400*time.Millisecond {
		t.Errorf("Tasks took too long: %v", elapsed)
	}
	if len(*results) != numTasks {
		t.Errorf("Expected %d results, got %d", numTasks, len(*results))
	}
}

func TestWorkerPoolShutdownCancelsInFlight(t *testing.T) {
	runner := &mockRunner{delay: 5 * time.Second}
	pool := NewWorkerPool(context.Background(), 2, runner.run, nil)
	pool.Start()

	results, wg := collectResults(pool)

	tasks := make([]*Task, 6)
	for i := range tasks {
		tasks[i] = testTask(i)
		if err := pool.Submit(tasks[i]); err != nil {
			t.Fatalf("Failed to submit task %d: %v", i, err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	pool.Shutdown()
	wg.Wait()

	if time.Since(start) > time.Second {
		t.Errorf("Shutdown waited for in-flight tasks")
	}
	for _, task := range tasks {
		select {
		case <-task.Done():
		default:
			t.Errorf("Task %d not released", task.ID)
		}
	}
	for _, r := range *results {
		if r.Err == nil {
			t.Errorf("Task %d reported success after shutdown", r.Task.ID)
		}
	}
	if err := pool.Submit(testTask(99)); err == nil {
		t.Error("Submit after shutdown should fail")
	}
}

func TestWorkerPoolParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &mockRunner{}
	pool := NewWorkerPool(ctx, 1, runner.run, nil)
	pool.Start()

	_, wg := collectResults(pool)
	cancel()

	if err := pool.Submit(testTask(1)); err == nil {
		t.Error("Submit on a cancelled pool should fail")
	}
	pool.Stop()
	wg.Wait()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker, got %d", pool.Workers())
	}
}
