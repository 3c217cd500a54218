// ============================================================================
// catts-engine Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes handlers, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait, interruptible by stopCh)
//   2. Execute task handler (with timeout control and panic isolation)
//   3. Send result to resultCh
//   4. Repeat above process until the pool signals stop
//
// Failure Isolation:
//   A panicking handler never takes down the Worker. The panic is recovered,
//   converted into an error, and reported as a regular Result with Panicked set.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoHandler is returned when a task is submitted without a handler
var ErrNoHandler = errors.New("worker: task has no handler")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case t, ok := <-w.taskCh:
			if !ok {
				return
			}
			task = t
		}
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}

		value, panicked, err := w.execute(ctx, task.Handler)
		cancel()

		result := Result{
			TaskID:   task.ID,
			Value:    value,
			Error:    err,
			Panicked: panicked,
			Meta:     task.Meta,
			Duration: time.Since(start),
		}

		// Results must not be dropped: the receiver tracks every submitted task.
		// Only a pool shutdown releases a blocked send.
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs the handler, converting a panic into an error
func (w *Worker) execute(ctx context.Context, h Handler) (value any, panicked bool, err error) {
	if h == nil {
		return nil, false, ErrNoHandler
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("worker %d: handler panic: %v", w.id, r)
			panicked = true
		}
	}()
	value, err = h(ctx)
	return value, false, err
}
