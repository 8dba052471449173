package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// #region task
// Task is the handle for one submitted job. Wait may be called once.
type Task struct {
	id       string
	job      Job
	done     chan struct{}
	once     sync.Once
	consumed atomic.Bool
	res      Result
	err      error
}

// NewTask returns an unresolved handle for job.
func NewTask(job Job) *Task {
	return &Task{id: uuid.New().String(), job: job, done: make(chan struct{})}
}

// ID returns the task's unique id.
func (t *Task) ID() string { return t.id }

// Job returns the job the task was created for.
func (t *Task) Job() Job { return t.job }

// Complete resolves the task. Later calls are ignored.
func (t *Task) Complete(res Result, err error) {
	t.once.Do(func() {
		t.res, t.err = res, err
		close(t.done)
	})
}

// Wait blocks until the task resolves or ctx ends. A second call returns ErrTaskConsumed.
// Abandoning a wait through ctx does not stop the job.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	if !t.consumed.CompareAndSwap(false, true) {
		return Result{}, ErrTaskConsumed
	}
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// #endregion task
