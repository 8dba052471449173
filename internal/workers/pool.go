package workers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// #region pool
// Pool runs jobs on a fixed number of goroutines. Submit never blocks.
type Pool struct {
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts size workers executing jobs with h.
func NewPool(size int, h Handler, log *zap.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("new pool: size %d", size)
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{handler: h, log: log}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	return p, nil
}

// Submit enqueues job and returns its handle.
func (p *Pool) Submit(job Job) *Task {
	t := NewTask(job)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.Complete(Result{}, ErrPoolClosed)
		return t
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.cond.Signal()
	return t
}

// Close lets queued jobs finish and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) next() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t, true
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		res, err := p.run(t)
		if err != nil {
			p.log.Warn("job failed", zap.Int("worker", id), zap.String("task", t.ID()),
				zap.String("optim_id", t.job.OptimID), zap.Error(err))
		}
		t.Complete(res, err)
	}
}

func (p *Pool) run(t *Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", t.ID(), r)
		}
	}()
	return p.handler.Run(context.Background(), t.job)
}

// #endregion pool
