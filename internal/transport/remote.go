package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/verystrongjoe/poet/internal/workers"
)

// #region remote
// Remote dispatches jobs round-robin across worker processes. It is both the
// Executor and the Publisher of a distributed run: specs go to every worker.
type Remote struct {
	conns []*grpc.ClientConn
	next  atomic.Uint64
	sem   *semaphore.Weighted
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to every address. Connections are established lazily.
func Dial(addrs []string, maxInFlight int, log *zap.Logger) (*Remote, error) {
	if len(addrs) == 0 {
		return nil, errors.New("dial workers: no addresses")
	}
	conns := make([]*grpc.ClientConn, 0, len(addrs))
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
		}
		conns = append(conns, conn)
	}
	return NewRemote(conns, maxInFlight, log), nil
}

// NewRemote wraps already-open connections. Close closes them.
func NewRemote(conns []*grpc.ClientConn, maxInFlight int, log *zap.Logger) *Remote {
	if log == nil {
		log = zap.NewNop()
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Remote{
		conns:  conns,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
		log:    log.Named("remote"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Workers returns the number of connected workers.
func (r *Remote) Workers() int { return len(r.conns) }

// Close aborts in-flight jobs and closes every connection.
func (r *Remote) Close() error {
	r.cancel()
	var errs []error
	for _, c := range r.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// #endregion remote

// #region executor
// Submit implements workers.Executor. The RPC runs in the background and the
// returned task resolves with its result.
func (r *Remote) Submit(job workers.Job) *workers.Task {
	t := workers.NewTask(job)
	in, err := encodeJob(job)
	if err != nil {
		t.Complete(workers.Result{}, err)
		return t
	}
	conn := r.conns[(r.next.Add(1)-1)%uint64(len(r.conns))]
	go func() {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			t.Complete(workers.Result{}, fmt.Errorf("submit %s: %w", t.ID(), err))
			return
		}
		defer r.sem.Release(1)

		out := new(structpb.Struct)
		if err := conn.Invoke(r.ctx, methodRun, in, out); err != nil {
			r.log.Warn("remote job failed", zap.String("target", conn.Target()),
				zap.String("optim_id", job.OptimID), zap.Error(err))
			t.Complete(workers.Result{}, fromStatus(err))
			return
		}
		t.Complete(decodeResult(out), nil)
	}()
	return t
}

// #endregion executor

// #region publisher
// Publish implements workers.Publisher. It returns once every worker holds spec.
func (r *Remote) Publish(ctx context.Context, spec workers.NicheSpec) error {
	in, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	return r.broadcast(ctx, methodPublish, in)
}

// Retract implements workers.Publisher.
func (r *Remote) Retract(ctx context.Context, optimID string) error {
	in, err := encodeRetract(optimID)
	if err != nil {
		return err
	}
	return r.broadcast(ctx, methodRetract, in)
}

func (r *Remote) broadcast(ctx context.Context, method string, in *structpb.Struct) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range r.conns {
		g.Go(func() error {
			if err := conn.Invoke(ctx, method, in, new(structpb.Struct)); err != nil {
				return fmt.Errorf("%s on %s: %w", method, conn.Target(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// #endregion publisher

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", workers.ErrNotPublished, st.Message())
	case codes.Canceled:
		return fmt.Errorf("remote job: %w", context.Canceled)
	default:
		return fmt.Errorf("remote job: %w", err)
	}
}
