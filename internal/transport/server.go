package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/verystrongjoe/poet/internal/metrics"
	"github.com/verystrongjoe/poet/internal/workers"
)

// #region server
// Server exposes a local pool and board to a remote orchestrator.
type Server struct {
	board   *workers.Board
	exec    workers.Executor
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewServer serves jobs on exec against niches published to board. m may be nil.
func NewServer(board *workers.Board, exec workers.Executor, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{board: board, exec: exec, metrics: m, log: log.Named("worker")}
}

// Publish implements WorkerServer.
func (s *Server) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	spec, err := decodeSpec(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.board.Publish(ctx, spec); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Debug("published", zap.String("optim_id", spec.OptimID), zap.Int64("seed", spec.Seed))
	return &structpb.Struct{}, nil
}

// Retract implements WorkerServer.
func (s *Server) Retract(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["optim_id"].GetStringValue()
	if err := s.board.Retract(ctx, id); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{}, nil
}

// Run implements WorkerServer. It blocks until the job completes.
func (s *Server) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	job, err := decodeJob(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	start := time.Now()
	res, err := s.exec.Submit(job).Wait(ctx)
	s.metrics.WorkerTask(string(job.Kind), time.Since(start), err)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeResult(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, workers.ErrNotPublished):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, workers.ErrUnknownJob):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// #endregion server
