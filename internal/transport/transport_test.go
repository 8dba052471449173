package transport

import (
	"context"
	"math/rand/v2"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/verystrongjoe/poet/internal/metrics"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/workers"
)

// sum scores theta by the sum of its weights.
type sum struct{}

func (sum) InitialTheta() []float32 { return []float32{0, 0} }

func (sum) Rollout(_ context.Context, theta []float32, _ *rand.Rand, _ bool) (float64, int, error) {
	var s float64
	for _, x := range theta {
		s += float64(x)
	}
	return s, 3, nil
}

type worker struct {
	board *workers.Board
	m     *metrics.Metrics
	reg   *prometheus.Registry
}

func startWorker(t *testing.T) (*grpc.ClientConn, worker) {
	t.Helper()
	tbl, err := noise.New(3, 10_000)
	require.NoError(t, err)
	board := workers.NewBoard()
	factory := func(niche.EnvConfig, int64) (niche.Niche, error) { return sum{}, nil }
	pool, err := workers.NewPool(2, workers.NewRunner(tbl, board, factory), zap.NewNop())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterWorkerServer(srv, NewServer(board, pool, m, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		pool.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	return conn, worker{board: board, m: m, reg: reg}
}

func TestPublishReachesEveryWorker(t *testing.T) {
	c1, w1 := startWorker(t)
	c2, w2 := startWorker(t)
	r := NewRemote([]*grpc.ClientConn{c1, c2}, 4, nil)
	t.Cleanup(func() { _ = r.Close() })

	env := niche.NewEnvConfig("r0.6", niche.WithGroundRoughness(0.6), niche.WithPitGap(0, 0.8))
	spec := workers.NicheSpec{OptimID: "r0.6", Env: env, Seed: 1 << 40}
	require.NoError(t, r.Publish(context.Background(), spec))

	for _, w := range []worker{w1, w2} {
		got, ok := w.board.Lookup("r0.6")
		require.True(t, ok)
		assert.Equal(t, int64(1<<40), got.Seed)
		assert.True(t, env.SameParams(got.Env))
	}

	require.NoError(t, r.Retract(context.Background(), "r0.6"))
	assert.Equal(t, 0, w1.board.Len())
	assert.Equal(t, 0, w2.board.Len())
}

func TestSubmitRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, w := startWorker(t)
	r := NewRemote([]*grpc.ClientConn{conn}, 2, nil)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Publish(ctx, workers.NicheSpec{OptimID: "flat", Env: niche.DefaultEnv(), Seed: 5}))

	res, err := r.Submit(workers.Job{Kind: workers.KindEval, OptimID: "flat", Theta: []float32{0.5, 1.25}, BatchSize: 3, Seed: 9}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.75, 1.75, 1.75}, res.EvalReturns)
	assert.Equal(t, []int{3, 3, 3}, res.EvalLengths)

	step, err := r.Submit(workers.Job{Kind: workers.KindStep, OptimID: "flat", Theta: []float32{0, 0}, BatchSize: 4, NoiseStd: 0.1, Seed: 9}).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, step.NoiseInds, 4)
	assert.Len(t, step.ReturnsPos, 4)
	assert.Len(t, step.ReturnsNeg, 4)

	assert.Equal(t, 2, testutil.CollectAndCount(w.reg, "poet_worker_tasks_total"))
}

func TestSubmitUnpublishedNiche(t *testing.T) {
	conn, _ := startWorker(t)
	r := NewRemote([]*grpc.ClientConn{conn}, 1, nil)
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Submit(workers.Job{Kind: workers.KindEval, OptimID: "ghost", Theta: []float32{0, 0}, BatchSize: 1}).Wait(context.Background())
	require.ErrorIs(t, err, workers.ErrNotPublished)
}

func TestSubmitAfterClose(t *testing.T) {
	conn, _ := startWorker(t)
	r := NewRemote([]*grpc.ClientConn{conn}, 1, nil)
	require.NoError(t, r.Close())

	_, err := r.Submit(workers.Job{Kind: workers.KindEval, OptimID: "flat", BatchSize: 1}).Wait(context.Background())
	require.Error(t, err)
}

func TestDialRequiresAddresses(t *testing.T) {
	_, err := Dial(nil, 1, nil)
	require.Error(t, err)
}

func TestJobCodecKeepsInt64Seed(t *testing.T) {
	in := workers.Job{Kind: workers.KindStep, OptimID: "x", Theta: []float32{0.1, -2}, BatchSize: 7, NoiseStd: 0.02, Seed: 1<<53 + 1}
	s, err := encodeJob(in)
	require.NoError(t, err)
	out, err := decodeJob(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
