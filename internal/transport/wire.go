// Package transport carries rollout jobs to worker processes over gRPC.
//
// Messages are google.protobuf.Struct values so no generated code is needed.
// int64 values travel as decimal strings because Struct numbers are doubles.
package transport

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/workers"
)

// #region encode
func encodeSpec(spec workers.NicheSpec) (*structpb.Struct, error) {
	raw, err := json.Marshal(spec.Env)
	if err != nil {
		return nil, fmt.Errorf("encode spec %s: %w", spec.OptimID, err)
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("encode spec %s: %w", spec.OptimID, err)
	}
	return structpb.NewStruct(map[string]any{
		"optim_id": spec.OptimID,
		"seed":     strconv.FormatInt(spec.Seed, 10),
		"env":      env,
	})
}

func encodeRetract(optimID string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"optim_id": optimID})
}

func encodeJob(job workers.Job) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":       string(job.Kind),
		"optim_id":   job.OptimID,
		"theta":      float32s(job.Theta),
		"batch_size": job.BatchSize,
		"noise_std":  job.NoiseStd,
		"seed":       strconv.FormatInt(job.Seed, 10),
	})
}

func encodeResult(res workers.Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"noise_inds":   ints(res.NoiseInds),
		"returns_pos":  float64s(res.ReturnsPos),
		"returns_neg":  float64s(res.ReturnsNeg),
		"lengths_pos":  ints(res.LengthsPos),
		"lengths_neg":  ints(res.LengthsNeg),
		"eval_returns": float64s(res.EvalReturns),
		"eval_lengths": ints(res.EvalLengths),
	})
}

func float32s(v []float32) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func float64s(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func ints(v []int) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

// #endregion encode

// #region decode
func decodeSpec(s *structpb.Struct) (workers.NicheSpec, error) {
	f := s.GetFields()
	seed, err := decodeInt64(f["seed"])
	if err != nil {
		return workers.NicheSpec{}, fmt.Errorf("decode spec: %w", err)
	}
	raw, err := f["env"].GetStructValue().MarshalJSON()
	if err != nil {
		return workers.NicheSpec{}, fmt.Errorf("decode spec: %w", err)
	}
	var env niche.EnvConfig
	if err := json.Unmarshal(raw, &env); err != nil {
		return workers.NicheSpec{}, fmt.Errorf("decode spec: %w", err)
	}
	return workers.NicheSpec{OptimID: f["optim_id"].GetStringValue(), Env: env, Seed: seed}, nil
}

func decodeJob(s *structpb.Struct) (workers.Job, error) {
	f := s.GetFields()
	seed, err := decodeInt64(f["seed"])
	if err != nil {
		return workers.Job{}, fmt.Errorf("decode job: %w", err)
	}
	list := f["theta"].GetListValue().GetValues()
	theta := make([]float32, len(list))
	for i, v := range list {
		theta[i] = float32(v.GetNumberValue())
	}
	return workers.Job{
		Kind:      workers.Kind(f["kind"].GetStringValue()),
		OptimID:   f["optim_id"].GetStringValue(),
		Theta:     theta,
		BatchSize: int(f["batch_size"].GetNumberValue()),
		NoiseStd:  f["noise_std"].GetNumberValue(),
		Seed:      seed,
	}, nil
}

func decodeResult(s *structpb.Struct) workers.Result {
	f := s.GetFields()
	return workers.Result{
		NoiseInds:   decodeInts(f["noise_inds"]),
		ReturnsPos:  decodeFloats(f["returns_pos"]),
		ReturnsNeg:  decodeFloats(f["returns_neg"]),
		LengthsPos:  decodeInts(f["lengths_pos"]),
		LengthsNeg:  decodeInts(f["lengths_neg"]),
		EvalReturns: decodeFloats(f["eval_returns"]),
		EvalLengths: decodeInts(f["eval_lengths"]),
	}
}

func decodeInt64(v *structpb.Value) (int64, error) {
	n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("int64 field: %w", err)
	}
	return n, nil
}

func decodeFloats(v *structpb.Value) []float64 {
	list := v.GetListValue().GetValues()
	if len(list) == 0 {
		return nil
	}
	out := make([]float64, len(list))
	for i, x := range list {
		out[i] = x.GetNumberValue()
	}
	return out
}

func decodeInts(v *structpb.Value) []int {
	list := v.GetListValue().GetValues()
	if len(list) == 0 {
		return nil
	}
	out := make([]int, len(list))
	for i, x := range list {
		out[i] = int(x.GetNumberValue())
	}
	return out
}

// #endregion decode
