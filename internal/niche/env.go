package niche

import (
	"encoding/json"
	"fmt"
	"slices"
)

// #region env-config
// EnvConfig is an immutable environment descriptor. Its identity is Name.
type EnvConfig struct {
	name            string
	groundRoughness float64
	pitGap          []float64
	stumpWidth      []float64
	stumpHeight     []float64
	stumpFloat      []float64
	stairHeight     []float64
	stairWidth      []float64
	stairSteps      []float64
}

// Option sets one terrain parameter on a new EnvConfig.
type Option func(*EnvConfig)

func WithGroundRoughness(v float64) Option { return func(e *EnvConfig) { e.groundRoughness = v } }
func WithPitGap(v ...float64) Option       { return func(e *EnvConfig) { e.pitGap = slices.Clone(v) } }
func WithStumpWidth(v ...float64) Option   { return func(e *EnvConfig) { e.stumpWidth = slices.Clone(v) } }
func WithStumpHeight(v ...float64) Option  { return func(e *EnvConfig) { e.stumpHeight = slices.Clone(v) } }
func WithStumpFloat(v ...float64) Option   { return func(e *EnvConfig) { e.stumpFloat = slices.Clone(v) } }
func WithStairHeight(v ...float64) Option  { return func(e *EnvConfig) { e.stairHeight = slices.Clone(v) } }
func WithStairWidth(v ...float64) Option   { return func(e *EnvConfig) { e.stairWidth = slices.Clone(v) } }
func WithStairSteps(v ...float64) Option   { return func(e *EnvConfig) { e.stairSteps = slices.Clone(v) } }

// NewEnvConfig builds an EnvConfig named name. Unset obstacle lists are empty.
func NewEnvConfig(name string, opts ...Option) EnvConfig {
	e := EnvConfig{name: name}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// DefaultEnv returns the bootstrap environment: flat ground with no obstacles.
func DefaultEnv() EnvConfig {
	return NewEnvConfig("flat", WithGroundRoughness(0))
}

func (e EnvConfig) Name() string             { return e.name }
func (e EnvConfig) GroundRoughness() float64 { return e.groundRoughness }
func (e EnvConfig) PitGap() []float64        { return slices.Clone(e.pitGap) }
func (e EnvConfig) StumpWidth() []float64    { return slices.Clone(e.stumpWidth) }
func (e EnvConfig) StumpHeight() []float64   { return slices.Clone(e.stumpHeight) }
func (e EnvConfig) StumpFloat() []float64    { return slices.Clone(e.stumpFloat) }
func (e EnvConfig) StairHeight() []float64   { return slices.Clone(e.stairHeight) }
func (e EnvConfig) StairWidth() []float64    { return slices.Clone(e.stairWidth) }
func (e EnvConfig) StairSteps() []float64    { return slices.Clone(e.stairSteps) }

// Equal reports whether two configs name the same environment.
func (e EnvConfig) Equal(other EnvConfig) bool { return e.name == other.name }

// SameParams reports whether every parameter, name included, matches.
func (e EnvConfig) SameParams(other EnvConfig) bool {
	return e.name == other.name &&
		e.groundRoughness == other.groundRoughness &&
		slices.Equal(e.pitGap, other.pitGap) &&
		slices.Equal(e.stumpWidth, other.stumpWidth) &&
		slices.Equal(e.stumpHeight, other.stumpHeight) &&
		slices.Equal(e.stumpFloat, other.stumpFloat) &&
		slices.Equal(e.stairHeight, other.stairHeight) &&
		slices.Equal(e.stairWidth, other.stairWidth) &&
		slices.Equal(e.stairSteps, other.stairSteps)
}

// VectorLen is the length of the slice returned by Vector.
const VectorLen = 1 + 7*2

// Vector flattens the parameters into a fixed-length feature vector.
// Each obstacle list contributes its first two values, zero-padded.
func (e EnvConfig) Vector() []float64 {
	v := make([]float64, 0, VectorLen)
	v = append(v, e.groundRoughness)
	for _, list := range [][]float64{
		e.pitGap, e.stumpWidth, e.stumpHeight, e.stumpFloat,
		e.stairHeight, e.stairWidth, e.stairSteps,
	} {
		pair := [2]float64{}
		copy(pair[:], list)
		v = append(v, pair[0], pair[1])
	}
	return v
}

func (e EnvConfig) String() string {
	return fmt.Sprintf("%s(roughness=%g pit=%v stump_h=%v stair_h=%v)", e.name, e.groundRoughness, e.pitGap, e.stumpHeight, e.stairHeight)
}

// #endregion env-config

// #region json
type envJSON struct {
	Name            string    `json:"name"`
	GroundRoughness float64   `json:"ground_roughness"`
	PitGap          []float64 `json:"pit_gap"`
	StumpWidth      []float64 `json:"stump_width"`
	StumpHeight     []float64 `json:"stump_height"`
	StumpFloat      []float64 `json:"stump_float"`
	StairHeight     []float64 `json:"stair_height"`
	StairWidth      []float64 `json:"stair_width"`
	StairSteps      []float64 `json:"stair_steps"`
}

func orEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// MarshalJSON writes the snake_case field layout used by env definition records.
func (e EnvConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(envJSON{
		Name:            e.name,
		GroundRoughness: e.groundRoughness,
		PitGap:          orEmpty(e.pitGap),
		StumpWidth:      orEmpty(e.stumpWidth),
		StumpHeight:     orEmpty(e.stumpHeight),
		StumpFloat:      orEmpty(e.stumpFloat),
		StairHeight:     orEmpty(e.stairHeight),
		StairWidth:      orEmpty(e.stairWidth),
		StairSteps:      orEmpty(e.stairSteps),
	})
}

// UnmarshalJSON reads the layout written by MarshalJSON.
func (e *EnvConfig) UnmarshalJSON(data []byte) error {
	var raw envJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal env config: %w", err)
	}
	if raw.Name == "" {
		return fmt.Errorf("unmarshal env config: missing name")
	}
	*e = NewEnvConfig(raw.Name,
		WithGroundRoughness(raw.GroundRoughness),
		WithPitGap(raw.PitGap...),
		WithStumpWidth(raw.StumpWidth...),
		WithStumpHeight(raw.StumpHeight...),
		WithStumpFloat(raw.StumpFloat...),
		WithStairHeight(raw.StairHeight...),
		WithStairWidth(raw.StairWidth...),
		WithStairSteps(raw.StairSteps...),
	)
	return nil
}

// #endregion json
