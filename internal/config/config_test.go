package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verystrongjoe/poet/internal/noise"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutSources(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default().Run, cfg.Run)
	assert.True(t, cfg.ES.EvaluateProposals)
	assert.Equal(t, filepath.Join("runs/poet", "poet.db"), cfg.DBPath())
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
run:
  log_file: /tmp/exp1
  max_num_envs: 5
  propose_with_adam: false
es:
  learning_rate: 0.05
noise:
  debug: true
terrain:
  length: 64
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/exp1", cfg.Run.LogFile)
	assert.Equal(t, 5, cfg.Run.MaxNumEnvs)
	assert.False(t, cfg.Run.ProposeWithAdam)
	assert.Equal(t, 25, cfg.Run.StepsBeforeTransfer)
	assert.Equal(t, 0.05, cfg.ES.LearningRate)
	assert.Equal(t, 16, cfg.ES.BatchSize)
	assert.Equal(t, noise.DebugCount, cfg.Noise.TableSize())
	assert.Equal(t, 64, cfg.Terrain.ToOptions().Length)
	assert.Equal(t, 300, cfg.Terrain.MaxSteps)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("POET_ES_LEARNING_RATE", "0.2")
	t.Setenv("POET_RUN_MC_UPPER", "400")
	t.Setenv("POET_WORKERS_REMOTE", "a:7070, b:7070")
	t.Setenv("POET_REPRODUCE_CATEGORIES", "roughness,pit")

	cfg, err := LoadBytes([]byte("es:\n  learning_rate: 0.05\n"))
	require.NoError(t, err)

	assert.Equal(t, 0.2, cfg.ES.LearningRate)
	assert.Equal(t, 400.0, cfg.Run.MCUpper)
	assert.Equal(t, []string{"a:7070", "b:7070"}, cfg.Workers.Remote)
	assert.Equal(t, []string{"roughness", "pit"}, cfg.Reproduce.Categories)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := LoadBytes([]byte(`
run:
  mc_lower: 500
  max_admitted: 0
es:
  optimizer: rmsprop
logging:
  format: xml
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "mc_lower")
	assert.Contains(t, msg, "max_admitted")
	assert.Contains(t, msg, "rmsprop")
	assert.Contains(t, msg, "xml")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  iterations: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Run.Iterations)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ES.ToES().Validate())
	assert.Equal(t, cfg.Reproduce.Categories, cfg.Reproduce.ToReproduce().Categories)
}
