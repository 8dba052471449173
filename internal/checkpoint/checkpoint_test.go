package checkpoint

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verystrongjoe/poet/internal/niche"
)

func TestWriterPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exp1")
	w, err := NewWriter(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "exp1.flat.env.json"), w.EnvPath("flat"))
	assert.Equal(t, filepath.Join(dir, "exp1.flat.best.json"), w.ThetaPath("flat"))
	assert.DirExists(t, dir)
}

func TestEnvRecordLayout(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "exp1"))
	require.NoError(t, err)
	env := niche.NewEnvConfig("r0.4.p0_0.8", niche.WithGroundRoughness(0.4), niche.WithPitGap(0, 0.8))

	require.NoError(t, w.WriteEnv("r0.4.p0_0.8", env, 42))

	data, err := os.ReadFile(w.EnvPath("r0.4.p0_0.8"))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(42), raw["seed"])
	cfg := raw["config"].(map[string]any)
	assert.Equal(t, "r0.4.p0_0.8", cfg["name"])
	assert.Equal(t, []any{}, cfg["stair_steps"])

	rec, err := ReadEnv(w.EnvPath("r0.4.p0_0.8"))
	require.NoError(t, err)
	assert.True(t, rec.Config.SameParams(env))
	assert.Equal(t, int64(42), rec.Seed)
}

func TestSnapshotThetaFile(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "exp1"))
	require.NoError(t, err)

	require.NoError(t, w.SaveSnapshot("flat", 3, []float32{0.5, -1}, math.Inf(-1)))
	theta, err := ReadTheta(w.ThetaPath("flat"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1}, theta)

	data, _ := os.ReadFile(w.ThetaPath("flat"))
	assert.JSONEq(t, `[[0.5,-1],3,null]`, string(data))

	require.NoError(t, w.SaveSnapshot("flat", 4, []float32{1}, 12.5))
	data, _ = os.ReadFile(w.ThetaPath("flat"))
	assert.JSONEq(t, `[[1],4,12.5]`, string(data))
}

func TestReadThetaRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.best.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := ReadTheta(path)
	require.Error(t, err)
}

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(filepath.Join(root, "exp1"))
	require.NoError(t, err)
	for i, id := range []string{"r0.2", "flat"} {
		env := niche.NewEnvConfig(id, niche.WithGroundRoughness(float64(i)))
		require.NoError(t, w.WriteEnv(id, env, int64(i+10)))
		require.NoError(t, w.SaveSnapshot(id, 5, []float32{float32(i)}, 1))
	}
	require.NoError(t, w.WriteManifest([]string{"r0.2", "flat"}))

	m, err := LoadManifest(w.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, "exp1", m.ExpName)
	assert.Equal(t, filepath.Join(root, "exp1")+"/exp1.", m.Prefix())

	entries, err := m.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "flat", entries[0].OptimID)
	assert.Equal(t, int64(11), entries[0].Seed)
	assert.Equal(t, []float32{1}, entries[0].Theta)
	assert.Equal(t, "r0.2", entries[1].OptimID)
	assert.Equal(t, 0.0, entries[1].Env.GroundRoughness())
}

func TestManifestMissingFiles(t *testing.T) {
	m := Manifest{Path: t.TempDir() + "/", ExpName: "gone", Niches: map[string]string{"flat": "flat.best.json"}}

	_, err := m.Load()
	require.Error(t, err)
}

func TestLoadManifestEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"path":"/x/","exp_name":"e","niches":{}}`), 0o644))

	_, err := LoadManifest(path)
	require.ErrorIs(t, err, ErrEmptyManifest)
}
