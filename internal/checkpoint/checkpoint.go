// Package checkpoint reads and writes the per-niche files of a run directory
// and the manifest used to resume a run from them.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/verystrongjoe/poet/internal/niche"
)

var ErrEmptyManifest = errors.New("checkpoint: manifest lists no niches")

// #region env-record
// EnvRecord is the content of an env definition file.
type EnvRecord struct {
	Config niche.EnvConfig `json:"config"`
	Seed   int64           `json:"seed"`
}

// ReadEnv loads an env definition file.
func ReadEnv(path string) (EnvRecord, error) {
	var rec EnvRecord
	if err := readJSON(path, &rec); err != nil {
		return EnvRecord{}, fmt.Errorf("read env %s: %w", path, err)
	}
	return rec, nil
}

// ReadTheta loads the first element of a theta file, which holds the parameters.
func ReadTheta(path string) ([]float32, error) {
	var parts []json.RawMessage
	if err := readJSON(path, &parts); err != nil {
		return nil, fmt.Errorf("read theta %s: %w", path, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("read theta %s: empty array", path)
	}
	var theta []float32
	if err := json.Unmarshal(parts[0], &theta); err != nil {
		return nil, fmt.Errorf("read theta %s: %w", path, err)
	}
	return theta, nil
}

// #endregion env-record

// #region writer
// Writer owns a run directory. Files are named <dir>/<base(dir)>.<optim_id>.<kind>.json.
type Writer struct {
	dir  string
	base string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Writer{dir: dir, base: filepath.Base(dir)}, nil
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) EnvPath(optimID string) string {
	return filepath.Join(w.dir, w.base+"."+optimID+".env.json")
}

func (w *Writer) ThetaPath(optimID string) string {
	return filepath.Join(w.dir, w.base+"."+optimID+".best.json")
}

func (w *Writer) ManifestPath() string {
	return filepath.Join(w.dir, w.base+".manifest.json")
}

// WriteEnv records the environment definition of a newly added niche.
func (w *Writer) WriteEnv(optimID string, env niche.EnvConfig, seed int64) error {
	if err := writeJSON(w.EnvPath(optimID), EnvRecord{Config: env, Seed: seed}); err != nil {
		return fmt.Errorf("write env %s: %w", optimID, err)
	}
	return nil
}

// SaveSnapshot writes [theta, iteration, score]. A non-finite score is written as null.
func (w *Writer) SaveSnapshot(optimID string, iteration int, theta []float32, score float64) error {
	var s any
	if !math.IsNaN(score) && !math.IsInf(score, 0) {
		s = score
	}
	if err := writeJSON(w.ThetaPath(optimID), []any{theta, iteration, s}); err != nil {
		return fmt.Errorf("write theta %s: %w", optimID, err)
	}
	return nil
}

// Manifest describes the given niches so that LoadManifest can resume from this directory.
func (w *Writer) Manifest(optimIDs []string) Manifest {
	m := Manifest{
		Path:    filepath.Dir(w.dir) + string(filepath.Separator),
		ExpName: w.base,
		Niches:  make(map[string]string, len(optimIDs)),
	}
	for _, id := range optimIDs {
		m.Niches[id] = id + ".best.json"
	}
	return m
}

// WriteManifest writes Manifest(optimIDs) to ManifestPath.
func (w *Writer) WriteManifest(optimIDs []string) error {
	if err := writeJSON(w.ManifestPath(), w.Manifest(optimIDs)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// #endregion writer

// #region manifest
// Manifest lists the niches to resume: theta files relative to Prefix, keyed by optim id.
type Manifest struct {
	Path    string            `json:"path"`
	ExpName string            `json:"exp_name"`
	Niches  map[string]string `json:"niches"`
}

// ResumeEntry is one niche rebuilt from a manifest.
type ResumeEntry struct {
	OptimID string
	Env     niche.EnvConfig
	Seed    int64
	Theta   []float32
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	if err := readJSON(path, &m); err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if len(m.Niches) == 0 {
		return Manifest{}, fmt.Errorf("%w: %s", ErrEmptyManifest, path)
	}
	return m, nil
}

// Prefix is path + exp_name + "/" + exp_name + ".", joined as plain strings.
func (m Manifest) Prefix() string {
	return m.Path + m.ExpName + "/" + m.ExpName + "."
}

// Load reads every listed niche's theta and env definition, in sorted id order.
func (m Manifest) Load() ([]ResumeEntry, error) {
	ids := make([]string, 0, len(m.Niches))
	for id := range m.Niches {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	prefix := m.Prefix()
	entries := make([]ResumeEntry, 0, len(ids))
	for _, id := range ids {
		theta, err := ReadTheta(prefix + m.Niches[id])
		if err != nil {
			return nil, err
		}
		rec, err := ReadEnv(prefix + id + ".env.json")
		if err != nil {
			return nil, err
		}
		entries = append(entries, ResumeEntry{OptimID: id, Env: rec.Config, Seed: rec.Seed, Theta: theta})
	}
	return entries, nil
}

// #endregion manifest

// #region helpers
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// #endregion helpers
