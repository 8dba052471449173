package state

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS niches (
	optim_id        TEXT PRIMARY KEY,
	env_json        TEXT NOT NULL,
	seed            INTEGER NOT NULL,
	created_at_iter INTEGER NOT NULL,
	parent_id       TEXT,
	status          TEXT NOT NULL,
	admit_seq       INTEGER NOT NULL,
	admitted_at     TEXT NOT NULL,
	deleted_at      TEXT
);

CREATE TABLE IF NOT EXISTS archive (
	optim_id     TEXT PRIMARY KEY,
	env_json     TEXT NOT NULL,
	position     INTEGER NOT NULL,
	archived_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS theta_snapshots (
	snapshot_id  TEXT PRIMARY KEY,
	optim_id     TEXT NOT NULL,
	iteration    INTEGER NOT NULL,
	theta        BLOB NOT NULL,
	score        REAL,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (optim_id) REFERENCES niches(optim_id)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_optim ON theta_snapshots(optim_id, iteration);

CREATE TABLE IF NOT EXISTS iteration_stats (
	iteration       INTEGER NOT NULL,
	optim_id        TEXT NOT NULL,
	self_eval       REAL,
	po_returns_max  REAL,
	po_returns_mean REAL,
	episodes        INTEGER,
	learning_rate   REAL,
	noise_std       REAL,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (iteration, optim_id)
);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	optim_id      TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	trigger_type  TEXT NOT NULL,
	parent_id     TEXT,
	payload_json  TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);
`

// Schema returns the DDL, for tools that build a database by hand.
func Schema() string { return schema }

// #endregion schema

// #region store-struct
// Store persists the niche population, archive and snapshots of one run in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region niches
// RecordAdmission marks a niche active and archives its environment.
// Re-admitting a deleted id reactivates the row; the archive keeps the first entry.
func (s *Store) RecordAdmission(rec NicheRecord) error {
	envJSON, err := json.Marshal(rec.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	if rec.AdmittedAt.IsZero() {
		rec.AdmittedAt = time.Now().UTC()
	}
	at := rec.AdmittedAt.Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO niches (optim_id, env_json, seed, created_at_iter, parent_id, status, admit_seq, admitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(admit_seq), 0) + 1 FROM niches), ?)
		 ON CONFLICT(optim_id) DO UPDATE SET
		   env_json = excluded.env_json,
		   seed = excluded.seed,
		   created_at_iter = excluded.created_at_iter,
		   parent_id = excluded.parent_id,
		   status = excluded.status,
		   admit_seq = excluded.admit_seq,
		   admitted_at = excluded.admitted_at,
		   deleted_at = NULL`,
		rec.OptimID, string(envJSON), rec.Seed, rec.CreatedAtIter, nullIfEmpty(rec.ParentID), StatusActive, at,
	)
	if err != nil {
		return fmt.Errorf("insert niche: %w", err)
	}

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO archive (optim_id, env_json, position, archived_at)
		 VALUES (?, ?, (SELECT COUNT(*) FROM archive), ?)`,
		rec.OptimID, string(envJSON), at,
	)
	if err != nil {
		return fmt.Errorf("archive env: %w", err)
	}

	return tx.Commit()
}

// MarkDeleted flags an active niche as deleted. Its archive entry stays.
func (s *Store) MarkDeleted(optimID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE niches SET status = ?, deleted_at = ? WHERE optim_id = ? AND status = ?`,
		StatusDeleted, at.UTC().Format(time.RFC3339Nano), optimID, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark deleted %s: %w", optimID, ErrNotFound)
	}
	return nil
}

// GetNiche reads one niche row regardless of status.
func (s *Store) GetNiche(optimID string) (NicheRecord, error) {
	recs, err := s.queryNiches(`WHERE optim_id = ?`, optimID)
	if err != nil {
		return NicheRecord{}, err
	}
	if len(recs) == 0 {
		return NicheRecord{}, fmt.Errorf("get niche %s: %w", optimID, ErrNotFound)
	}
	return recs[0], nil
}

// ListActive returns the active niches in admission order.
func (s *Store) ListActive() ([]NicheRecord, error) {
	return s.queryNiches(`WHERE status = ? ORDER BY admit_seq`, StatusActive)
}

// ListNiches returns every niche ever admitted, in admission order.
func (s *Store) ListNiches() ([]NicheRecord, error) {
	return s.queryNiches(`ORDER BY admit_seq`)
}

func (s *Store) queryNiches(where string, args ...any) ([]NicheRecord, error) {
	rows, err := s.db.Query(
		`SELECT optim_id, env_json, seed, created_at_iter, parent_id, status, admitted_at, deleted_at
		 FROM niches `+where, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query niches: %w", err)
	}
	defer rows.Close()

	var records []NicheRecord
	for rows.Next() {
		var rec NicheRecord
		var envJSON, admittedStr string
		var parentID, deletedStr sql.NullString
		if err := rows.Scan(&rec.OptimID, &envJSON, &rec.Seed, &rec.CreatedAtIter, &parentID, &rec.Status, &admittedStr, &deletedStr); err != nil {
			return nil, fmt.Errorf("scan niche: %w", err)
		}
		if err := json.Unmarshal([]byte(envJSON), &rec.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env %s: %w", rec.OptimID, err)
		}
		if parentID.Valid {
			rec.ParentID = parentID.String
		}
		rec.AdmittedAt, _ = time.Parse(time.RFC3339Nano, admittedStr)
		if deletedStr.Valid {
			rec.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedStr.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion niches

// #region archive
// ListArchive returns every archived environment in admission order.
func (s *Store) ListArchive() ([]ArchiveEntry, error) {
	rows, err := s.db.Query(`SELECT optim_id, env_json, position, archived_at FROM archive ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var envJSON, archivedStr string
		if err := rows.Scan(&e.OptimID, &envJSON, &e.Position, &archivedStr); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		if err := json.Unmarshal([]byte(envJSON), &e.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env %s: %w", e.OptimID, err)
		}
		e.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion archive

// #region snapshots
// SaveSnapshot stores a copy of theta for an admitted niche.
func (s *Store) SaveSnapshot(optimID string, iteration int, theta []float32, score float64) error {
	_, err := s.db.Exec(
		`INSERT INTO theta_snapshots (snapshot_id, optim_id, iteration, theta, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), optimID, iteration, encodeVector(theta), finiteOrNull(score),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestTheta returns the most recent snapshot for a niche.
func (s *Store) LatestTheta(optimID string) (ThetaSnapshot, error) {
	var snap ThetaSnapshot
	var blob []byte
	var score sql.NullFloat64
	var createdStr string
	err := s.db.QueryRow(
		`SELECT snapshot_id, optim_id, iteration, theta, score, created_at
		 FROM theta_snapshots WHERE optim_id = ?
		 ORDER BY iteration DESC, created_at DESC LIMIT 1`, optimID,
	).Scan(&snap.SnapshotID, &snap.OptimID, &snap.Iteration, &blob, &score, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ThetaSnapshot{}, fmt.Errorf("latest theta %s: %w", optimID, ErrNotFound)
	}
	if err != nil {
		return ThetaSnapshot{}, fmt.Errorf("latest theta %s: %w", optimID, err)
	}
	snap.Theta = decodeVector(blob)
	snap.Score = math.Inf(-1)
	if score.Valid {
		snap.Score = score.Float64
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return snap, nil
}

// #endregion snapshots

// #region iteration-stats
// RecordIterationStats writes one iteration's per-niche summaries atomically.
func (s *Store) RecordIterationStats(stats []IterationStat) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range stats {
		if st.CreatedAt.IsZero() {
			st.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO iteration_stats
			 (iteration, optim_id, self_eval, po_returns_max, po_returns_mean, episodes, learning_rate, noise_std, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Iteration, st.OptimID, finiteOrNull(st.SelfEval), finiteOrNull(st.POReturnsMax),
			finiteOrNull(st.POReturnsMean), st.Episodes, st.LearningRate, st.NoiseStd,
			st.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert iteration stat: %w", err)
		}
	}
	return tx.Commit()
}

// ListIterationStats returns the most recent stats for a niche, newest first.
func (s *Store) ListIterationStats(optimID string, limit int) ([]IterationStat, error) {
	rows, err := s.db.Query(
		`SELECT iteration, optim_id, self_eval, po_returns_max, po_returns_mean, episodes, learning_rate, noise_std, created_at
		 FROM iteration_stats WHERE optim_id = ? ORDER BY iteration DESC LIMIT ?`, optimID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list iteration stats: %w", err)
	}
	defer rows.Close()

	var out []IterationStat
	for rows.Next() {
		var st IterationStat
		var selfEval, poMax, poMean sql.NullFloat64
		var createdStr string
		if err := rows.Scan(&st.Iteration, &st.OptimID, &selfEval, &poMax, &poMean, &st.Episodes, &st.LearningRate, &st.NoiseStd, &createdStr); err != nil {
			return nil, fmt.Errorf("scan iteration stat: %w", err)
		}
		st.SelfEval = nullToInf(selfEval)
		st.POReturnsMax = nullToInf(poMax)
		st.POReturnsMean = nullToInf(poMean)
		st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, st)
	}
	return out, rows.Err()
}

// #endregion iteration-stats

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SQLite rejects NaN and stores infinities inconsistently; both become NULL.
func finiteOrNull(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}

func nullToInf(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.Inf(-1)
	}
	return v.Float64
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion helpers
