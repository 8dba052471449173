package lineage

import (
	"database/sql"
	"fmt"
	"time"
)

// Edge types.
const (
	EdgeMutation         = "mutation"
	EdgeTransferTheta    = "transfer_theta"
	EdgeTransferProposal = "transfer_proposal"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS lineage_edges (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id   TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    edge_type   TEXT NOT NULL,
    weight      REAL NOT NULL DEFAULT 1,
    iteration   INTEGER NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    UNIQUE(source_id, target_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_lineage_source ON lineage_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_lineage_target ON lineage_edges(target_id);
`

// #endregion schema

// #region types
// Edge links two niches: a parent to the child it was mutated into, or a transfer
// source to the niche that adopted its theta. Transfer weights count adoptions.
type Edge struct {
	ID        int64
	SourceID  string
	TargetID  string
	EdgeType  string
	Weight    float64
	Iteration int // first iteration the edge was recorded
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalkResult holds niche ids in BFS order with their depth from the entry.
type WalkResult struct {
	IDs    []string
	Depths []int
}

// Store manages the lineage_edges table.
type Store struct {
	db *sql.DB
}

// #endregion types

// #region constructor
// NewStore creates tables and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("lineage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region record
// RecordMutation links parent to child. A repeated pair is ignored.
func (s *Store) RecordMutation(parentID, childID string, iteration int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO lineage_edges (source_id, target_id, edge_type, weight, iteration, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		parentID, childID, EdgeMutation, iteration, now, now,
	)
	if err != nil {
		return fmt.Errorf("record mutation %s->%s: %w", parentID, childID, err)
	}
	return nil
}

// RecordTransfer counts one adoption of source's theta by target.
func (s *Store) RecordTransfer(sourceID, targetID, edgeType string, iteration int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT INTO lineage_edges (source_id, target_id, edge_type, weight, iteration, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
		   weight = lineage_edges.weight + 1,
		   updated_at = ?`,
		sourceID, targetID, edgeType, iteration, now, now,
		now,
	)
	if err != nil {
		return fmt.Errorf("record transfer %s->%s: %w", sourceID, targetID, err)
	}
	return nil
}

// #endregion record

// #region query
// Outgoing returns edges leaving nodeID, optionally of one type, heaviest first.
func (s *Store) Outgoing(nodeID, edgeType string) ([]Edge, error) {
	return s.query(`source_id = ?`, nodeID, edgeType)
}

// Incoming returns edges entering nodeID, optionally of one type, heaviest first.
func (s *Store) Incoming(nodeID, edgeType string) ([]Edge, error) {
	return s.query(`target_id = ?`, nodeID, edgeType)
}

func (s *Store) query(cond, nodeID, edgeType string) ([]Edge, error) {
	q := `SELECT id, source_id, target_id, edge_type, weight, iteration, created_at, updated_at
		 FROM lineage_edges WHERE ` + cond
	args := []any{nodeID}
	if edgeType != "" {
		q += ` AND edge_type = ?`
		args = append(args, edgeType)
	}
	rows, err := s.db.Query(q+` ORDER BY weight DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &e.Iteration, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Parent returns the niche nodeID was mutated from, if any.
func (s *Store) Parent(nodeID string) (string, bool, error) {
	edges, err := s.Incoming(nodeID, EdgeMutation)
	if err != nil {
		return "", false, fmt.Errorf("parent of %s: %w", nodeID, err)
	}
	if len(edges) == 0 {
		return "", false, nil
	}
	return edges[0].SourceID, true, nil
}

// Ancestors walks mutation edges back to the root, nearest first.
func (s *Store) Ancestors(nodeID string) ([]string, error) {
	var out []string
	seen := map[string]bool{nodeID: true}
	for cur := nodeID; ; {
		parent, ok, err := s.Parent(cur)
		if err != nil {
			return out, err
		}
		if !ok || seen[parent] {
			return out, nil
		}
		seen[parent] = true
		out = append(out, parent)
		cur = parent
	}
}

// #endregion query

// #region walk
// Descendants performs a BFS over mutation edges from entryID, up to maxDepth hops
// (0 means unbounded). The entry itself is included at depth 0.
func (s *Store) Descendants(entryID string, maxDepth int) (WalkResult, error) {
	result := WalkResult{IDs: []string{entryID}, Depths: []int{0}}
	visited := map[string]bool{entryID: true}

	type queueItem struct {
		id    string
		depth int
	}
	queue := []queueItem{{entryID, 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && current.depth >= maxDepth {
			continue
		}

		children, err := s.Outgoing(current.id, EdgeMutation)
		if err != nil {
			return result, fmt.Errorf("walk children: %w", err)
		}
		for _, edge := range children {
			if visited[edge.TargetID] {
				continue
			}
			visited[edge.TargetID] = true
			result.IDs = append(result.IDs, edge.TargetID)
			result.Depths = append(result.Depths, current.depth+1)
			queue = append(queue, queueItem{edge.TargetID, current.depth + 1})
		}
	}
	return result, nil
}

// #endregion walk
