package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (optim_id, iteration, trigger_type, parent_id, payload_json, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.OptimID,
		entry.Iteration,
		entry.TriggerType,
		nullIfEmpty(entry.ParentID),
		nullIfEmpty(entry.PayloadJSON),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns provenance rows in insertion order, optionally for one niche.
func ListDecisions(db *sql.DB, optimID string) ([]ProvenanceEntry, error) {
	query := `SELECT id, optim_id, iteration, trigger_type, parent_id, payload_json, decision, reason, created_at
		 FROM provenance_log`
	var args []any
	if optimID != "" {
		query += ` WHERE optim_id = ?`
		args = append(args, optimID)
	}
	rows, err := db.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var entries []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var parentID, payload, reason sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &e.OptimID, &e.Iteration, &e.TriggerType, &parentID, &payload, &e.Decision, &reason, &createdStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.ParentID = parentID.String
		e.PayloadJSON = payload.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
