package store

import (
	"context"
	"fmt"
	"time"
)

// Finding is an unconfirmed candidate produced by a stage. Promotion to
// permanent storage happens outside this module, driven by confirmed=true.
type Finding struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Kind       FindingKind `json:"kind"`
	Value      string      `json:"value"`
	Score      float64     `json:"score"`
	Confirmed  bool        `json:"confirmed"`
	DetailJSON string      `json:"detail_json,omitempty"`
	CreatedAt  int64       `json:"created_at"`
}

// InsertFindings stores a batch of findings for one job in a single
// transaction. All findings start unconfirmed.
func (s *Store) InsertFindings(ctx context.Context, findings []*Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (id, job_id, kind, value, score, detail_json, created_at)
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range findings {
		if f.DetailJSON == "" {
			f.DetailJSON = "{}"
		}
		f.CreatedAt = now
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.JobID, f.Kind, f.Value, f.Score, f.DetailJSON, f.CreatedAt); err != nil {
			return fmt.Errorf("insert finding %s: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

// ListFindings returns all findings for a job, best score first. kind ""
// means all kinds.
func (s *Store) ListFindings(ctx context.Context, jobID string, kind FindingKind) ([]*Finding, error) {
	query := `
		SELECT id, job_id, kind, value, score, confirmed, detail_json, created_at
		FROM findings WHERE job_id = ?`
	args := []any{jobID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY score DESC, created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Finding
	for rows.Next() {
		f := &Finding{}
		var confirmed int
		if err := rows.Scan(&f.ID, &f.JobID, &f.Kind, &f.Value, &f.Score,
			&confirmed, &f.DetailJSON, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Confirmed = confirmed == 1
		items = append(items, f)
	}
	return items, rows.Err()
}

// ConfirmFinding marks one finding confirmed. The external promotion step
// reads confirmed=true rows.
func (s *Store) ConfirmFinding(ctx context.Context, findingID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE findings SET confirmed = 1 WHERE id = ?`, findingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFindings returns the number of findings for a job by kind.
func (s *Store) CountFindings(ctx context.Context, jobID string, kind FindingKind) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM findings WHERE job_id = ? AND kind = ?`,
		jobID, kind).Scan(&n)
	return n, err
}
