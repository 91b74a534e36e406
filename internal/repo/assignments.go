package repo

import (
	"context"
	"database/sql"

	"veriline/internal/domain"
)

const assignmentColumns = `id,request_id,validator_id,evidence_id,assigned_date,due_at,status,verdict,comments,completed_date`

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.ValidatorID, a.EvidenceID, a.AssignedDate, a.DueAt, a.Status,
		nullableStringPtr(a.Verdict), nullableStringPtr(a.Comments), nullableStringPtr(a.CompletedDate))
	return err
}

type assignmentScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row assignmentScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var verdict, comments, completed sql.NullString
	err := row.Scan(&a.ID, &a.RequestID, &a.ValidatorID, &a.EvidenceID, &a.AssignedDate, &a.DueAt, &a.Status,
		&verdict, &comments, &completed)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if verdict.Valid {
		a.Verdict = &verdict.String
	}
	if comments.Valid {
		a.Comments = &comments.String
	}
	if completed.Valid {
		a.CompletedDate = &completed.String
	}
	return a, nil
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

// LatestAssignmentByPairTx returns the newest assignment for an
// (evidence, validator) pair regardless of status. Rowid breaks timestamp
// ties by insertion order; uuids carry no ordering.
func (r Repo) LatestAssignmentByPairTx(ctx context.Context, tx *sql.Tx, evidenceID, validatorID string) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE evidence_id=? AND validator_id=? ORDER BY assigned_date DESC, rowid DESC LIMIT 1`, evidenceID, validatorID))
}

// OpenAssignmentForRequestTx returns the single open assignment of a request.
func (r Repo) OpenAssignmentForRequestTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE request_id=? AND status=? LIMIT 1`, requestID, domain.AssignmentOpen))
}

// HoldersOfOpenAssignmentTx lists validator ids holding an open assignment for
// the evidence; the assigner excludes them from selection.
func (r Repo) HoldersOfOpenAssignmentTx(ctx context.Context, tx *sql.Tx, evidenceID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT validator_id FROM assignments WHERE evidence_id=? AND status=?`, evidenceID, domain.AssignmentOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

// ListOverdueAssignments returns open assignments whose deadline is at or
// before now. RFC3339 UTC strings compare lexicographically.
func (r Repo) ListOverdueAssignments(ctx context.Context, now string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status=? AND due_at<=? ORDER BY due_at ASC, id ASC`, domain.AssignmentOpen, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAssignmentsByRequest(ctx context.Context, requestID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE request_id=? ORDER BY assigned_date ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CloseAssignmentTx moves an assignment out of open into the given status. It
// conditions on the current status being open so a raced close is detected.
func (r Repo) CloseAssignmentTx(ctx context.Context, tx *sql.Tx, id, status string, verdict, comments, completedDate *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, verdict=?, comments=?, completed_date=? WHERE id=? AND status=?`,
		status, nullableStringPtr(verdict), nullableStringPtr(comments), nullableStringPtr(completedDate), id, domain.AssignmentOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CancelOpenAssignmentsTx cancels every open assignment of a request except
// the given one; pass an empty id to cancel all of them.
func (r Repo) CancelOpenAssignmentsTx(ctx context.Context, tx *sql.Tx, requestID, exceptID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET status=? WHERE request_id=? AND status=? AND id<>?`,
		domain.AssignmentCancelled, requestID, domain.AssignmentOpen, exceptID)
	return err
}
