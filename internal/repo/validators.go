package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"veriline/internal/domain"
)

// InsertValidator stores a registry entry. Pass tx when the write has to join
// an open transaction, nil otherwise.
func (r Repo) InsertValidator(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	specs, err := marshalStringSlice(v.Specializations)
	if err != nil {
		return err
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO validators(id,name,specializations_json,rating,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		v.ID, nullable(v.Name), specs, v.Rating, boolInt(v.IsActive), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) UpdateValidator(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	specs, err := marshalStringSlice(v.Specializations)
	if err != nil {
		return err
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE validators SET name=?, specializations_json=?, rating=?, is_active=?, updated_at=? WHERE id=?`,
		nullable(v.Name), specs, v.Rating, boolInt(v.IsActive), v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanValidator(row requestScanner) (domain.Validator, error) {
	var v domain.Validator
	var name, specs sql.NullString
	var active int
	err := row.Scan(&v.ID, &name, &specs, &v.Rating, &active, &v.CreatedAt, &v.UpdatedAt, &v.OpenAssignments)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if name.Valid {
		v.Name = name.String
	}
	if specs.Valid && specs.String != "" {
		_ = json.Unmarshal([]byte(specs.String), &v.Specializations)
	}
	v.IsActive = active != 0
	return v, nil
}

const validatorQuery = `SELECT v.id, v.name, v.specializations_json, v.rating, v.is_active, v.created_at, v.updated_at,
(SELECT COUNT(*) FROM assignments a WHERE a.validator_id=v.id AND a.status='open') AS open_assignments
FROM validators v`

func (r Repo) GetValidator(ctx context.Context, id string) (domain.Validator, error) {
	return scanValidator(r.DB.QueryRowContext(ctx, validatorQuery+` WHERE v.id=?`, id))
}

func (r Repo) GetValidatorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Validator, error) {
	return scanValidator(tx.QueryRowContext(ctx, validatorQuery+` WHERE v.id=?`, id))
}

func (r Repo) ListValidators(ctx context.Context, onlyActive bool) ([]domain.Validator, error) {
	query := validatorQuery
	if onlyActive {
		query += ` WHERE v.is_active=1`
	}
	query += ` ORDER BY v.id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListActiveValidatorsTx returns active validators with their current open
// assignment counts, for candidate ranking inside an assignment transaction.
func (r Repo) ListActiveValidatorsTx(ctx context.Context, tx *sql.Tx) ([]domain.Validator, error) {
	rows, err := tx.QueryContext(ctx, validatorQuery+` WHERE v.is_active=1 ORDER BY v.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// OpenAssignmentCount returns how many open assignments a validator holds.
func (r Repo) OpenAssignmentCount(ctx context.Context, validatorID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE validator_id=? AND status=?`,
		validatorID, domain.AssignmentOpen).Scan(&n)
	return n, err
}
