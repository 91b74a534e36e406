package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"veriline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals that a conditional update lost against a concurrent
// writer; the caller retries on its next invocation.
var ErrConflict = errors.New("concurrent update conflict")

const requestColumns = `id,evidence_id,user_id,challenge_id,required_specialization,request_date,
assigned_validator_id,original_validator_id,backup_validator_ids_json,backup_cursor,
current_sla_level,escalation_level,is_redistributed,urgency_boost,status,
completed_date,actual_response_hours,version,updated_at`

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.ValidationRequest) error {
	backups, err := marshalStringSlice(req.BackupValidatorIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validation_requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.EvidenceID, req.UserID, req.ChallengeID, nullable(req.RequiredSpecialization), req.RequestDate,
		nullableStringPtr(req.AssignedValidatorID), nullableStringPtr(req.OriginalValidatorID), backups, req.BackupCursor,
		req.CurrentSLALevel, req.EscalationLevel, boolInt(req.IsRedistributed), req.UrgencyBoost, req.Status,
		nullableStringPtr(req.CompletedDate), nullableFloatPtr(req.ActualResponseHours), req.Version, req.UpdatedAt)
	return err
}

// UpdateRequestCAS writes the request conditioned on the expected version and
// bumps the version by one. Zero affected rows means a concurrent writer won.
func (r Repo) UpdateRequestCAS(ctx context.Context, tx *sql.Tx, req domain.ValidationRequest, expected int64) error {
	backups, err := marshalStringSlice(req.BackupValidatorIDs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET
assigned_validator_id=?, original_validator_id=?, backup_validator_ids_json=?, backup_cursor=?,
current_sla_level=?, escalation_level=?, is_redistributed=?, urgency_boost=?, status=?,
completed_date=?, actual_response_hours=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(req.AssignedValidatorID), nullableStringPtr(req.OriginalValidatorID), backups, req.BackupCursor,
		req.CurrentSLALevel, req.EscalationLevel, boolInt(req.IsRedistributed), req.UrgencyBoost, req.Status,
		nullableStringPtr(req.CompletedDate), nullableFloatPtr(req.ActualResponseHours), expected+1, req.UpdatedAt,
		req.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (domain.ValidationRequest, error) {
	var req domain.ValidationRequest
	var spec, assigned, original, backups, completed sql.NullString
	var redistributed int
	var hours sql.NullFloat64
	err := row.Scan(&req.ID, &req.EvidenceID, &req.UserID, &req.ChallengeID, &spec, &req.RequestDate,
		&assigned, &original, &backups, &req.BackupCursor,
		&req.CurrentSLALevel, &req.EscalationLevel, &redistributed, &req.UrgencyBoost, &req.Status,
		&completed, &hours, &req.Version, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if spec.Valid {
		req.RequiredSpecialization = spec.String
	}
	if assigned.Valid {
		req.AssignedValidatorID = &assigned.String
	}
	if original.Valid {
		req.OriginalValidatorID = &original.String
	}
	if backups.Valid && backups.String != "" {
		_ = json.Unmarshal([]byte(backups.String), &req.BackupValidatorIDs)
	}
	req.IsRedistributed = redistributed != 0
	if completed.Valid {
		req.CompletedDate = &completed.String
	}
	if hours.Valid {
		h := hours.Float64
		req.ActualResponseHours = &h
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ValidationRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM validation_requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValidationRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM validation_requests WHERE id=?`, id))
}

type RequestFilters struct {
	Status            string
	UserID            string
	ChallengeID       string
	EvidenceID        string
	Limit             int
	CursorRequestDate string
	CursorID          string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ValidationRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ChallengeID != "" {
		clauses = append(clauses, "challenge_id=?")
		args = append(args, f.ChallengeID)
	}
	if f.EvidenceID != "" {
		clauses = append(clauses, "evidence_id=?")
		args = append(args, f.EvidenceID)
	}
	if f.CursorRequestDate != "" && f.CursorID != "" {
		clauses = append(clauses, "(request_date < ? OR (request_date = ? AND id < ?))")
		args = append(args, f.CursorRequestDate, f.CursorRequestDate, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM validation_requests ` + where + ` ORDER BY request_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListOperatorQueue returns failed and escalated requests for manual handling,
// most urgent first.
func (r Repo) ListOperatorQueue(ctx context.Context, limit int) ([]domain.ValidationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM validation_requests
WHERE status IN (?,?) ORDER BY urgency_boost DESC, request_date ASC, id ASC`
	args := []any{domain.RequestFailed, domain.RequestEscalated}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListUnassignedRequests returns non-terminal requests that hold no open
// assignment; the sweep retries assignment for these.
func (r Repo) ListUnassignedRequests(ctx context.Context) ([]domain.ValidationRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM validation_requests r
WHERE status IN (?,?)
AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.request_id=r.id AND a.status=?)
ORDER BY request_date ASC, id ASC`,
		domain.RequestPending, domain.RequestEscalated, domain.AssignmentOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM validation_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var entityID, payload sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// --- helpers ---

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
