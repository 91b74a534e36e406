package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veriline/internal/config"
	"veriline/internal/domain"
	"veriline/internal/events"
	"veriline/internal/metrics"
	"veriline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// SubmitOptions are parameters for creating a validation request. Evidence
// attributes are handed in by identifier; content stays in the external store.
type SubmitOptions struct {
	EvidenceID             string
	UserID                 string
	ChallengeID            string
	Priority               string
	RequiredSpecialization string
	BackupValidatorIDs     []string
	ActorID                string
}

// Submit creates a validation request and attempts the first assignment. When
// no validator is eligible the request stays pending and the clock retries.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.ValidationRequest, error) {
	if e.Config == nil {
		return domain.ValidationRequest{}, errors.New("config not loaded")
	}
	if opts.EvidenceID == "" {
		return domain.ValidationRequest{}, errors.New("evidence-id is required")
	}
	if opts.UserID == "" {
		return domain.ValidationRequest{}, errors.New("user-id is required")
	}
	if opts.ChallengeID == "" {
		return domain.ValidationRequest{}, errors.New("challenge-id is required")
	}
	level := opts.Priority
	if level == "" {
		level = e.Config.SLA.DefaultLevel
	}
	if _, ok := e.Config.Policy(level); !ok {
		return domain.ValidationRequest{}, fmt.Errorf("sla level %s has no policy table entry", level)
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	req := domain.ValidationRequest{
		ID:                     uuid.New().String(),
		EvidenceID:             opts.EvidenceID,
		UserID:                 opts.UserID,
		ChallengeID:            opts.ChallengeID,
		RequiredSpecialization: opts.RequiredSpecialization,
		RequestDate:            nowStr,
		BackupValidatorIDs:     opts.BackupValidatorIDs,
		CurrentSLALevel:        level,
		Status:                 domain.RequestPending,
		Version:                1,
		UpdatedAt:              nowStr,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.ValidationRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.submitted", "request", req.ID, opts.ActorID, events.EventPayload{
		"evidence_id": req.EvidenceID,
		"sla_level":   req.CurrentSLALevel,
	}); err != nil {
		return domain.ValidationRequest{}, err
	}

	expected := req.Version
	if _, err := e.assignTx(ctx, tx, &req, opts.ActorID); err != nil {
		if !errors.Is(err, ErrNoEligibleValidator) {
			return domain.ValidationRequest{}, err
		}
		metrics.NoEligibleValidator.Inc()
	}
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return domain.ValidationRequest{}, err
	}
	req.Version = expected + 1

	if err := tx.Commit(); err != nil {
		return domain.ValidationRequest{}, err
	}
	metrics.RequestsSubmitted.Inc()
	return req, nil
}

// GetRequest returns a validation request by id.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.ValidationRequest, error) {
	return e.Repo.GetRequest(ctx, id)
}

// DecisionOptions carry a validator's verdict for an evidence item.
type DecisionOptions struct {
	EvidenceID  string
	ValidatorID string
	Verdict     string
	Comments    string
	ActorID     string
}

// RecordDecision finalizes a request from a validator verdict. This is the
// only path that can complete a request. A verdict for an assignment that
// already timed out is appended to the event log and returns
// ErrStaleAssignment without touching the request.
func (e Engine) RecordDecision(ctx context.Context, opts DecisionOptions) (domain.ValidationRequest, error) {
	if opts.EvidenceID == "" || opts.ValidatorID == "" {
		return domain.ValidationRequest{}, errors.New("evidence-id and validator-id required")
	}
	if opts.Verdict != domain.VerdictApproved && opts.Verdict != domain.VerdictRejected {
		return domain.ValidationRequest{}, fmt.Errorf("invalid verdict %s", opts.Verdict)
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = opts.ValidatorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.LatestAssignmentByPairTx(ctx, tx, opts.EvidenceID, opts.ValidatorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationRequest{}, fmt.Errorf("no assignment for evidence %s and validator %s: %w", opts.EvidenceID, opts.ValidatorID, err)
		}
		return domain.ValidationRequest{}, err
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, a.RequestID)
	if err != nil {
		return domain.ValidationRequest{}, err
	}

	if a.Status != domain.AssignmentOpen || domain.TerminalRequest(req.Status) {
		// Late response after escalation: keep the verdict for the audit
		// trail, leave request state alone.
		if err := e.Events.Append(ctx, tx, "decision.stale", "assignment", a.ID, actorID, events.EventPayload{
			"request_id":   req.ID,
			"evidence_id":  opts.EvidenceID,
			"validator_id": opts.ValidatorID,
			"verdict":      opts.Verdict,
			"comments":     opts.Comments,
		}); err != nil {
			return domain.ValidationRequest{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ValidationRequest{}, err
		}
		metrics.StaleDecisions.Inc()
		e.log().Info("stale decision logged",
			zap.String("request_id", req.ID),
			zap.String("validator_id", opts.ValidatorID),
			zap.String("verdict", opts.Verdict))
		return req, ErrStaleAssignment
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	verdict := opts.Verdict
	var comments *string
	if opts.Comments != "" {
		comments = &opts.Comments
	}
	if err := e.Repo.CloseAssignmentTx(ctx, tx, a.ID, domain.AssignmentCompleted, &verdict, comments, &nowStr); err != nil {
		return domain.ValidationRequest{}, err
	}
	if err := e.Repo.CancelOpenAssignmentsTx(ctx, tx, req.ID, a.ID); err != nil {
		return domain.ValidationRequest{}, err
	}

	requested, err := time.Parse(time.RFC3339, req.RequestDate)
	if err != nil {
		return domain.ValidationRequest{}, fmt.Errorf("parse request date: %w", err)
	}
	hours := now.Sub(requested).Hours()
	expected := req.Version
	req.Status = domain.RequestCompleted
	req.CompletedDate = &nowStr
	req.ActualResponseHours = &hours
	req.UpdatedAt = nowStr
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return domain.ValidationRequest{}, err
	}
	req.Version = expected + 1

	if err := e.Events.Append(ctx, tx, "decision.recorded", "assignment", a.ID, actorID, events.EventPayload{
		"request_id": req.ID,
		"verdict":    opts.Verdict,
	}); err != nil {
		return domain.ValidationRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.completed", "request", req.ID, actorID, events.EventPayload{
		"verdict":               opts.Verdict,
		"actual_response_hours": hours,
	}); err != nil {
		return domain.ValidationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRequest{}, err
	}
	metrics.DecisionsRecorded.WithLabelValues(opts.Verdict).Inc()
	return req, nil
}

// Requeue re-enters a failed request at pending with the escalation counter
// reset. The SLA level stays where the ladder left it. Operator action only.
func (e Engine) Requeue(ctx context.Context, requestID, actorID string) (domain.ValidationRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	if req.Status != domain.RequestFailed {
		if domain.TerminalRequest(req.Status) {
			return req, fmt.Errorf("%w; only failed requests can be requeued", ErrTerminalRequest)
		}
		return req, fmt.Errorf("only failed requests can be requeued (status %s)", req.Status)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	expected := req.Version
	req.Status = domain.RequestPending
	req.EscalationLevel = 0
	req.UrgencyBoost = 0
	req.UpdatedAt = nowStr
	if err := e.Events.Append(ctx, tx, "request.requeued", "request", req.ID, actorID, events.EventPayload{}); err != nil {
		return domain.ValidationRequest{}, err
	}
	if _, err := e.assignTx(ctx, tx, &req, actorID); err != nil {
		if !errors.Is(err, ErrNoEligibleValidator) {
			return domain.ValidationRequest{}, err
		}
		metrics.NoEligibleValidator.Inc()
	}
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return domain.ValidationRequest{}, err
	}
	req.Version = expected + 1
	if err := tx.Commit(); err != nil {
		return domain.ValidationRequest{}, err
	}
	return req, nil
}

// OperatorQueue lists failed and escalated requests for manual handling.
func (e Engine) OperatorQueue(ctx context.Context, limit int) ([]domain.ValidationRequest, error) {
	return e.Repo.ListOperatorQueue(ctx, limit)
}

// RegisterValidator inserts or updates a registry entry. Validator management
// is an external flow; this is its write path into the registry.
func (e Engine) RegisterValidator(ctx context.Context, v domain.Validator, actorID string) (domain.Validator, error) {
	if v.ID == "" {
		return v, errors.New("id required")
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	v.UpdatedAt = nowStr
	existing, getErr := e.Repo.GetValidator(ctx, v.ID)
	if getErr != nil && !errors.Is(getErr, repo.ErrNotFound) {
		return v, getErr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if errors.Is(getErr, repo.ErrNotFound) {
		v.CreatedAt = nowStr
		if err := e.Repo.InsertValidator(ctx, tx, v); err != nil {
			return v, err
		}
		if err := e.Events.Append(ctx, tx, "validator.registered", "validator", v.ID, actorID, events.EventPayload{
			"specializations": v.Specializations,
		}); err != nil {
			return v, err
		}
	} else {
		v.CreatedAt = existing.CreatedAt
		if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
			return v, err
		}
		if err := e.Events.Append(ctx, tx, "validator.updated", "validator", v.ID, actorID, events.EventPayload{
			"is_active": v.IsActive,
		}); err != nil {
			return v, err
		}
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// SetValidatorActive flips the eligibility flag.
func (e Engine) SetValidatorActive(ctx context.Context, id string, active bool, actorID string) (domain.Validator, error) {
	v, err := e.Repo.GetValidator(ctx, id)
	if err != nil {
		return v, err
	}
	v.IsActive = active
	return e.RegisterValidator(ctx, v, actorID)
}
