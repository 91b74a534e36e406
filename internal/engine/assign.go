package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veriline/internal/domain"
	"veriline/internal/events"
	"veriline/internal/metrics"
	"veriline/internal/repo"
)

// assignTx selects a validator for the request and opens an assignment inside
// the caller's transaction. The request struct is mutated in place; the caller
// persists it. Returns ErrNoEligibleValidator when nobody can take the work.
func (e Engine) assignTx(ctx context.Context, tx *sql.Tx, req *domain.ValidationRequest, actorID string) (domain.Assignment, error) {
	holders, err := e.Repo.HoldersOfOpenAssignmentTx(ctx, tx, req.EvidenceID)
	if err != nil {
		return domain.Assignment{}, err
	}
	reassignment := req.OriginalValidatorID != nil

	var chosen *domain.Validator
	if reassignment {
		v, err := e.nextBackupTx(ctx, tx, req, holders)
		if err != nil {
			return domain.Assignment{}, err
		}
		chosen = v
	}
	if chosen == nil {
		v, err := e.pickFromRegistryTx(ctx, tx, req, holders)
		if err != nil {
			return domain.Assignment{}, err
		}
		chosen = v
	}
	if chosen == nil {
		return domain.Assignment{}, ErrNoEligibleValidator
	}

	now := e.now().UTC()
	deadline := e.Config.DeadlineFor(req.CurrentSLALevel)
	a := domain.Assignment{
		ID:           uuid.New().String(),
		RequestID:    req.ID,
		ValidatorID:  chosen.ID,
		EvidenceID:   req.EvidenceID,
		AssignedDate: now.Format(time.RFC3339),
		DueAt:        now.Add(deadline).Format(time.RFC3339),
		Status:       domain.AssignmentOpen,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}

	req.AssignedValidatorID = &chosen.ID
	if req.OriginalValidatorID == nil {
		id := chosen.ID
		req.OriginalValidatorID = &id
	} else if *req.OriginalValidatorID != chosen.ID {
		req.IsRedistributed = true
	}
	req.Status = domain.RequestInReview
	req.UpdatedAt = now.Format(time.RFC3339)

	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, actorID, events.EventPayload{
		"request_id":   req.ID,
		"validator_id": chosen.ID,
		"sla_level":    req.CurrentSLALevel,
		"due_at":       a.DueAt,
	}); err != nil {
		return domain.Assignment{}, err
	}
	metrics.AssignmentsCreated.WithLabelValues(req.CurrentSLALevel).Inc()
	e.log().Info("assignment created",
		zap.String("request_id", req.ID),
		zap.String("validator_id", chosen.ID),
		zap.String("sla_level", req.CurrentSLALevel),
		zap.String("due_at", a.DueAt))
	return a, nil
}

// nextBackupTx consumes the request's backup list from the cursor onward.
// Inactive, unknown or already-holding validators are skipped and the cursor
// still advances past them, so a bad entry is never retried.
func (e Engine) nextBackupTx(ctx context.Context, tx *sql.Tx, req *domain.ValidationRequest, holders map[string]bool) (*domain.Validator, error) {
	for req.BackupCursor < len(req.BackupValidatorIDs) {
		id := req.BackupValidatorIDs[req.BackupCursor]
		req.BackupCursor++
		v, err := e.Repo.GetValidatorTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !v.IsActive || holders[v.ID] {
			continue
		}
		return &v, nil
	}
	return nil, nil
}

// pickFromRegistryTx ranks eligible registry validators: fewest open
// assignments first, then highest rating, then id for a stable order.
func (e Engine) pickFromRegistryTx(ctx context.Context, tx *sql.Tx, req *domain.ValidationRequest, holders map[string]bool) (*domain.Validator, error) {
	all, err := e.Repo.ListActiveValidatorsTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	excludeOriginal := req.OriginalValidatorID != nil && !e.Config.Escalation.AllowOriginalReassignment
	var candidates []domain.Validator
	for _, v := range all {
		if holders[v.ID] {
			continue
		}
		if excludeOriginal && v.ID == *req.OriginalValidatorID {
			continue
		}
		if req.RequiredSpecialization != "" && !hasSpecialization(v, req.RequiredSpecialization) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.OpenAssignments != b.OpenAssignments {
			return a.OpenAssignments < b.OpenAssignments
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ID < b.ID
	})
	return &candidates[0], nil
}

func hasSpecialization(v domain.Validator, want string) bool {
	for _, s := range v.Specializations {
		if s == want {
			return true
		}
	}
	return false
}
