package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"veriline/internal/domain"
	"veriline/internal/events"
	"veriline/internal/metrics"
	"veriline/internal/repo"
)

// SweepStats summarizes one clock pass.
type SweepStats struct {
	Escalated  int `json:"escalated"`
	Failed     int `json:"failed"`
	Reassigned int `json:"reassigned"`
	Deferred   int `json:"deferred"`
	Conflicts  int `json:"conflicts"`
}

// Sweep runs one escalation pass: time out overdue assignments and walk the
// SLA ladder, then retry assignment for requests that are waiting for a
// validator. Each request is handled in its own transaction; a concurrent
// writer makes the sweep skip that request until the next pass.
func (e Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	nowStr := e.now().UTC().Format(time.RFC3339)

	overdue, err := e.Repo.ListOverdueAssignments(ctx, nowStr)
	if err != nil {
		return stats, err
	}
	for _, a := range overdue {
		action, err := e.escalateOverdue(ctx, a.ID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				stats.Conflicts++
				metrics.SweepConflicts.Inc()
				continue
			}
			return stats, err
		}
		switch action {
		case "escalated":
			stats.Escalated++
		case "failed":
			stats.Failed++
		case "deferred":
			stats.Escalated++
			stats.Deferred++
		}
	}

	waiting, err := e.Repo.ListUnassignedRequests(ctx)
	if err != nil {
		return stats, err
	}
	for _, w := range waiting {
		ok, err := e.retryAssign(ctx, w.ID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				stats.Conflicts++
				metrics.SweepConflicts.Inc()
				continue
			}
			return stats, err
		}
		if ok {
			stats.Reassigned++
		} else {
			stats.Deferred++
		}
	}

	metrics.SweepRuns.Inc()
	e.log().Info("sweep done",
		zap.Int("escalated", stats.Escalated),
		zap.Int("failed", stats.Failed),
		zap.Int("reassigned", stats.Reassigned),
		zap.Int("deferred", stats.Deferred),
		zap.Int("conflicts", stats.Conflicts))
	return stats, nil
}

// escalateOverdue times out one assignment and advances or fails its request.
// Re-checks state inside the transaction; the overdue listing may be stale by
// the time the transaction opens.
func (e Engine) escalateOverdue(ctx context.Context, assignmentID string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return "", err
	}
	if a.Status != domain.AssignmentOpen {
		return "", nil
	}
	now := e.now().UTC()
	due, err := time.Parse(time.RFC3339, a.DueAt)
	if err != nil {
		return "", fmt.Errorf("parse due_at of %s: %w", a.ID, err)
	}
	if now.Before(due) {
		return "", nil
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, a.RequestID)
	if err != nil {
		return "", err
	}
	if domain.TerminalRequest(req.Status) {
		// Open assignment on a terminal request should not exist; close it
		// out so the sweep does not pick it up again.
		if err := e.Repo.CancelOpenAssignmentsTx(ctx, tx, req.ID, ""); err != nil {
			return "", err
		}
		return "", tx.Commit()
	}

	policy, ok := e.Config.Policy(req.CurrentSLALevel)
	if !ok {
		return "", fmt.Errorf("sla level %s has no policy table entry", req.CurrentSLALevel)
	}
	nowStr := now.Format(time.RFC3339)
	if err := e.Repo.CloseAssignmentTx(ctx, tx, a.ID, domain.AssignmentTimedOut, nil, nil, &nowStr); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "assignment.timed_out", "assignment", a.ID, "clock", events.EventPayload{
		"request_id":   req.ID,
		"validator_id": a.ValidatorID,
		"due_at":       a.DueAt,
		"sla_level":    req.CurrentSLALevel,
	}); err != nil {
		return "", err
	}
	metrics.AssignmentsTimedOut.WithLabelValues(req.CurrentSLALevel).Inc()

	expected := req.Version
	// Top of the ladder with the retry budget spent: the request fails and
	// waits for an operator.
	if policy.EscalatesTo == req.CurrentSLALevel && req.EscalationLevel >= policy.MaxEscalations {
		if err := e.Repo.CancelOpenAssignmentsTx(ctx, tx, req.ID, ""); err != nil {
			return "", err
		}
		req.Status = domain.RequestFailed
		req.UpdatedAt = nowStr
		if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
			return "", err
		}
		if err := e.Events.Append(ctx, tx, "request.failed", "request", req.ID, "clock", events.EventPayload{
			"sla_level":        req.CurrentSLALevel,
			"escalation_level": req.EscalationLevel,
		}); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		metrics.RequestsFailed.Inc()
		e.log().Warn("request failed",
			zap.String("request_id", req.ID),
			zap.String("sla_level", req.CurrentSLALevel))
		return "failed", nil
	}

	fromLevel := req.CurrentSLALevel
	req.EscalationLevel++
	if domain.SLARank(policy.EscalatesTo) > domain.SLARank(req.CurrentSLALevel) {
		req.CurrentSLALevel = policy.EscalatesTo
	}
	req.UrgencyBoost += e.Config.Escalation.UrgencyIncrement
	req.IsRedistributed = true
	req.Status = domain.RequestEscalated
	req.UpdatedAt = nowStr
	if err := e.Events.Append(ctx, tx, "request.escalated", "request", req.ID, "clock", events.EventPayload{
		"from_level":       fromLevel,
		"to_level":         req.CurrentSLALevel,
		"escalation_level": req.EscalationLevel,
		"urgency_boost":    req.UrgencyBoost,
	}); err != nil {
		return "", err
	}

	action := "escalated"
	if _, err := e.assignTx(ctx, tx, &req, "clock"); err != nil {
		if !errors.Is(err, ErrNoEligibleValidator) {
			return "", err
		}
		// Stays escalated; the next sweep retries the assignment.
		metrics.NoEligibleValidator.Inc()
		action = "deferred"
	}
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	metrics.RequestsEscalated.WithLabelValues(fromLevel, req.CurrentSLALevel).Inc()
	return action, nil
}

// retryAssign attempts assignment for a request that is pending or escalated
// with no open assignment. Returns false when no validator is eligible yet.
func (e Engine) retryAssign(ctx context.Context, requestID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != domain.RequestPending && req.Status != domain.RequestEscalated {
		return false, nil
	}
	if _, err := e.Repo.OpenAssignmentForRequestTx(ctx, tx, req.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	expected := req.Version
	if _, err := e.assignTx(ctx, tx, &req, "clock"); err != nil {
		if errors.Is(err, ErrNoEligibleValidator) {
			metrics.NoEligibleValidator.Inc()
			return false, nil
		}
		return false, err
	}
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RunClock sweeps on the configured interval until the context is cancelled.
func (e Engine) RunClock(ctx context.Context) {
	interval := e.Config.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.log().Info("escalation clock started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log().Info("escalation clock stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log().Error("sweep failed", zap.Error(err))
			}
		}
	}
}
