package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"veriline/internal/config"
	"veriline/internal/db"
	"veriline/internal/domain"
	"veriline/internal/engine"
	"veriline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) addValidator(t *testing.T, id string, rating float64, specs ...string) {
	t.Helper()
	_, err := env.Engine.RegisterValidator(env.Ctx, domain.Validator{
		ID:              id,
		Name:            id,
		Specializations: specs,
		Rating:          rating,
		IsActive:        true,
	}, "tester")
	if err != nil {
		t.Fatalf("register validator %s: %v", id, err)
	}
}

func (env *testEnv) openAssignments(t *testing.T, requestID string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM assignments WHERE request_id=? AND status='open'`, requestID).Scan(&n)
	if err != nil {
		t.Fatalf("count open assignments: %v", err)
	}
	return n
}

func (env *testEnv) eventCount(t *testing.T, evtType string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type=?`, evtType).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSubmitAssignsValidator(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.5)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != domain.RequestInReview {
		t.Fatalf("expected in_review, got %s", req.Status)
	}
	if req.AssignedValidatorID == nil || *req.AssignedValidatorID != "val-1" {
		t.Fatalf("expected val-1 assigned")
	}
	if req.OriginalValidatorID == nil || *req.OriginalValidatorID != "val-1" {
		t.Fatalf("expected val-1 recorded as original")
	}
	if req.CurrentSLALevel != domain.SLAStandard {
		t.Fatalf("expected default level standard, got %s", req.CurrentSLALevel)
	}
	if env.openAssignments(t, req.ID) != 1 {
		t.Fatalf("expected exactly one open assignment")
	}
	assignments, err := env.Engine.Repo.ListAssignmentsByRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantDue := env.now.Add(24 * time.Hour).Format(time.RFC3339)
	if assignments[0].DueAt != wantDue {
		t.Fatalf("due_at %s, want %s", assignments[0].DueAt, wantDue)
	}
	if env.eventCount(t, "request.submitted") != 1 || env.eventCount(t, "assignment.created") != 1 {
		t.Fatalf("expected submit and assignment events")
	}
}

func TestSubmitWithoutValidatorsStaysPending(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("submit should succeed without validators: %v", err)
	}
	if req.Status != domain.RequestPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.AssignedValidatorID != nil {
		t.Fatalf("expected no assigned validator")
	}
	if env.openAssignments(t, req.ID) != 0 {
		t.Fatalf("expected no open assignments")
	}
}

func TestSubmitSpecializationFilter(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-generic", 5.0)
	env.addValidator(t, "val-fitness", 3.0, "fitness")
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:             "ev-1",
		UserID:                 "user-1",
		ChallengeID:            "ch-1",
		RequiredSpecialization: "fitness",
		ActorID:                "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.AssignedValidatorID == nil || *req.AssignedValidatorID != "val-fitness" {
		t.Fatalf("expected the fitness specialist despite lower rating")
	}
}

func TestSubmitUnknownLevelRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		Priority:    "extreme",
		ActorID:     "tester",
	})
	if err == nil {
		t.Fatalf("expected error for unknown sla level")
	}
}

func TestDecisionCompletesRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(3 * time.Hour)
	req, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID:  "ev-1",
		ValidatorID: "val-1",
		Verdict:     domain.VerdictApproved,
		Comments:    "looks solid",
	})
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if req.Status != domain.RequestCompleted {
		t.Fatalf("expected completed, got %s", req.Status)
	}
	if req.ActualResponseHours == nil || *req.ActualResponseHours != 3 {
		t.Fatalf("expected 3 response hours, got %v", req.ActualResponseHours)
	}
	if req.CompletedDate == nil {
		t.Fatalf("expected completed date")
	}
	assignments, err := env.Engine.Repo.ListAssignmentsByRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	a := assignments[0]
	if a.Status != domain.AssignmentCompleted || a.Verdict == nil || *a.Verdict != domain.VerdictApproved {
		t.Fatalf("expected completed assignment with verdict, got %s", a.Status)
	}
	if a.Comments == nil || *a.Comments != "looks solid" {
		t.Fatalf("expected comments stored")
	}
	if env.eventCount(t, "decision.recorded") != 1 || env.eventCount(t, "request.completed") != 1 {
		t.Fatalf("expected decision events")
	}
}

func TestDecisionRejectedAlsoCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID:  "ev-1",
		ValidatorID: "val-1",
		Verdict:     domain.VerdictRejected,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.RequestCompleted {
		t.Fatalf("rejected verdict still completes the request, got %s", req.Status)
	}
}

func TestDecisionInvalidVerdict(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID:  "ev-1",
		ValidatorID: "val-1",
		Verdict:     "maybe",
	})
	if err == nil {
		t.Fatalf("expected verdict validation error")
	}
}

func TestStaleDecisionAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	env.addValidator(t, "val-2", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(25 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// val-1's assignment timed out; its late verdict must not complete anything.
	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID:  "ev-1",
		ValidatorID: "val-1",
		Verdict:     domain.VerdictApproved,
	})
	if !errors.Is(err, engine.ErrStaleAssignment) {
		t.Fatalf("expected stale assignment, got %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == domain.RequestCompleted {
		t.Fatalf("stale verdict must not complete the request")
	}
	if env.eventCount(t, "decision.stale") != 1 {
		t.Fatalf("expected stale decision logged")
	}
	// The current holder can still decide.
	final, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID:  "ev-1",
		ValidatorID: "val-2",
		Verdict:     domain.VerdictApproved,
	})
	if err != nil {
		t.Fatalf("current holder decision: %v", err)
	}
	if final.Status != domain.RequestCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestRequeueFailedRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	env.addValidator(t, "val-2", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		Priority:    domain.SLAUrgent,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// urgent allows one escalation before failing
	env.advance(2 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RequestFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	requeued, err := env.Engine.Requeue(env.Ctx, req.ID, "operator")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.EscalationLevel != 0 || requeued.UrgencyBoost != 0 {
		t.Fatalf("expected escalation counters reset")
	}
	if requeued.CurrentSLALevel != domain.SLAUrgent {
		t.Fatalf("sla level should survive requeue, got %s", requeued.CurrentSLALevel)
	}
	if requeued.Status != domain.RequestInReview {
		t.Fatalf("expected immediate reassignment, got %s", requeued.Status)
	}
	if env.openAssignments(t, req.ID) != 1 {
		t.Fatalf("expected one open assignment after requeue")
	}
}

func TestStaleVersionWriteConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	req.UrgencyBoost = 99
	err = env.Engine.Repo.UpdateRequestCAS(env.Ctx, tx, req, req.Version-1)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("stale version must lose, got %v", err)
	}
	if err := env.Engine.Repo.UpdateRequestCAS(env.Ctx, tx, req, req.Version); err != nil {
		t.Fatalf("current version must win: %v", err)
	}
}

func TestLatestAssignmentForReusedPair(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	// two submissions for the same evidence at the same frozen instant give
	// the (evidence, validator) pair two assignments with equal timestamps
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID: "ev-1", ValidatorID: "val-1", Verdict: domain.VerdictApproved,
	}); err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID: "ev-1", ValidatorID: "val-1", Verdict: domain.VerdictRejected,
	})
	if err != nil {
		t.Fatalf("verdict must land on the open assignment, not the finished one: %v", err)
	}
	if got.ID != second.ID || got.Status != domain.RequestCompleted {
		t.Fatalf("expected second request completed, got %s %s", got.ID, got.Status)
	}
}

func TestRequeueOnlyFailed(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Requeue(env.Ctx, req.ID, "operator"); err == nil {
		t.Fatalf("expected requeue rejection for in_review request")
	}
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		EvidenceID: "ev-1", ValidatorID: "val-1", Verdict: domain.VerdictApproved,
	}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Requeue(env.Ctx, req.ID, "operator")
	if !errors.Is(err, engine.ErrTerminalRequest) {
		t.Fatalf("completed request is terminal, got %v", err)
	}
}

func TestOperatorQueueOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	// Two urgent requests fail at different times; higher boost first.
	first, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", Priority: domain.SLAUrgent, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-2", UserID: "u", ChallengeID: "c", Priority: domain.SLAUrgent, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = second
	queue, err := env.Engine.OperatorQueue(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) == 0 || queue[0].ID != first.ID {
		t.Fatalf("expected escalated request at head of queue")
	}
	if queue[0].UrgencyBoost == 0 {
		t.Fatalf("expected urgency boost on escalated request")
	}
}

func TestValidatorDeactivation(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 4.0)
	if _, err := env.Engine.SetValidatorActive(env.Ctx, "val-1", false, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:  "ev-1",
		UserID:      "user-1",
		ChallengeID: "ch-1",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.RequestPending {
		t.Fatalf("inactive validator must not receive work, got %s", req.Status)
	}
}
