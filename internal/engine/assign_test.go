package engine_test

import (
	"testing"
	"time"

	"veriline/internal/domain"
	"veriline/internal/engine"
)

func TestRankingPrefersLeastLoaded(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-busy", 5.0)
	env.addValidator(t, "val-idle", 3.0)
	// give val-busy an open assignment first
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-0", UserID: "u", ChallengeID: "c", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.AssignedValidatorID == nil || *req.AssignedValidatorID != "val-idle" {
		t.Fatalf("load outranks rating, expected val-idle")
	}
}

func TestRankingTieBreaks(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-c", 5.0)
	env.addValidator(t, "val-a", 4.0)
	env.addValidator(t, "val-b", 5.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// equal load: rating first, then id for the 5.0 tie
	if req.AssignedValidatorID == nil || *req.AssignedValidatorID != "val-b" {
		t.Fatalf("expected val-b, got %v", req.AssignedValidatorID)
	}
}

func TestBackupsConsumedInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-primary", 5.0)
	env.addValidator(t, "val-backup-low", 1.0)
	env.addValidator(t, "val-backup-high", 4.5)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:         "ev-1",
		UserID:             "u",
		ChallengeID:        "c",
		BackupValidatorIDs: []string{"val-backup-low", "val-backup-high"},
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if *req.AssignedValidatorID != "val-primary" {
		t.Fatalf("first assignment comes from the registry, got %s", *req.AssignedValidatorID)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	// declared order wins over rating on re-assignment
	if got.AssignedValidatorID == nil || *got.AssignedValidatorID != "val-backup-low" {
		t.Fatalf("expected first backup, got %v", got.AssignedValidatorID)
	}
	if got.BackupCursor != 1 {
		t.Fatalf("expected cursor 1, got %d", got.BackupCursor)
	}
}

func TestBackupSkipsInactiveAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-primary", 5.0)
	env.addValidator(t, "val-off", 4.0)
	env.addValidator(t, "val-on", 4.0)
	if _, err := env.Engine.SetValidatorActive(env.Ctx, "val-off", false, "tester"); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:         "ev-1",
		UserID:             "u",
		ChallengeID:        "c",
		BackupValidatorIDs: []string{"val-ghost", "val-off", "val-on"},
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if got.AssignedValidatorID == nil || *got.AssignedValidatorID != "val-on" {
		t.Fatalf("expected val-on after skipping ghost and inactive, got %v", got.AssignedValidatorID)
	}
	// skipped entries stay consumed
	if got.BackupCursor != 3 {
		t.Fatalf("expected cursor 3, got %d", got.BackupCursor)
	}
}

func TestExhaustedBackupsFallBackToRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-primary", 5.0)
	env.addValidator(t, "val-backup", 4.0)
	env.addValidator(t, "val-registry", 5.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID:         "ev-1",
		UserID:             "u",
		ChallengeID:        "c",
		BackupValidatorIDs: []string{"val-backup"},
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.advance(8 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if got.AssignedValidatorID == nil || *got.AssignedValidatorID != "val-registry" {
		t.Fatalf("expected registry pick after backups ran out, got %v", got.AssignedValidatorID)
	}
	if !got.IsRedistributed {
		t.Fatalf("expected redistribution flag")
	}
}

func TestOriginalValidatorExcludedOnReassignment(t *testing.T) {
	env := newTestEnv(t)
	env.addValidator(t, "val-1", 5.0)
	env.addValidator(t, "val-2", 1.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if *req.AssignedValidatorID != "val-1" {
		t.Fatalf("expected top-rated val-1 first")
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if got.AssignedValidatorID == nil || *got.AssignedValidatorID != "val-2" {
		t.Fatalf("original must not get the work back, got %v", got.AssignedValidatorID)
	}
}

func TestOriginalReassignmentWhenAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Escalation.AllowOriginalReassignment = true
	env.addValidator(t, "val-only", 4.0)
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		EvidenceID: "ev-1", UserID: "u", ChallengeID: "c", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID)
	if got.Status != domain.RequestInReview {
		t.Fatalf("expected reassignment to the original, got %s", got.Status)
	}
	if *got.AssignedValidatorID != "val-only" {
		t.Fatalf("expected val-only again")
	}
	if got.IsRedistributed == false {
		t.Fatalf("escalation marks redistribution even back to the original")
	}
}
