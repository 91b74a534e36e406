package server

import (
	"veriline/internal/domain"
)

// Request payloads

type SubmitRequestBody struct {
	EvidenceID             string   `json:"evidence_id"`
	UserID                 string   `json:"user_id"`
	ChallengeID            string   `json:"challenge_id"`
	Priority               *string  `json:"priority,omitempty" enum:"standard,priority,urgent"`
	RequiredSpecialization *string  `json:"required_specialization,omitempty"`
	BackupValidatorIDs     []string `json:"backup_validator_ids,omitempty"`
}

type DecisionBody struct {
	EvidenceID  string  `json:"evidence_id"`
	ValidatorID string  `json:"validator_id"`
	Verdict     string  `json:"verdict" enum:"approved,rejected"`
	Comments    *string `json:"comments,omitempty"`
}

type UpsertValidatorBody struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Rating          float64  `json:"rating,omitempty" minimum:"0" maximum:"5"`
	IsActive        *bool    `json:"is_active,omitempty"`
}

// Response payloads

type RequestResponse struct {
	ID                     string   `json:"id"`
	EvidenceID             string   `json:"evidence_id"`
	UserID                 string   `json:"user_id"`
	ChallengeID            string   `json:"challenge_id"`
	RequiredSpecialization string   `json:"required_specialization,omitempty"`
	RequestDate            string   `json:"request_date" format:"date-time"`
	AssignedValidatorID    *string  `json:"assigned_validator_id,omitempty"`
	OriginalValidatorID    *string  `json:"original_validator_id,omitempty"`
	BackupValidatorIDs     []string `json:"backup_validator_ids,omitempty"`
	CurrentSLALevel        string   `json:"current_sla_level" enum:"standard,priority,urgent"`
	EscalationLevel        int      `json:"escalation_level"`
	IsRedistributed        bool     `json:"is_redistributed"`
	UrgencyBoost           int      `json:"urgency_boost"`
	Status                 string   `json:"status" enum:"pending,in_review,escalated,completed,failed"`
	CompletedDate          *string  `json:"completed_date,omitempty" format:"date-time"`
	ActualResponseHours    *float64 `json:"actual_response_hours,omitempty"`
	Version                int64    `json:"version"`
	UpdatedAt              string   `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	ValidatorID   string  `json:"validator_id"`
	EvidenceID    string  `json:"evidence_id"`
	AssignedDate  string  `json:"assigned_date" format:"date-time"`
	DueAt         string  `json:"due_at" format:"date-time"`
	Status        string  `json:"status" enum:"open,completed,timed_out,cancelled"`
	Verdict       *string `json:"verdict,omitempty" enum:"approved,rejected"`
	Comments      *string `json:"comments,omitempty"`
	CompletedDate *string `json:"completed_date,omitempty" format:"date-time"`
}

type ValidatorResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Rating          float64  `json:"rating"`
	IsActive        bool     `json:"is_active"`
	OpenAssignments int      `json:"open_assignments"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func requestResponse(r domain.ValidationRequest) RequestResponse {
	return RequestResponse{
		ID:                     r.ID,
		EvidenceID:             r.EvidenceID,
		UserID:                 r.UserID,
		ChallengeID:            r.ChallengeID,
		RequiredSpecialization: r.RequiredSpecialization,
		RequestDate:            r.RequestDate,
		AssignedValidatorID:    r.AssignedValidatorID,
		OriginalValidatorID:    r.OriginalValidatorID,
		BackupValidatorIDs:     r.BackupValidatorIDs,
		CurrentSLALevel:        r.CurrentSLALevel,
		EscalationLevel:        r.EscalationLevel,
		IsRedistributed:        r.IsRedistributed,
		UrgencyBoost:           r.UrgencyBoost,
		Status:                 r.Status,
		CompletedDate:          r.CompletedDate,
		ActualResponseHours:    r.ActualResponseHours,
		Version:                r.Version,
		UpdatedAt:              r.UpdatedAt,
	}
}

func mapRequests(items []domain.ValidationRequest) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:            a.ID,
		RequestID:     a.RequestID,
		ValidatorID:   a.ValidatorID,
		EvidenceID:    a.EvidenceID,
		AssignedDate:  a.AssignedDate,
		DueAt:         a.DueAt,
		Status:        a.Status,
		Verdict:       a.Verdict,
		Comments:      a.Comments,
		CompletedDate: a.CompletedDate,
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func validatorResponse(v domain.Validator) ValidatorResponse {
	return ValidatorResponse{
		ID:              v.ID,
		Name:            v.Name,
		Specializations: v.Specializations,
		Rating:          v.Rating,
		IsActive:        v.IsActive,
		OpenAssignments: v.OpenAssignments,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func mapValidators(items []domain.Validator) []ValidatorResponse {
	res := make([]ValidatorResponse, 0, len(items))
	for _, v := range items {
		res = append(res, validatorResponse(v))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
