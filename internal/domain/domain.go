package domain

// Request statuses.
const (
	RequestPending   = "pending"
	RequestInReview  = "in_review"
	RequestEscalated = "escalated"
	RequestCompleted = "completed"
	RequestFailed    = "failed"
)

// SLA levels, ordered lowest to highest.
const (
	SLAStandard = "standard"
	SLAPriority = "priority"
	SLAUrgent   = "urgent"
)

// Assignment statuses.
const (
	AssignmentOpen      = "open"
	AssignmentCompleted = "completed"
	AssignmentTimedOut  = "timed_out"
	AssignmentCancelled = "cancelled"
)

// Verdicts.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// SLARank orders SLA levels for monotonicity checks; unknown levels rank lowest.
func SLARank(level string) int {
	switch level {
	case SLAStandard:
		return 0
	case SLAPriority:
		return 1
	case SLAUrgent:
		return 2
	}
	return -1
}

// TerminalRequest reports whether a request status permits no further transitions.
func TerminalRequest(status string) bool {
	return status == RequestCompleted || status == RequestFailed
}

type ValidationRequest struct {
	ID                     string   `json:"id"`
	EvidenceID             string   `json:"evidence_id"`
	UserID                 string   `json:"user_id"`
	ChallengeID            string   `json:"challenge_id"`
	RequiredSpecialization string   `json:"required_specialization,omitempty"`
	RequestDate            string   `json:"request_date" format:"date-time"`
	AssignedValidatorID    *string  `json:"assigned_validator_id,omitempty"`
	OriginalValidatorID    *string  `json:"original_validator_id,omitempty"`
	BackupValidatorIDs     []string `json:"backup_validator_ids,omitempty"`
	BackupCursor           int      `json:"backup_cursor"`
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

type Assignment struct {
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

type Validator struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Rating          float64  `json:"rating"`
	IsActive        bool     `json:"is_active"`
	OpenAssignments int      `json:"open_assignments"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
