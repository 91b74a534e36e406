package verilinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Veriline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API validation request model (partial).
type Request struct {
	ID                  string  `json:"id"`
	EvidenceID          string  `json:"evidence_id"`
	UserID              string  `json:"user_id"`
	ChallengeID         string  `json:"challenge_id"`
	Status              string  `json:"status"`
	CurrentSLALevel     string  `json:"current_sla_level"`
	EscalationLevel     int     `json:"escalation_level"`
	UrgencyBoost        int     `json:"urgency_boost"`
	IsRedistributed     bool    `json:"is_redistributed"`
	AssignedValidatorID string  `json:"assigned_validator_id,omitempty"`
	RequestDate         string  `json:"request_date"`
	ActualResponseHours float64 `json:"actual_response_hours,omitempty"`
}

// Assignment represents one validator's turn at one evidence item.
type Assignment struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	EvidenceID  string `json:"evidence_id"`
	ValidatorID string `json:"validator_id"`
	Status      string `json:"status"`
	Verdict     string `json:"verdict,omitempty"`
	DueAt       string `json:"due_at"`
}

// Validator represents a registry entry.
type Validator struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Specializations []string `json:"specializations"`
	Rating          float64  `json:"rating"`
	IsActive        bool     `json:"is_active"`
	OpenAssignments int      `json:"open_assignments"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// SubmitOptions holds optional submit fields.
type SubmitOptions struct {
	Priority               string
	RequiredSpecialization string
	BackupValidatorIDs     []string
}

// SubmitRequest submits evidence for validation.
func (c *Client) SubmitRequest(ctx context.Context, evidenceID, userID, challengeID string, opts SubmitOptions) (Request, error) {
	body := map[string]any{
		"evidence_id":  evidenceID,
		"user_id":      userID,
		"challenge_id": challengeID,
	}
	if opts.Priority != "" {
		body["priority"] = opts.Priority
	}
	if opts.RequiredSpecialization != "" {
		body["required_specialization"] = opts.RequiredSpecialization
	}
	if len(opts.BackupValidatorIDs) > 0 {
		body["backup_validator_ids"] = opts.BackupValidatorIDs
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/requests/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequests returns a paginated request listing. Filters may be empty.
func (c *Client) ListRequests(ctx context.Context, status string, limit int, cursor string) (PaginatedRequests, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Assignments returns the assignment history of a request.
func (c *Client) Assignments(ctx context.Context, requestID string) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/requests/%s/assignments", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RecordDecision records a verdict for the validator's open assignment.
func (c *Client) RecordDecision(ctx context.Context, evidenceID, validatorID, verdict, comments string) (Request, error) {
	body := map[string]any{
		"evidence_id":  evidenceID,
		"validator_id": validatorID,
		"verdict":      verdict,
	}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/decisions", body, &resp)
	return resp, err
}

// Requeue puts a failed request back in play.
func (c *Client) Requeue(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/requeue", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Queue returns failed and escalated requests for operators.
func (c *Client) Queue(ctx context.Context, limit int) ([]Request, error) {
	endpoint := "v0/queue"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpsertValidator registers or updates a validator.
func (c *Client) UpsertValidator(ctx context.Context, v Validator) (Validator, error) {
	body := map[string]any{
		"id":              v.ID,
		"name":            v.Name,
		"specializations": v.Specializations,
		"rating":          v.Rating,
	}
	var resp Validator
	err := c.do(ctx, http.MethodPost, "v0/validators", body, &resp)
	return resp, err
}

// Validators lists the registry.
func (c *Client) Validators(ctx context.Context, activeOnly bool) ([]Validator, error) {
	endpoint := "v0/validators"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp struct {
		Items []Validator `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, evtType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
