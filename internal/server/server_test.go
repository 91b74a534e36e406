package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"veriline/internal/config"
	"veriline/internal/db"
	"veriline/internal/domain"
	"veriline/internal/engine"
	"veriline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
	now    time.Time
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// advance moves the clock both HTTP handlers and direct engine calls read.
func (s *testServer) advance(d time.Duration) { s.now = s.now.Add(d) }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	testSrv := &testServer{
		client: &http.Client{},
		now:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return testSrv.now }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv.URL = "http://" + ln.Addr().String()
	testSrv.Engine = &e
	testSrv.close = func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func addValidator(t *testing.T, srv *testServer, id string, rating float64) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validators", map[string]any{
		"id":     id,
		"name":   id,
		"rating": rating,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add validator: %d %s", res.StatusCode, string(body))
	}
}

func TestSubmitAndDecideOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	addValidator(t, srv, "val-1", 4.5)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"evidence_id":  "ev-1",
		"user_id":      "user-1",
		"challenge_id": "ch-1",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != domain.RequestInReview {
		t.Fatalf("expected in_review, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"evidence_id":  "ev-1",
		"validator_id": "val-1",
		"verdict":      "approved",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("decision: %d %s", res.StatusCode, string(data))
	}
	var decided RequestResponse
	_ = json.Unmarshal(data, &decided)
	if decided.Status != domain.RequestCompleted {
		t.Fatalf("expected completed, got %s", decided.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get request: %d %s", res.StatusCode, string(data))
	}
}

func TestStaleDecisionReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	addValidator(t, srv, "val-1", 4.0)
	addValidator(t, srv, "val-2", 4.0)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"evidence_id":  "ev-1",
		"user_id":      "user-1",
		"challenge_id": "ch-1",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	// move the clock past the standard deadline, then time the assignment out
	srv.advance(25 * time.Hour)
	if _, err := srv.Engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"evidence_id":  "ev-1",
		"validator_id": "val-1",
		"verdict":      "approved",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "stale_assignment" {
		t.Fatalf("expected stale_assignment code, got %s", envelope.Error.Code)
	}
}

func TestRequeueEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	addValidator(t, srv, "val-1", 4.0)
	addValidator(t, srv, "val-2", 4.0)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"evidence_id":  "ev-1",
		"user_id":      "user-1",
		"challenge_id": "ch-1",
		"priority":     "urgent",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	_ = json.Unmarshal(data, &created)

	// requeue before failure is rejected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/requeue", nil, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	srv.advance(2 * time.Hour)
	if _, err := srv.Engine.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.advance(2 * time.Hour)
	if _, err := srv.Engine.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/requeue", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("requeue: %d %s", res.StatusCode, string(data))
	}
	var requeued RequestResponse
	_ = json.Unmarshal(data, &requeued)
	if requeued.EscalationLevel != 0 || requeued.UrgencyBoost != 0 {
		t.Fatalf("expected counters reset: %+v", requeued)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"evidence_id":  "ev-1",
		"user_id":      "user-1",
		"challenge_id": "ch-1",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestValidatorLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	addValidator(t, srv, "val-1", 3.5)

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/validators/val-1", map[string]any{
		"is_active": false,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate: %d %s", res.StatusCode, string(data))
	}
	var v ValidatorResponse
	_ = json.Unmarshal(data, &v)
	if v.IsActive {
		t.Fatalf("expected inactive validator")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/validators", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/validators/val-missing", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestHandleErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrConflict, http.StatusConflict, "conflict"},
		{engine.ErrStaleAssignment, http.StatusConflict, "stale_assignment"},
		{engine.ErrTerminalRequest, http.StatusUnprocessableEntity, "invalid_state"},
	}
	for _, tc := range cases {
		apiErr, ok := handleError(tc.err).(*apiError)
		if !ok {
			t.Fatalf("expected apiError for %v", tc.err)
		}
		if apiErr.GetStatus() != tc.status || apiErr.Body.Code != tc.code {
			t.Fatalf("%v mapped to %d %s, want %d %s",
				tc.err, apiErr.GetStatus(), apiErr.Body.Code, tc.status, tc.code)
		}
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	addValidator(t, srv, "val-1", 4.0)
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"evidence_id":  "ev-1",
		"user_id":      "user-1",
		"challenge_id": "ch-1",
	}, actorHeader); res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=request.submitted", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(out.Items) != 1 {
		t.Fatalf("expected one submit event, got %d", len(out.Items))
	}
}
