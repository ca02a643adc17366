package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/metrics"
	"revline/internal/migrate"
	"revline/internal/notify"
)

const (
	projectID  = "brand"
	clientID   = "client-1"
	designerID = "designer-1"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.New()
	e := engine.New(conn, nil)
	e.Metrics = m
	e.Notifier = notify.NewDispatcher(zerolog.Nop(), m, &notify.Recorder{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Metrics: m, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
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

func as(actor string) map[string]string {
	return map[string]string{ActorHeader: actor}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	expectStatus(t, res, data, status)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("error code %q, want %q: %s", env.Error.Code, code, string(data))
	}
	return env
}

func createProject(t *testing.T, srv *testServer, total int) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":                          projectID,
		"name":                        "Brand refresh",
		"client_id":                   clientID,
		"designer_id":                 designerID,
		"total_modification_count":    total,
		"additional_modification_fee": 80,
	}, as(designerID))
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.Project](t, data)
}

func submitRequest(t *testing.T, srv *testServer, body map[string]any) domain.ModificationRequest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requests", body, as(clientID))
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.ModificationRequest](t, data)
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("unexpected health body: %s", string(data))
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv, 2)
	if p.RemainingModificationCount != 2 || p.CurrentRevisionNumber != 1 {
		t.Fatalf("unexpected project: %+v", p)
	}

	m := submitRequest(t, srv, map[string]any{"description": "Bigger logo", "urgency": "urgent"})
	if m.RequestNumber != 1 || m.Status != domain.StatusPending || m.IsAdditionalCost {
		t.Fatalf("unexpected request: %+v", m)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/clarifications", map[string]any{
		"question": "How much bigger?",
	}, as(designerID))
	expectStatus(t, res, data, http.StatusCreated)
	c := decode[domain.ClarificationRequest](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/approve", nil, as(designerID))
	env := expectError(t, res, data, http.StatusConflict, "clarification_pending")
	if env.Error.Details["unresolved"] != float64(1) {
		t.Fatalf("expected one unresolved clarification, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/clarifications/"+c.ID+"/respond", map[string]any{"response": "Double"}, as(clientID))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/clarifications/"+c.ID+"/resolve", nil, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/clarifications/reconcile", nil, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	if rec := decode[ReconcileResponse](t, data); !rec.Reopened || rec.Request.Status != domain.StatusPending {
		t.Fatalf("expected reopened pending request, got %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/approve", nil, as(designerID))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/work", map[string]any{
		"items": []map[string]any{
			{"ref": "draft", "title": "Draft logo", "category": "design"},
			{"ref": "ship", "title": "Export assets", "category": "delivery", "dependencies": []string{"draft"}},
		},
	}, as(designerID))
	expectStatus(t, res, data, http.StatusCreated)
	wp := decode[domain.WorkProgress](t, data)
	if len(wp.ChecklistItems) != 2 || wp.Status != domain.WorkNotStarted {
		t.Fatalf("unexpected work progress: %+v", wp)
	}
	draft, ship := wp.ChecklistItems[0], wp.ChecklistItems[1]

	itemURL := srv.URL + "/v0/requests/" + m.ID + "/work/items/"
	res, data = doJSON(t, client, http.MethodPatch, itemURL+ship.ID, map[string]any{"status": "completed"}, as(designerID))
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	res, data = doJSON(t, client, http.MethodPatch, itemURL+draft.ID, map[string]any{"progress_percentage": 100}, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	if wp = decode[domain.WorkProgress](t, data); wp.OverallProgress != 50 {
		t.Fatalf("expected 50%% overall, got %d", wp.OverallProgress)
	}
	res, data = doJSON(t, client, http.MethodPatch, itemURL+ship.ID, map[string]any{"status": "completed"}, as(designerID))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+m.ID, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	got := decode[domain.ModificationRequest](t, data)
	if got.Status != domain.StatusCompleted || got.WorkProgress == nil || got.WorkProgress.Status != domain.WorkCompleted {
		t.Fatalf("expected cascaded completion, got %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/tracker", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	tr := decode[domain.ModificationTracker](t, data)
	if tr.Used != 1 || tr.Remaining != 1 || !tr.Balanced() {
		t.Fatalf("unexpected tracker: %+v", tr)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/history", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if hist := decode[[]domain.HistoryEntry](t, data); len(hist) != 1 || hist[0].CompletedBy != designerID {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestRejectAndQuote(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, 1)
	m := submitRequest(t, srv, map[string]any{"description": "New font"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/additional-cost?urgency=urgent", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	q := decode[domain.AdditionalCostQuote](t, data)
	if !q.IsAdditionalCost || q.Amount == nil || *q.Amount != 120 {
		t.Fatalf("expected urgent quote of 120, got %+v", q)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/reject", map[string]any{"reason": " "}, as(designerID))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+m.ID+"/reject", map[string]any{"reason": "Out of scope"}, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	if rejected := decode[domain.ModificationRequest](t, data); rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if p := decode[domain.Project](t, data); p.RemainingModificationCount != 1 {
		t.Fatalf("expected budget restored, got %d", p.RemainingModificationCount)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/requests?status=rejected", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if items := decode[[]domain.ModificationRequest](t, data); len(items) != 1 {
		t.Fatalf("expected one rejected request, got %d", len(items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/requests?status=bogus", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestNotFoundAndValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/missing", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/missing/tracker", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	createProject(t, srv, 1)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": projectID}, as(designerID))
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requests", map[string]any{}, as(clientID))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requests", map[string]any{
		"description": "x",
		"urgency":     "whenever",
	}, as(clientID))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestRevisionAdvanceOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, 1)

	surfaceURL := srv.URL + "/v0/projects/" + projectID + "/surface"
	res, data := doJSON(t, client, http.MethodPost, surfaceURL, map[string]any{"kind": "markup", "title": "Circle", "comment_count": 3}, as(clientID))
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, surfaceURL, map[string]any{"kind": "checklist", "title": "Fix colours"}, as(designerID))
	expectStatus(t, res, data, http.StatusCreated)
	check := decode[domain.SurfaceItem](t, data)

	advanceURL := srv.URL + "/v0/projects/" + projectID + "/revisions/advance"
	res, data = doJSON(t, client, http.MethodPost, advanceURL, nil, as(designerID))
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "incomplete_checklist")
	if items, _ := env.Error.Details["incomplete"].([]any); len(items) != 1 || items[0] != check.ID {
		t.Fatalf("unexpected incomplete list: %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/surface/"+check.ID+"/complete", nil, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	if item := decode[domain.SurfaceItem](t, data); !item.Completed {
		t.Fatalf("expected completed checklist item")
	}

	res, data = doJSON(t, client, http.MethodPost, advanceURL, nil, as(designerID))
	expectStatus(t, res, data, http.StatusOK)
	adv := decode[domain.RevisionAdvance](t, data)
	if adv.Project.CurrentRevisionNumber != 2 || adv.Project.RemainingModificationCount != 0 {
		t.Fatalf("unexpected project after advance: %+v", adv.Project)
	}
	if len(adv.Archive.Markups) != 1 || adv.Archive.Markups[0].CommentCount != 3 {
		t.Fatalf("unexpected archive: %+v", adv.Archive)
	}

	res, data = doJSON(t, client, http.MethodPost, advanceURL, nil, as(designerID))
	expectError(t, res, data, http.StatusUnprocessableEntity, "budget_exhausted")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/revisions/1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if arch := decode[domain.RevisionArchive](t, data); arch.ID != adv.Archive.ID {
		t.Fatalf("archive mismatch: %s != %s", arch.ID, adv.Archive.ID)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/revisions/2", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, surfaceURL, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if items := decode[[]domain.SurfaceItem](t, data); len(items) != 1 || !items[0].IsRevisionHeader {
		t.Fatalf("expected only the new revision header, got %+v", items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, 5)
	for i := 0; i < 3; i++ {
		submitRequest(t, srv, map[string]any{"description": "tweak"})
	}

	base := srv.URL + "/v0/projects/" + projectID + "/events?type=request.submitted&limit=2"
	res, data := doJSON(t, client, http.MethodGet, base, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	if page.Items[0].ActorID != clientID || page.Items[0].Payload["request_number"] != float64(3) {
		t.Fatalf("unexpected newest event: %+v", page.Items[0])
	}

	res, data = doJSON(t, client, http.MethodGet, base+"&cursor="+page.NextCursor, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	page = decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("expected last page of one, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"&cursor=abc", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestProjectConfigRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, 2)

	url := srv.URL + "/v0/projects/" + projectID + "/config"
	res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	cfg := decode[map[string]any](t, data)
	delete(cfg, "$schema")
	cfg["notifications"] = map[string]any{"subject_prefix": "design", "disabled_events": []string{"request.submitted"}}
	cfg["progress"] = map[string]any{"milestones": []int{50, 100}}

	res, data = doJSON(t, client, http.MethodPut, url, cfg, as(designerID))
	expectStatus(t, res, data, http.StatusOK)

	stored, err := srv.Engine.ProjectConfig(context.Background(), projectID)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if stored.EventEnabled("request.submitted") || len(stored.Milestones()) != 2 {
		t.Fatalf("config not stored: %+v", stored)
	}

	cfg["progress"] = map[string]any{"milestones": []int{100, 50}}
	res, data = doJSON(t, client, http.MethodPut, url, cfg, as(designerID))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createProject(t, srv, 1)
	submitRequest(t, srv, map[string]any{"description": "tweak"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	body := string(data)
	for _, want := range []string{
		`revline_ledger_mutations_total{op="deduct"} 1`,
		`revline_remaining_modifications{project_id="brand"} 0`,
		`revline_http_requests_total{code="201",method="POST",route="/v0/projects/{project_id}/requests"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestOpenAPIDocumentsActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), ActorHeader) || !strings.Contains(string(data), "advance-revision") {
		t.Fatalf("openapi document incomplete")
	}
}
