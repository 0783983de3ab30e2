package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/canukguy1974/franky-ai/internal/capability"
	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/db"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/metrics"
	"github.com/canukguy1974/franky-ai/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
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
	caps, err := capability.Build(cfg.Capabilities, logger.Discard())
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	e := engine.New(conn, cfg, caps)
	e.Metrics = metrics.New()
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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
			e.Runs.StopAll()
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

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", res.Request.Method, res.Request.URL.Path, want, res.StatusCode, string(body))
	}
}

func decodeError(t *testing.T, body []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(body))
	}
	return env.Error
}

func TestLeadToProjectFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, base+"/leads", map[string]any{
		"id":            "lead-1",
		"business_name": "Acme Bakery",
		"contact":       map[string]any{"email": "owner@acme.test"},
		"signals":       map[string]any{"age_years": 3, "website_quality": 20, "social_presence": 10, "needs": []string{"no_website"}},
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var lead domain.Lead
	_ = json.Unmarshal(data, &lead)
	if lead.Score != 55 || lead.Classification != domain.ClassLukewarm {
		t.Fatalf("unexpected score %d %s", lead.Score, lead.Classification)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/deals", map[string]any{"lead_id": "lead-1"}, map[string]string{"X-Actor-Id": "sales"})
	expectStatus(t, res, data, http.StatusCreated)
	var deal domain.Deal
	_ = json.Unmarshal(data, &deal)

	events := []map[string]any{
		{"seq": 1, "type": "outreach_dispatched"},
		{"seq": 2, "type": "response_received"},
		{"seq": 3, "type": "needs_captured", "proposal": map[string]any{
			"services": []string{"default"}, "price": 900, "revisions": 2, "timeline_days": 21,
		}},
		{"seq": 4, "type": "client_feedback", "feedback": map[string]any{"accept_all": true}},
		{"seq": 5, "type": "contract_signed"},
	}
	var result engine.DealResult
	for _, ev := range events {
		res, data = doJSON(t, client, http.MethodPost, base+"/deals/"+deal.ID+"/events", ev, nil)
		expectStatus(t, res, data, http.StatusOK)
		result = engine.DealResult{}
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("decode deal result: %v", err)
		}
	}
	if result.Deal.Status != domain.DealClosedWon || result.Project == nil {
		t.Fatalf("expected closed_won with project: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/projects/"+result.Project.ID, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var project domain.Project
	_ = json.Unmarshal(data, &project)
	if len(project.Tasks) != 4 || project.Status != domain.ProjectPending {
		t.Fatalf("unexpected project: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/deals/"+deal.ID, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var stored domain.Deal
	_ = json.Unmarshal(data, &stored)
	if stored.ProjectID != project.ID || len(stored.History) == 0 {
		t.Fatalf("deal not linked to project: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?entity_kind=deal&limit=3", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var page PaginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor: %s", string(data))
	}
	if page.Items[0].ActorID != "sales" {
		t.Fatalf("actor header not recorded: %+v", page.Items[0])
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodGet, base+"/leads/missing", nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)
	if decodeError(t, data).Code != "not_found" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/leads", map[string]any{"business_name": "Acme"}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var lead domain.Lead
	_ = json.Unmarshal(data, &lead)
	res, data = doJSON(t, client, http.MethodPost, base+"/deals", map[string]any{"lead_id": lead.ID}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var deal domain.Deal
	_ = json.Unmarshal(data, &deal)

	res, data = doJSON(t, client, http.MethodPost, base+"/deals", map[string]any{"lead_id": lead.ID}, nil)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodPost, base+"/deals/"+deal.ID+"/events", map[string]any{"type": "terms_accepted"}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	if decodeError(t, data).Code != "invalid_state" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"client": map[string]any{"business_name": "Acme"},
		"tasks": []map[string]any{
			{"key": "a", "depends_on": []string{"c"}},
			{"key": "b", "depends_on": []string{"a"}},
			{"key": "c", "depends_on": []string{"b"}},
		},
	}, nil)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	if decodeError(t, data).Code != "dependency_cycle" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"client": map[string]any{"business_name": "Acme"},
		"tasks":  []map[string]any{{"key": "a", "depends_on": []string{"ghost"}}},
	}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/nope/reset", nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestRunProjectInBackground(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"id":       "p1",
		"client":   map[string]any{"business_name": "Acme"},
		"services": []string{"web_development"},
		"run":      true,
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Engine.Runs.Wait(ctx, "p1"); err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/projects/p1/report", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var report engine.Report
	_ = json.Unmarshal(data, &report)
	if report.Summary != engine.SummaryCompleted || report.Running {
		t.Fatalf("expected completed project: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/projects/p1/cancel", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var p domain.Project
	_ = json.Unmarshal(data, &p)
	for _, task := range p.Tasks {
		if task.Status != domain.TaskAccepted {
			t.Fatalf("accepted tasks must survive cancel, got %s", task.Status)
		}
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/projects/p1/run", nil, nil)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "task_transitions_total") {
		t.Fatalf("metrics missing task transitions")
	}
}

func TestAuthentication(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodGet, base+"/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, base+"/me", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodGet, base+"/me", nil, map[string]string{"X-Actor-Id": "mallory"})
	expectStatus(t, res, data, http.StatusUnauthorized)

	token, err := SignToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/me", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	forged, _ := SignToken("other-secret", "alice", time.Hour)
	res, data = doJSON(t, client, http.MethodGet, base+"/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectStatus(t, res, data, http.StatusUnauthorized)
	if decodeError(t, data).Code != "invalid_credentials" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/api-keys", map[string]any{"name": "ci"}, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusCreated)
	var created CreateAPIKeyResponse
	_ = json.Unmarshal(data, &created)
	if created.Secret == "" || created.Key.ActorID != "alice" {
		t.Fatalf("unexpected key response %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/me", nil, map[string]string{"X-Api-Key": created.Secret})
	expectStatus(t, res, data, http.StatusOK)
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
		failures = 1
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Franky-Signature"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	if _, err := srv.Engine.SubmitLead(ctx, engine.LeadSubmitOptions{ID: "before", BusinessName: "Old"}); err != nil {
		t.Fatal(err)
	}
	d, err := NewDispatcher(ctx, srv.Engine, []config.Webhook{{URL: hook.URL, Events: []string{"lead.scored"}, Secret: "s3cret"}}, logger.Discard())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	d.Backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(10*time.Millisecond))
	}
	if _, err := srv.Engine.SubmitLead(ctx, engine.LeadSubmitOptions{ID: "after", BusinessName: "New"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.OpenDeal(ctx, "after", "sales"); err != nil {
		t.Fatal(err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(received))
	}
	if received[0].Type != "lead.scored" || received[0].EntityID != "after" {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("missing signature header: %q", sigs[0])
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d served a different document", i)
		}
	}
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	hasLeads := false
	for p := range doc.Paths {
		if strings.HasSuffix(p, "/leads") {
			hasLeads = true
		}
	}
	if doc.OpenAPI == "" || !hasLeads {
		t.Fatalf("unexpected document: openapi=%q paths=%d", doc.OpenAPI, len(doc.Paths))
	}
}
