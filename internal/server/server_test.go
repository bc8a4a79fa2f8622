package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"missionctl/internal/config"
	"missionctl/internal/db"
	"missionctl/internal/engine"
	"missionctl/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
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
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyAgentHeader: true,
		},
	})
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

func asAgent(agentID string) map[string]string {
	return map[string]string{"X-Agent-Id": agentID}
}

func TestHealthOpenAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestJWTBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	claims := jwt.RegisteredClaims{
		Subject:   "agent-jwt",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "From JWT",
		"step_kinds": []string{"analyze"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt: %d %s", res.StatusCode, string(data))
	}
	var created ProposalResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// The subject claim becomes the proposing agent.
	if created.AgentID != "agent-jwt" {
		t.Fatalf("agent_id = %s, want agent-jwt", created.AgentID)
	}

	badRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", badRes.StatusCode)
	}
}

func TestProposalMissionStepFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "Weekly report",
		"step_kinds": []string{"analyze", "report"},
	}, asAgent("agent-researcher"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal: %d %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/approve", nil, asAgent("reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var mission MissionResponse
	if err := json.Unmarshal(data, &mission); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}

	// A second approval conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/approve", nil, asAgent("reviewer"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second approve: %d %s", res.StatusCode, string(data))
	}

	for i, wantKind := range []string{"analyze", "report"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/claim", map[string]any{}, asAgent("worker-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("claim %d: %d %s", i, res.StatusCode, string(data))
		}
		var claim ClaimStepResponse
		if err := json.Unmarshal(data, &claim); err != nil {
			t.Fatalf("unmarshal claim: %v", err)
		}
		if claim.Step == nil || claim.Step.StepKind != wantKind {
			t.Fatalf("claim %d = %+v, want %s", i, claim.Step, wantKind)
		}
		if i == 1 {
			outputs, ok := claim.Step.Input["outputs"].(map[string]any)
			if !ok || outputs["analyze"] == nil {
				t.Fatalf("second step input not enriched: %v", claim.Step.Input)
			}
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+itoa(claim.Step.ID)+"/succeed", map[string]any{
			"output": map[string]any{"kind": wantKind},
		}, asAgent("worker-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("succeed %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+mission.ID, nil, asAgent("reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get mission: %d %s", res.StatusCode, string(data))
	}
	var joined MissionWithProposalResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	if joined.Status != "succeeded" {
		t.Fatalf("mission status = %s, want succeeded", joined.Status)
	}
	if joined.Proposal.ID != proposal.ID {
		t.Fatalf("joined proposal = %s", joined.Proposal.ID)
	}

	// Queue drained: claim returns an empty body.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/claim", map[string]any{}, asAgent("worker-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("empty claim: %d %s", res.StatusCode, string(data))
	}
	var empty ClaimStepResponse
	if err := json.Unmarshal(data, &empty); err != nil {
		t.Fatalf("unmarshal empty claim: %v", err)
	}
	if empty.Step != nil {
		t.Fatalf("claimed step %d from drained queue", empty.Step.ID)
	}
}

func TestRejectProposalValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"title":      "Reject me",
		"step_kinds": []string{"analyze"},
	}, asAgent("agent-researcher"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	_ = json.Unmarshal(data, &proposal)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/reject", map[string]any{
		"reason": "",
	}, asAgent("reviewer"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank reason: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/reject", map[string]any{
		"reason": "duplicate",
	}, asAgent("reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	var rejected ProposalResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != "rejected" || rejected.RejectionReason == nil {
		t.Fatalf("rejected = %+v", rejected)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/missing", nil, asAgent("reviewer"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing proposal: %d %s", res.StatusCode, string(data))
	}
}

func TestWorkerHeartbeatAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/heartbeat", map[string]any{
		"worker_name":    "worker-1",
		"jobs_processed": 4,
	}, asAgent("worker-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}
	var ws WorkerStatusResponse
	_ = json.Unmarshal(data, &ws)
	if ws.Status != "running" || ws.JobsProcessed != 4 {
		t.Fatalf("worker status = %+v", ws)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/heartbeat", map[string]any{
		"worker_name": "worker-1",
		"status":      "stopped",
	}, asAgent("worker-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stopped heartbeat: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers", nil, asAgent("ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workers: %d %s", res.StatusCode, string(data))
	}
	var workers []WorkerStatusResponse
	if err := json.Unmarshal(data, &workers); err != nil {
		t.Fatalf("unmarshal workers: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerName != "worker-1" || workers[0].Status != "stopped" {
		t.Fatalf("workers = %+v", workers)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, asAgent("ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}
	var metrics MetricsResponse
	if err := json.Unmarshal(data, &metrics); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if metrics.Proposals == nil || metrics.Missions == nil || metrics.Steps == nil {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestPolicyAndQuotaEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/policies/proposal_daily", map[string]any{
		"value": map[string]any{"limit": 3},
	}, asAgent("ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put policy: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/quotas/proposal_daily", nil, asAgent("ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quota: %d %s", res.StatusCode, string(data))
	}
	var quota QuotaResponse
	if err := json.Unmarshal(data, &quota); err != nil {
		t.Fatalf("unmarshal quota: %v", err)
	}
	if quota.Limit != 3 || !quota.Available {
		t.Fatalf("quota = %+v", quota)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/quotas/unknown", nil, asAgent("ops"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown quota: %d %s", res.StatusCode, string(data))
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
