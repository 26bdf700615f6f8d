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

	"github.com/golang-jwt/jwt/v5"

	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
	"boardflow/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Owner  string
	Board  string
	Lead   string
	Worker string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

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
	cfg := config.Default()
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitOrg(ctx, cfg.Org.ID, cfg.Org.Name, "system"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	owner, err := e.AddMember(ctx, engine.MemberCreateOptions{OrgID: cfg.Org.ID, Email: "owner@example.com", Role: "owner", ActorID: "system"})
	if err != nil {
		t.Fatalf("add owner: %v", err)
	}
	board, err := e.CreateBoard(ctx, cfg.Org.ID, "main", nil, owner.ID)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	lead, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "lead", IsLead: true, ActorID: owner.ID})
	if err != nil {
		t.Fatalf("register lead: %v", err)
	}
	worker, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "worker-1", ActorID: owner.ID})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
		Engine: e,
		Owner:  owner.ID,
		Board:  board.ID,
		Lead:   lead.ID,
		Worker: worker.ID,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/tasks", map[string]any{
		"title":    "ship feature",
		"priority": "high",
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskInbox {
		t.Fatalf("new task status %s", task.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"agent_id": srv.Worker,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal claimed task: %v", err)
	}
	if task.Status != domain.TaskInProgress || task.AssignedAgentID == nil || *task.AssignedAgentID != srv.Worker {
		t.Fatalf("claim result %+v", task)
	}

	// a status change without an audit note is refused
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/transition", map[string]any{
		"from": "in_progress",
		"to":   "review",
	}, asActor(srv.Worker))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("noteless transition status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "missing_evidence" {
		t.Fatalf("noteless transition code %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/transition", map[string]any{
		"from": "in_progress",
		"to":   "review",
		"note": "implemented and covered by tests",
	}, asActor(srv.Worker))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/transition", map[string]any{
		"from": "review",
		"to":   "done",
		"note": "looks good",
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve review status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal done task: %v", err)
	}
	if task.Status != domain.TaskDone {
		t.Fatalf("final status %s", task.Status)
	}

	// done is terminal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/transition", map[string]any{
		"from": "done",
		"to":   "in_progress",
		"note": "reopening",
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reopen done status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "illegal_transition" {
		t.Fatalf("reopen done code %s", code)
	}
}

func TestClaimConflictSurfacesAs409(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/tasks", map[string]any{
		"title": "contested",
	}, asActor(srv.Owner))
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"agent_id": srv.Worker,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}

	ctx := context.Background()
	other, err := srv.Engine.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: srv.Board, Name: "worker-2", ActorID: srv.Owner})
	if err != nil {
		t.Fatalf("register second worker: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"agent_id": other.ID,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("second claim code %s", code)
	}

	// leads never execute
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"agent_id": srv.Lead,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("lead claim status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "role_violation" {
		t.Fatalf("lead claim code %s", code)
	}
}

func TestProposeActionDeferredAndResolved(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/actions", map[string]any{
		"agent_id":    srv.Lead,
		"action_type": "task.create",
		"confidence":  40,
		"payload":     map[string]any{"title": "low confidence work"},
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("deferred proposal status %d: %s", res.StatusCode, string(data))
	}
	var decision DecisionResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Admitted || decision.ApprovalID == "" {
		t.Fatalf("deferred decision %+v", decision)
	}

	// the gated task does not exist until a human approves
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/boards/"+srv.Board+"/tasks", nil, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []domain.Task `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("tasks before approval: %d", len(page.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+decision.ApprovalID+"/resolve", map[string]any{
		"approved": true,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var approval domain.Approval
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if approval.Status != domain.ApprovalApproved {
		t.Fatalf("approval status %s", approval.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/boards/"+srv.Board+"/tasks", nil, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "low confidence work" {
		t.Fatalf("tasks after approval: %+v", page.Items)
	}

	// resolving again is a no-op that reports the stored outcome
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+decision.ApprovalID+"/resolve", map[string]any{
		"approved": false,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second resolve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if approval.Status != domain.ApprovalApproved {
		t.Fatalf("second resolve flipped status to %s", approval.Status)
	}
}

func TestHighConfidenceProposalAdmitted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/actions", map[string]any{
		"agent_id":    srv.Lead,
		"action_type": "task.create",
		"confidence":  95,
		"payload":     map[string]any{"title": "confident work", "priority": "high"},
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admitted proposal status %d: %s", res.StatusCode, string(data))
	}
	var decision DecisionResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if !decision.Admitted || decision.Task == nil || decision.Task.Title != "confident work" {
		t.Fatalf("admitted decision %+v", decision)
	}

	// risky action types defer regardless of confidence
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/actions", map[string]any{
		"agent_id":    srv.Lead,
		"action_type": "external.call",
		"confidence":  100,
		"payload":     map[string]any{"url": "https://example.com"},
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("risky proposal status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/boards", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   srv.Owner,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != srv.Owner || me.Source != "jwt" {
		t.Fatalf("principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}
}

func TestMemberAccessEnforcedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/members", map[string]any{
		"email": "viewer@example.com",
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member status %d: %s", res.StatusCode, string(data))
	}
	var viewer domain.Member
	if err := json.Unmarshal(data, &viewer); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/tasks", map[string]any{
		"title": "not allowed",
	}, asActor(viewer.ID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("denied create status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("denied create code %s", code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/members/"+viewer.ID+"/grants/"+srv.Board, map[string]any{
		"can_read":  true,
		"can_write": true,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set grant status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/tasks", map[string]any{
		"title": "now allowed",
	}, asActor(viewer.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("granted create status %d: %s", res.StatusCode, string(data))
	}
}

func TestDelegateWithoutWorkersOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	board, err := srv.Engine.CreateBoard(ctx, "default-org", "bare", nil, srv.Owner)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	lead, err := srv.Engine.RegisterAgent(ctx, engine.AgentCreateOptions{BoardID: board.ID, Name: "solo", IsLead: true, ActorID: srv.Owner})
	if err != nil {
		t.Fatalf("register lead: %v", err)
	}
	task, err := srv.Engine.CreateTask(ctx, engine.TaskCreateOptions{BoardID: board.ID, Title: "waiting", ActorID: srv.Owner})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// low confidence defers behind an approval
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/delegate", map[string]any{
		"lead_id":    lead.ID,
		"confidence": 30,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("deferred delegate status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "approval_pending" {
		t.Fatalf("deferred delegate code %s", code)
	}

	// sufficient confidence auto-creates a worker and assigns in one call
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/delegate", map[string]any{
		"lead_id":    lead.ID,
		"confidence": 90,
	}, asActor(srv.Owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confident delegate status %d: %s", res.StatusCode, string(data))
	}
	var delegated domain.Task
	if err := json.Unmarshal(data, &delegated); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if delegated.AssignedAgentID == nil {
		t.Fatalf("auto-created worker should hold the task")
	}
	if delegated.Status != domain.TaskInbox {
		t.Fatalf("delegation moved the task to %s", delegated.Status)
	}
}

func TestApprovalListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for range [3]int{} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/actions", map[string]any{
			"agent_id":    srv.Lead,
			"action_type": "external.call",
			"confidence":  100,
		}, asActor(srv.Owner))
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("propose status %d: %s", res.StatusCode, string(data))
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for range [10]int{} {
		url := srv.URL + "/v0/approvals?board_id=" + srv.Board + "&limit=1"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, asActor(srv.Owner))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page struct {
			Items      []domain.Approval `json:"items"`
			NextCursor string            `json:"next_cursor"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("approval %s returned twice", item.ID)
			}
			seen[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("paged through %d approvals, want 3", len(seen))
	}
}

func TestTaskListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"a", "b", "c", "d", "e"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/"+srv.Board+"/tasks", map[string]any{
			"title": title,
		}, asActor(srv.Owner))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", title, res.StatusCode, string(data))
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for range [10]int{} {
		url := srv.URL + "/v0/boards/" + srv.Board + "/tasks?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, asActor(srv.Owner))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page struct {
			Items      []domain.Task `json:"items"`
			NextCursor string        `json:"next_cursor"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("task %s returned twice", item.ID)
			}
			seen[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("paged through %d tasks, want 5", len(seen))
	}
}
