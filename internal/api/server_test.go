package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/cloudrecovery/internal/app"
	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/config"
)

type recordingExec struct {
	mu  sync.Mutex
	ran []string
}

func (e *recordingExec) Run(_ context.Context, command string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ran = append(e.ran, command)
	return "ok", nil
}

func (e *recordingExec) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *app.App, *recordingExec) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Session.Command = "cat"
	cfg.Policy.StrictMode = false
	cfg.Agent.Token = "agent-secret"
	cfg.Autopilot.StepDelayMs = 10
	if mutate != nil {
		mutate(cfg)
	}

	auditLog, err := audit.NewLogger(audit.Config{})
	require.NoError(t, err)
	exec := &recordingExec{}
	a, err := app.New(context.Background(), cfg, app.Options{Audit: auditLog, Executor: exec})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return NewServer(a), a, exec
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTools_ListAndCall(t *testing.T) {
	s, _, exec := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	names := gjson.Get(w.Body.String(), "tools.#.name").Array()
	assert.Greater(t, len(names), 10)

	w = do(t, s, http.MethodPost, "/api/tools/host.health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "ok").Bool())
	assert.Equal(t, "uptime", gjson.Get(w.Body.String(), "result.command").String())
	assert.Equal(t, []string{"uptime"}, exec.commands())

	w = do(t, s, http.MethodPost, "/api/tools/nope", "{}")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "ok").Bool())

	w = do(t, s, http.MethodPost, "/api/tools/ocp.get_pods", `{"namespace": 7}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlanExecute_RejectsBeforeSession(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	steps := make([]string, 16)
	for i := range steps {
		steps[i] = `{"command": "ls"}`
	}
	w := do(t, s, http.MethodPost, "/api/plan/execute", `{"steps": [`+strings.Join(steps, ",")+`]}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, int64(-1), gjson.Get(w.Body.String(), "failed_index").Int())

	w = do(t, s, http.MethodPost, "/api/plan/execute", `{"steps": [{"command": "ls"}, {"command": "rm -rf /"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "failed_index").Int())

	w = do(t, s, http.MethodPost, "/api/plan/execute", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSession_StartInputStop(t *testing.T) {
	requireBash(t)
	s, a, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "status.running").Bool())

	w = do(t, s, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "already_running").Bool())

	w = do(t, s, http.MethodPost, "/api/session/input", `{"input": "hello-api"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello-api", gjson.Get(w.Body.String(), "normalized_input").String())

	assert.Eventually(t, func() bool {
		return strings.Contains(a.Orchestrator.ReadTail(4000, false), "hello-api")
	}, 3*time.Second, 20*time.Millisecond)

	w = do(t, s, http.MethodPost, "/api/session/input", `{"input": "rm -rf /"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "decision.allowed").Bool())

	w = do(t, s, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/session/input", `{"input": "y"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAutopilot_EnableDisable(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/autopilot/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "enabled").Bool())

	w = do(t, s, http.MethodPost, "/api/autopilot/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())

	w = do(t, s, http.MethodGet, "/api/autopilot/status", "")
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())
}

const postgresEvidence = `{"evidence": {"source": "agent", "kind": "alert", "severity": "critical", "message": "postgres connection refused"}}`

func TestRecovery_PlanApprovalAndMonitoring(t *testing.T) {
	s, a, exec := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/recovery/plans", postgresEvidence)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := w.Body.String()
	planID := gjson.Get(body, "plan.plan_id").String()
	monitorID := gjson.Get(body, "monitoring.session.session_id").String()
	token := gjson.Get(body, "monitoring.token").String()
	require.NotEmpty(t, planID)
	require.NotEmpty(t, token)
	assert.Contains(t, gjson.Get(body, "monitoring.url").String(), "/monitor/"+monitorID+"?token=")

	var actionID string
	require.Eventually(t, func() bool {
		for id := range a.Engine.PendingApprovals() {
			actionID = id
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, exec.commands(), 3, "inspection steps run before the gated restart")

	w = do(t, s, http.MethodGet, "/api/monitor/"+monitorID, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/monitor/"+monitorID+"?token="+token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, planID, gjson.Get(w.Body.String(), "session.plan_id").String())
	assert.Equal(t, "waiting_approval", gjson.Get(w.Body.String(), "results.3.status").String())

	w = do(t, s, http.MethodPost, "/api/recovery/actions/"+actionID+"/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "approver is required")

	w = do(t, s, http.MethodPost, "/api/recovery/actions/"+actionID+"/approve", `{"approver": "alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approved", gjson.Get(w.Body.String(), "results.0.status").String())
	assert.Equal(t, "systemctl restart postgresql", exec.commands()[3])

	w = do(t, s, http.MethodPost, "/api/recovery/actions/"+actionID+"/reject", `{"approver": "bob"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/monitor/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "total_sessions").Int())
}

func TestRecovery_NoMatchingPlan(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/api/recovery/plans", `{"evidence": {"message": "disk almost full"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEmergencyStop_BlocksAndClears(t *testing.T) {
	s, a, exec := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/recovery/emergency-stop", `{"reason": "drill"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "actor is required")

	w = do(t, s, http.MethodPost, "/api/recovery/emergency-stop", `{"actor": "ops", "reason": "drill"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "active").Bool())
	assert.False(t, a.Orchestrator.AutopilotStatus().Enabled)

	w = do(t, s, http.MethodPost, "/api/tools/host.health", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, exec.commands())

	w = do(t, s, http.MethodDelete, "/api/recovery/emergency-stop", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/api/recovery/emergency-stop?actor=ops", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "active").Bool())
}

func TestMonitorStop(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/recovery/plans", postgresEvidence)
	require.Equal(t, http.StatusAccepted, w.Code)
	monitorID := gjson.Get(w.Body.String(), "monitoring.session.session_id").String()
	token := gjson.Get(w.Body.String(), "monitoring.token").String()

	w = do(t, s, http.MethodPost, "/api/monitor/"+monitorID+"/stop", `{"actor": "viewer"}`, "X-Monitor-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/api/monitor/"+monitorID+"/stop", `{"actor": "viewer", "reason": "looks wrong"}`, "X-Monitor-Token", token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "session.emergency_stopped").Bool())
	assert.Equal(t, "viewer", gjson.Get(w.Body.String(), "session.stopped_by").String())
}

func TestAgent_AuthAndIngest(t *testing.T) {
	s, a, _ := newTestServer(t, func(c *config.Config) { c.Agent.AutoPlan = true })

	w := do(t, s, http.MethodPost, "/api/agent/heartbeat", `{"agent_id": "n1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/api/agent/heartbeat", `{"agent_id": "n1"}`, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := []string{"Authorization", "Bearer agent-secret"}
	w = do(t, s, http.MethodPost, "/api/agent/heartbeat", `{"hostname": "h"}`, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code, "agent_id is required")

	w = do(t, s, http.MethodPost, "/api/agent/heartbeat", `{"agent_id": "n1", "hostname": "h"}`, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", gjson.Get(w.Body.String(), "status").String())

	w = do(t, s, http.MethodGet, "/api/agent/agents", "", auth...)
	assert.Equal(t, "n1", gjson.Get(w.Body.String(), "agents.0.agent_id").String())

	w = do(t, s, http.MethodPost, "/api/agent/evidence", `{"source": "agent", "kind": "log", "severity": "info", "message": "api_key=sk-123456 rotated"}`, auth...)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-123456")
	assert.False(t, gjson.Get(w.Body.String(), "recovery").Exists())

	w = do(t, s, http.MethodPost, "/api/agent/evidence", `{"source": "agent", "kind": "alert", "severity": "critical", "message": "postgres is down"}`, auth...)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "postgresql", gjson.Get(w.Body.String(), "recovery.plan.service_type").String())
	assert.Equal(t, 1, a.Monitoring.Stats().TotalSessions)

	w = do(t, s, http.MethodGet, "/api/agent/evidence?limit=10", "", auth...)
	assert.Len(t, gjson.Get(w.Body.String(), "evidence").Array(), 2)
}

func TestAgent_DisabledWithoutToken(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) { c.Agent.Token = "" })
	w := do(t, s, http.MethodPost, "/api/agent/heartbeat", `{"agent_id": "n1"}`, "Authorization", "Bearer x")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPolicyAndAudit(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "medium", gjson.Get(w.Body.String(), "command.max_safety_level").String())

	do(t, s, http.MethodPost, "/api/autopilot/enable", "")
	w = do(t, s, http.MethodGet, "/api/audit/recent?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "entries").Array())
}

func TestEventStream(t *testing.T) {
	s, a, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var types []string
	for len(types) < 2 {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		types = append(types, gjson.GetBytes(frame, "type").String())
	}
	assert.Equal(t, []string{"state_snapshot", "autopilot_status"}, types)

	a.Bus.Emit("error_event", map[string]string{"error": "boom"})
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		if gjson.GetBytes(frame, "type").String() == "error_event" {
			assert.Equal(t, "boom", gjson.GetBytes(frame, "data.error").String())
			return
		}
	}
}
