package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/recovery"
)

type fakeExec struct {
	mu      sync.Mutex
	ran     []string
	out     string
	err     error
	timeout time.Duration
}

func (f *fakeExec) Run(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	if dl, ok := ctx.Deadline(); ok {
		f.timeout = time.Until(dl)
	}
	return f.out, f.err
}

func newTestAgent(t *testing.T) (*agent, *fakeExec) {
	t.Helper()
	sp, err := policy.NewSafetyPolicy(policy.DefaultSafetyOptions(), &policy.EmergencyStop{})
	require.NoError(t, err)
	fx := &fakeExec{out: "active (running)"}
	return &agent{safety: sp, exec: fx, timeout: time.Minute}, fx
}

func post(t *testing.T, a *agent, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.handleRun(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	handler := authMiddleware("test-secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusForbidden},
		{"basic scheme", "Basic test-secret", http.StatusForbidden},
		{"raw secret", "test-secret", http.StatusForbidden},
		{"valid", "Bearer test-secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleRun_ExecutesAllowedCommand(t *testing.T) {
	a, fx := newTestAgent(t)

	w := post(t, a, `{"command": "systemctl status nginx", "timeout_seconds": 5}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp recovery.ExecResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "active (running)", resp.Stdout)
	assert.Zero(t, resp.ExitCode)
	assert.Equal(t, []string{"systemctl status nginx"}, fx.ran)
	assert.LessOrEqual(t, fx.timeout, 5*time.Second)
}

func TestHandleRun_ReportsFailure(t *testing.T) {
	a, fx := newTestAgent(t)
	fx.err = context.DeadlineExceeded

	w := post(t, a, `{"command": "uptime"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp recovery.ExecResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 124, resp.ExitCode)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleRun_RejectsBadRequests(t *testing.T) {
	a, fx := newTestAgent(t)

	assert.Equal(t, http.StatusBadRequest, post(t, a, `{`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, a, `{"command": "  "}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()
	a.handleRun(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, fx.ran)
}

func TestHandleRun_EmergencyStopBlocks(t *testing.T) {
	a, fx := newTestAgent(t)
	a.safety.EmergencyStop().Activate("ops", "drill")

	w := post(t, a, `{"command": "uptime"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "emergency_stop")
	assert.Empty(t, fx.ran)
}

// Destructive commands never reach the executor, whatever surrounds them.
func TestProperty_DestructiveCommandsBlocked(t *testing.T) {
	a, fx := newTestAgent(t)
	properties := gopter.NewProperties(nil)

	destructive := []string{"rm -rf /", "mkfs.ext4 /dev/sda1", "dd if=/dev/zero of=/dev/sda", "shutdown -h now"}
	properties.Property("destructive commands return 403", prop.ForAll(
		func(prefix, cmd string) bool {
			body, _ := json.Marshal(recovery.ExecRequest{Command: prefix + " && " + cmd})
			w := post(t, a, string(body))
			return w.Code == http.StatusForbidden
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.OneConstOf(destructive[0], destructive[1], destructive[2], destructive[3]),
	))

	properties.TestingRun(t)
	assert.Empty(t, fx.ran)
}

func TestProperty_InvalidTokenRejection(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("requests with invalid tokens return 403", prop.ForAll(
		func(token string) bool {
			if token == "correct-secret" {
				return true
			}
			handler := authMiddleware("correct-secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			return w.Code == http.StatusForbidden
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestRemoteExecutorRoundTrip(t *testing.T) {
	a, fx := newTestAgent(t)
	srv := httptest.NewServer(authMiddleware("s3cret", http.HandlerFunc(a.handleRun)))
	defer srv.Close()

	out, err := recovery.NewRemoteExecutor(srv.URL, "s3cret").Run(context.Background(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, "active (running)", out)
	assert.Equal(t, []string{"uptime"}, fx.ran)

	_, err = recovery.NewRemoteExecutor(srv.URL, "s3cret").Run(context.Background(), "rm -rf /")
	assert.Error(t, err)
}
