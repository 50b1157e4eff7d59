package recovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ExecRequest is the body accepted by the exec agent's /run endpoint.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ExecResponse is the exec agent's reply.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// RemoteExecutor forwards commands to an exec agent over HTTP.
type RemoteExecutor struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewRemoteExecutor returns a RemoteExecutor targeting baseURL.
func NewRemoteExecutor(baseURL, secret string) *RemoteExecutor {
	return &RemoteExecutor{
		URL:    strings.TrimRight(baseURL, "/"),
		Secret: secret,
		Client: &http.Client{},
	}
}

// Run posts command to <URL>/run. The remaining context deadline is sent
// as the agent-side timeout.
func (e *RemoteExecutor) Run(ctx context.Context, command string) (string, error) {
	req := ExecRequest{Command: command}
	if dl, ok := ctx.Deadline(); ok {
		req.TimeoutSeconds = int(time.Until(dl).Seconds()) + 1
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.Secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.Secret)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("exec agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("exec agent: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("exec agent: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out ExecResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("exec agent: decode response: %w", err)
	}
	combined := out.Stdout + out.Stderr
	if out.ExitCode != 0 || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(out.Stderr)
		}
		return combined, fmt.Errorf("exit status %d: %s", out.ExitCode, msg)
	}
	return combined, nil
}
