package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/cloudrecovery/internal/app"
	"github.com/traylinx/cloudrecovery/internal/logging"
	"github.com/traylinx/cloudrecovery/internal/orchestrator"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/ptysession"
	"github.com/traylinx/cloudrecovery/internal/recovery"
	"github.com/traylinx/cloudrecovery/internal/redact"
	"github.com/traylinx/cloudrecovery/internal/signals"
	"github.com/traylinx/cloudrecovery/internal/tools"
)

// maxToolArgs bounds a tool call body.
const maxToolArgs = 1 << 20

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, recovery.ErrStateNotFound):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrPolicyViolation):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrExecActive), errors.Is(err, ptysession.ErrProcessLifecycle):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithRequest(c).WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// --- tools ---

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.app.Tools.List()})
}

func (s *Server) callTool(c *gin.Context) {
	name := c.Param("name")
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxToolArgs))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"tool": name, "ok": false, "error": err.Error()})
		return
	}
	out, err := s.app.Tools.Call(c.Request.Context(), name, raw)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"tool": name, "ok": false, "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

// --- plan ---

type planRequest struct {
	Steps []orchestrator.PlanStep `json:"steps"`
}

func (s *Server) executePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.app.Orchestrator.ExecutePlan(c.Request.Context(), req.Steps)
	if !res.OK {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- autopilot ---

func (s *Server) enableAutopilot(c *gin.Context) {
	if err := s.app.Orchestrator.EnableAutopilot(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.app.Orchestrator.AutopilotStatus())
}

func (s *Server) disableAutopilot(c *gin.Context) {
	if err := s.app.Orchestrator.DisableAutopilot(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.app.Orchestrator.AutopilotStatus())
}

func (s *Server) autopilotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Orchestrator.AutopilotStatus())
}

// --- session ---

func (s *Server) startSession(c *gin.Context) {
	err := s.app.Orchestrator.StartSession(context.WithoutCancel(c.Request.Context()))
	if err != nil && !errors.Is(err, ptysession.ErrAlreadyRunning) {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"already_running": err != nil,
		"status":          s.app.Orchestrator.SessionStatus(),
	})
}

func (s *Server) stopSession(c *gin.Context) {
	if err := s.app.Orchestrator.StopSession(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) sessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Orchestrator.SessionStatus())
}

func (s *Server) sessionState(c *gin.Context) {
	tail, _ := strconv.Atoi(c.DefaultQuery("tail_chars", "6000"))
	c.JSON(http.StatusOK, gin.H{
		"state": s.app.Orchestrator.State(),
		"tail":  s.app.Orchestrator.ReadTail(tail, true),
	})
}

type inputRequest struct {
	Input         string `json:"input"`
	AppendNewline *bool  `json:"append_newline"`
}

func (s *Server) sessionInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	nl := req.AppendNewline == nil || *req.AppendNewline
	d, err := s.app.Orchestrator.SendManual(req.Input, nl)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"sent": false, "error": err.Error(), "decision": d})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true, "normalized_input": d.Normalized})
}

// --- policy & audit ---

func (s *Server) describePolicy(c *gin.Context) {
	c.JSON(http.StatusOK, policy.Describe(s.app.Orchestrator.InputPolicy(), s.app.Safety))
}

func (s *Server) recentAudit(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"entries": s.app.Audit.Recent(n)})
}

// --- recovery ---

func (s *Server) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"plans":          s.app.Engine.ActivePlans(),
		"pending":        s.app.Engine.PendingApprovals(),
		"emergency_stop": s.app.Engine.EmergencyStopState(),
	})
}

type createPlanRequest struct {
	Evidence   signals.Evidence `json:"evidence"`
	ApprovedBy string           `json:"approved_by"`
	Priority   string           `json:"priority"`
}

func (s *Server) createPlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Evidence.Normalize()
	started, err := s.app.StartRecovery(c.Request.Context(), req.Evidence, req.ApprovedBy, req.Priority)
	if errors.Is(err, app.ErrNoPlan) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, started)
}

func (s *Server) planResults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": s.app.Engine.Results(c.Param("id"))})
}

type approvalRequest struct {
	Approver string `json:"approver" binding:"required"`
}

func (s *Server) approveAction(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Approved actions keep running if the client goes away.
	results, err := s.app.Engine.Approve(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.Approver)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) rejectAction(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := s.app.Engine.Reject(c.Param("id"), req.Approver)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type stopRequest struct {
	Actor     string `json:"actor" binding:"required"`
	Reason    string `json:"reason"`
	MonitorID string `json:"monitor_id"`
}

func (s *Server) emergencyStopState(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Engine.EmergencyStopState())
}

func (s *Server) emergencyStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.app.EmergencyStop(req.MonitorID, req.Actor, req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.app.Engine.EmergencyStopState())
}

func (s *Server) clearEmergencyStop(c *gin.Context) {
	actor := c.Query("actor")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}
	s.app.Engine.ClearEmergencyStop(actor)
	c.JSON(http.StatusOK, s.app.Engine.EmergencyStopState())
}

// --- monitoring ---

func monitorToken(c *gin.Context) string {
	if t := c.GetHeader("X-Monitor-Token"); t != "" {
		return t
	}
	return c.Query("token")
}

func (s *Server) monitorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Monitoring.Stats())
}

func (s *Server) monitorSession(c *gin.Context) {
	sess, err := s.app.Monitoring.Authenticate(c.Param("id"), monitorToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":        sess,
		"results":        s.app.Engine.Results(sess.PlanID),
		"emergency_stop": s.app.Engine.EmergencyStopState(),
	})
}

func (s *Server) monitorStop(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.app.Monitoring.Authenticate(id, monitorToken(c)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.app.EmergencyStop(id, req.Actor, req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	sess, _ := s.app.Monitoring.Get(id)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// --- agent ---

func (s *Server) agentHeartbeat(c *gin.Context) {
	var hb signals.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.app.Agents.Beat(hb))
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.app.Agents.List()})
}

func (s *Server) agentEvidence(c *gin.Context) {
	var ev signals.Evidence
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev.Message = redact.String(ev.Message)
	res, err := s.app.IngestEvidence(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) recentEvidence(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	c.JSON(http.StatusOK, gin.H{"evidence": s.app.Evidence.Tail(n)})
}
