// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the engine over HTTP and a WebSocket event stream.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/traylinx/cloudrecovery/internal/app"
	"github.com/traylinx/cloudrecovery/internal/buildinfo"
	"github.com/traylinx/cloudrecovery/internal/config"
	"github.com/traylinx/cloudrecovery/internal/logging"
)

// Server owns the gin engine and its handlers.
type Server struct {
	app      *app.App
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router for a.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.engine.Use(logging.GinLogger(), gin.Recovery())
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.health)
	r.GET("/ws", s.events)

	api := r.Group("/api")

	api.GET("/tools", s.listTools)
	api.POST("/tools/:name", s.callTool)

	api.POST("/plan/execute", s.executePlan)

	api.POST("/autopilot/enable", s.enableAutopilot)
	api.POST("/autopilot/disable", s.disableAutopilot)
	api.GET("/autopilot/status", s.autopilotStatus)

	api.POST("/session/start", s.startSession)
	api.POST("/session/stop", s.stopSession)
	api.GET("/session/status", s.sessionStatus)
	api.GET("/session/state", s.sessionState)
	api.POST("/session/input", s.sessionInput)

	api.GET("/policy", s.describePolicy)
	api.GET("/audit/recent", s.recentAudit)

	rec := api.Group("/recovery")
	rec.GET("/plans", s.listPlans)
	rec.POST("/plans", s.createPlan)
	rec.GET("/plans/:id/results", s.planResults)
	rec.POST("/actions/:id/approve", s.approveAction)
	rec.POST("/actions/:id/reject", s.rejectAction)
	rec.GET("/emergency-stop", s.emergencyStopState)
	rec.POST("/emergency-stop", s.emergencyStop)
	rec.DELETE("/emergency-stop", s.clearEmergencyStop)

	mon := api.Group("/monitor")
	mon.GET("/stats", s.monitorStats)
	mon.GET("/:id", s.monitorSession)
	mon.POST("/:id/stop", s.monitorStop)

	agent := api.Group("/agent", s.agentAuth)
	agent.POST("/heartbeat", s.agentHeartbeat)
	agent.GET("/agents", s.listAgents)
	agent.POST("/evidence", s.agentEvidence)
	agent.GET("/evidence", s.recentEvidence)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	})
}

// agentAuth requires "Authorization: Bearer <agent token>". Without a
// configured token the agent endpoints are disabled.
func (s *Server) agentAuth(c *gin.Context) {
	want := s.app.Config().Agent.Token
	if want == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "agent token is not configured"})
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || !config.MatchSecret(want, strings.TrimSpace(got)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
		return
	}
	c.Next()
}
