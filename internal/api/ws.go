package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/eventbus"
	"github.com/traylinx/cloudrecovery/internal/logging"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	sendQueueLen = 256
)

// events streams every bus event to a WebSocket client. A client that
// cannot keep up loses frames rather than stalling the bus.
func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WithRequest(c).WithError(err).Warn("websocket upgrade failed")
		return
	}
	entry := logging.WithRequest(c)
	entry.Debug("event stream connected")

	send := make(chan []byte, sendQueueLen)
	push := func(ev eventbus.Event) {
		frame, err := json.Marshal(ev)
		if err != nil {
			log.WithError(err).WithField("type", ev.Type).Warn("failed to encode event")
			return
		}
		select {
		case send <- frame:
		default:
			entry.WithField("type", ev.Type).Debug("event stream client is slow, dropping frame")
		}
	}

	push(eventbus.New(eventbus.StateSnapshot, s.app.Orchestrator.State()))
	push(eventbus.New(eventbus.AutopilotState, s.app.Orchestrator.AutopilotStatus()))
	sub := s.app.Bus.Subscribe(eventbus.All, push)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Unsubscribe()
		conn.Close()
		entry.Debug("event stream disconnected")
	}()

	for {
		select {
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
