package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signal-router/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// websocket streams order updates, fills and failures to operator dashboards.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	updates, unsubUpdates := s.Bus.Subscribe(events.EventOrderUpdate, 100)
	defer unsubUpdates()
	fills, unsubFills := s.Bus.Subscribe(events.EventTradeExecuted, 100)
	defer unsubFills()
	failures, unsubFailures := s.Bus.Subscribe(events.EventOrderFailed, 100)
	defer unsubFailures()

	for {
		var env wsEnvelope
		var ok bool
		select {
		case env.Payload, ok = <-updates:
			env.Event = string(events.EventOrderUpdate)
		case env.Payload, ok = <-fills:
			env.Event = string(events.EventTradeExecuted)
		case env.Payload, ok = <-failures:
			env.Event = string(events.EventOrderFailed)
		case <-c.Request.Context().Done():
			return
		}
		if !ok {
			return
		}
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
