package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/progress"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler serves live progress streams over WebSocket
type WSHandler struct {
	store  *store.Store
	hub    *progress.Hub
	logger logger.Logger
}

// NewWSHandler creates a WebSocket handler
func NewWSHandler(st *store.Store, hub *progress.Hub, log logger.Logger) *WSHandler {
	return &WSHandler{store: st, hub: hub, logger: log}
}

// RegisterRoutes registers the WebSocket endpoints
func (h *WSHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/jobs/{id}", h.StreamJob)
	router.HandleFunc("/ws/workflows/{id}", h.StreamWorkflow)
}

// StreamJob streams one job's progress: current snapshot first, then live
// updates until the client disconnects.
func (h *WSHandler) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if _, err := h.store.GetJob(jobID); err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	sub := h.hub.SubscribeJob(jobID)
	defer h.hub.UnsubscribeJob(jobID, sub)
	h.stream(conn, sub)
}

// StreamWorkflow streams one workflow's aggregate progress
func (h *WSHandler) StreamWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["id"]
	if _, err := h.store.GetWorkflow(workflowID); err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "workflow_id", workflowID, "error", err)
		return
	}

	sub := h.hub.SubscribeWorkflow(workflowID)
	defer h.hub.UnsubscribeWorkflow(workflowID, sub)
	h.stream(conn, sub)
}

// stream pumps subscriber updates to the connection. Incoming frames are
// read and discarded; clients send them only to keep the connection alive.
func (h *WSHandler) stream(conn *websocket.Conn, sub *progress.Subscriber) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.Updates():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
