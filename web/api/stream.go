package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// StreamMessage is one frame of the log stream. The first frame carries the
// log written so far, later frames carry live chunks, and the last frame
// tells the client the task finished.
type StreamMessage struct {
	Type  string           `json:"type"` // backlog, chunk or end
	Text  string           `json:"text,omitempty"`
	Chunk *domain.LogChunk `json:"chunk,omitempty"`
}

// streamLogsHandler upgrades to a websocket and follows the task's log
func (s *Server) streamLogsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.orch.Task(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Subscribe before reading the backlog so nothing falls in between
	var chunks <-chan domain.LogChunk
	unsubscribe := func() {}
	if !task.Status.IsTerminal() {
		chunks, unsubscribe = s.orch.SubscribeLogs(id)
	}
	defer unsubscribe()

	// Chunks below next are already in the backlog
	backlog, next, err := s.orch.LogBacklog(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("websocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only serve to notice a closed connection and handle pongs
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg StreamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	if !send(StreamMessage{Type: "backlog", Text: string(backlog)}) {
		return
	}
	if chunks == nil {
		send(StreamMessage{Type: "end"})
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				send(StreamMessage{Type: "end"})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"),
					time.Now().Add(streamWriteWait))
				return
			}
			if chunk.Sequence < next {
				continue
			}
			c := chunk
			if !send(StreamMessage{Type: "chunk", Chunk: &c}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
