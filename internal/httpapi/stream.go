package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes queue, conflict and webhook events for one workspace
// over a websocket until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "workspace_id", workspaceID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	events, cancel := s.svc.Events().Subscribe(workspaceID, 0)
	defer cancel()

	depth, err := s.svc.QueueDepth(ctx, workspaceID)
	if err == nil {
		err = writeStream(ctx, conn, map[string]any{"kind": "snapshot", "workspaceId": workspaceID, "depth": depth})
	}
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeStream(ctx, conn, event); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", "workspace_id", workspaceID, "error", err)
				}
				return
			}
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
