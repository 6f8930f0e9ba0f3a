package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/router"
)

// BridgeRequest is a page bridge frame from the page.
type BridgeRequest struct {
	ID      string           `json:"id"`
	Message protocol.Message `json:"message"`
}

// BridgeResponse answers the BridgeRequest with the same ID.
type BridgeResponse struct {
	ID   string `json:"id"`
	Body any    `json:"body"`
}

// handleBridge serves a websocket page bridge. The handshake Origin header is
// the caller's origin for every request on the connection.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		writeJSONError(w, http.StatusForbidden, "origin required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.bridgeOrigins})
	if err != nil {
		s.log.InfoContext(r.Context(), "bridge.accept.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The request context ends with the handler; pending approvals for this
	// page are abandoned when the socket goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	from := router.Sender{Kind: router.Page, URL: origin}
	s.log.DebugContext(ctx, "bridge.open", slog.String("origin", origin))

	var (
		wg  sync.WaitGroup
		wmu sync.Mutex
	)
	defer wg.Wait()

	for {
		var req BridgeRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			cancel()
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.log.DebugContext(ctx, "bridge.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			body := s.handler.Handle(ctx, from, &req.Message)
			wmu.Lock()
			defer wmu.Unlock()
			if err := wsjson.Write(ctx, conn, BridgeResponse{ID: req.ID, Body: body}); err != nil {
				s.log.DebugContext(ctx, "bridge.write.fail", slog.String("err", err.Error()))
			}
		}()
	}
}
