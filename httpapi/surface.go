package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/router"
	"github.com/go-chi/chi/v5"
)

type surfaceTokenKey struct{}

// surfaceAuth requires a token scoped to the {requestID} in the path, taken
// from the Authorization header or the token query parameter.
func (s *Server) surfaceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "requestID")
		tok, ok := bearer(r)
		if !ok {
			tok = r.URL.Query().Get("token")
		}
		if err := s.surfaces.Verify(id, tok); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid surface token")
			s.log.InfoContext(r.Context(), "surface.auth.fail", slog.String("err", err.Error()))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), surfaceTokenKey{}, tok)))
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	p, ok := s.approvals.Get(chi.URLParam(r, "requestID"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such pending request")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	body := s.handler.Handle(r.Context(), router.Sender{Kind: router.Surface}, &protocol.Message{
		Type:      protocol.PendingPayloadGetType,
		RequestID: chi.URLParam(r, "requestID"),
	})
	writeJSON(w, http.StatusOK, body)
}

type decisionBody struct {
	Decision protocol.Decision `json:"decision"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if !s.negotiateJSON(w, r) {
		return
	}
	var body decisionBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res := s.handler.Handle(r.Context(), router.Sender{Kind: router.Surface}, &protocol.Message{
		Type:      protocol.ApprovalDecisionType,
		RequestID: chi.URLParam(r, "requestID"),
		Decision:  body.Decision,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleLive holds the surface's liveness socket. Its closure, for any
// reason, destroys the surface.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	tok, _ := r.Context().Value(surfaceTokenKey{}).(string)

	release, err := s.surfaces.Attach(id, tok)
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	defer release(context.WithoutCancel(r.Context()))

	// The token, not the page origin, authenticates the surface.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.InfoContext(r.Context(), "surface.accept.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Surfaces never send on this socket; reading only detects closure.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	s.log.DebugContext(r.Context(), "surface.live.closed", slog.String("request_id", id))
}
