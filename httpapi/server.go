// Package httpapi exposes bunkergate over HTTP: a management endpoint, a
// websocket page bridge, the approval surface endpoints and the message
// schemas.
package httpapi

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/bunkergate/approval"
	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	maxBodyBytes        = 1 << 20
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

//go:embed static
var staticFS embed.FS

// Handler routes messages.
type Handler interface {
	Handle(ctx context.Context, from router.Sender, msg *protocol.Message) any
}

// Approvals looks up pending requests for the surface.
type Approvals interface {
	Get(requestID string) (approval.Pending, bool)
}

// Surfaces authenticates approval surfaces and tracks their liveness.
type Surfaces interface {
	Verify(requestID, tok string) error
	Attach(requestID, tok string) (release func(ctx context.Context), err error)
}

// Server is the HTTP API. It implements http.Handler.
type Server struct {
	handler   Handler
	approvals Approvals
	surfaces  Surfaces

	managementToken string
	bridgeOrigins   []string
	log             *slog.Logger

	mux chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithManagementToken sets the bearer token required on /v1/messages. With
// no token the management endpoint rejects every request.
func WithManagementToken(tok string) Option {
	return func(s *Server) { s.managementToken = tok }
}

// WithBridgeOrigins sets the origin patterns (for example "*.example.com")
// allowed to open the page bridge.
func WithBridgeOrigins(patterns ...string) Option {
	return func(s *Server) { s.bridgeOrigins = append(s.bridgeOrigins, patterns...) }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds the Server.
func New(h Handler, approvals Approvals, surfaces Surfaces, opts ...Option) *Server {
	s := &Server{
		handler:   h,
		approvals: approvals,
		surfaces:  surfaces,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestData)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	static, _ := fs.Sub(staticFS, "static")
	r.Get("/approve", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, static, "approve.html")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/schema", s.handleSchema)
		r.Post("/messages", s.handleMessages)
		r.Get("/bridge", s.handleBridge)
		r.Route("/approvals/{requestID}", func(r chi.Router) {
			r.Use(s.surfaceAuth)
			r.Get("/", s.handleApproval)
			r.Get("/payload", s.handlePayload)
			r.Post("/decision", s.handleDecision)
			r.Get("/live", s.handleLive)
		})
	})

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) requestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Schemas())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.checkManagementToken(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bunkergate"`)
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid management token")
		s.log.InfoContext(ctx, "http.auth.fail")
		return
	}
	if !s.negotiateJSON(w, r) {
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		s.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.handler.Handle(ctx, router.Sender{Kind: router.Manager}, &msg))
}

// negotiateJSON enforces a JSON request body and a JSON-acceptable response.
func (s *Server) negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		s.log.WarnContext(r.Context(), "content_type.unsupported")
		return false
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "response is only available as application/json")
		s.log.WarnContext(r.Context(), "accept.unsupported")
		return false
	}
	return true
}

func (s *Server) checkManagementToken(r *http.Request) bool {
	if s.managementToken == "" {
		return false
	}
	tok, ok := bearer(r)
	return ok && subtle.ConstantTimeCompare([]byte(tok), []byte(s.managementToken)) == 1
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get(authorizationHeader)
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	return tok, tok != ""
}

// writeJSONError emits {"error": msg}, the same shape routed failures use.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
