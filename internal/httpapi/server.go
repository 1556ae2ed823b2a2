// Package httpapi exposes the service over HTTP: session lifecycle,
// the chat endpoint, runtime chat configuration, and health.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/service"
)

// Server is the HTTP facade over the service.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mux    chi.Router
}

// NewServer builds the routed handler.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/extend", s.handleExtendSession)
			r.Delete("/", s.handleEndSession)
		})
	})

	r.Post("/chat", s.handleChat)
	r.Get("/chat-config", s.handleGetChatConfig)
	r.Post("/chat-config", s.handleUpdateChatConfig)

	s.mux = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeServiceError maps an error from the service to an HTTP status.
// goneOnNotFound selects 410 instead of 404 for missing sessions; the
// chat endpoint uses it so clients can tell "expired" from "bad path".
func (s *Server) writeServiceError(w http.ResponseWriter, err error, goneOnNotFound bool) {
	code := everrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case everrors.ErrCodeSessionNotFound:
		status = http.StatusNotFound
		if goneOnNotFound {
			status = http.StatusGone
		}
	case everrors.ErrCodeInvalidRequest, everrors.ErrCodeConfigInvalid:
		status = http.StatusBadRequest
	case everrors.ErrCodeRetrievalBackend, everrors.ErrCodeGenerationBackend,
		everrors.ErrCodeResponseMalformed, everrors.ErrCodeIndexCorrupt:
		status = http.StatusBadGateway
	case everrors.ErrCodeLLMTimeout, everrors.ErrCodeDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		s.logger.Error("request_failed", slog.String("code", code), slog.String("error", err.Error()))
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, everrors.ErrCodeInvalidRequest, "request body is not valid JSON")
		return false
	}
	return true
}
