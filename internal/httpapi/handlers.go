package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evidentia-ai/evidentia/internal/answer"
	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
	"github.com/evidentia-ai/evidentia/internal/service"
	"github.com/evidentia-ai/evidentia/internal/session"
	"github.com/evidentia-ai/evidentia/pkg/version"
)

type sessionResponse struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	RemainingTime  float64   `json:"remaining_time"` // seconds
	TimeoutMinutes int       `json:"timeout_minutes"`
	HistoryLength  int       `json:"history_length"`
	ClarifyCount   int       `json:"clarify_count"`
}

func (s *Server) sessionResponse(sess *session.Session) sessionResponse {
	timeout := s.svc.SessionTimeout()
	remaining := time.Until(sess.LastActivity.Add(timeout))
	if remaining < 0 {
		remaining = 0
	}
	return sessionResponse{
		SessionID:      sess.ID,
		CreatedAt:      sess.CreatedAt,
		LastActivity:   sess.LastActivity,
		RemainingTime:  remaining.Seconds(),
		TimeoutMinutes: int(timeout.Minutes()),
		HistoryLength:  len(sess.History),
		ClarifyCount:   sess.ClarifyCount,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.svc.CreateSession(nil)
	writeJSON(w, http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	remaining, err := s.svc.ExtendSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "session extended",
		"remaining_time": remaining.Seconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	// Ending is idempotent: deleting an unknown or already-expired
	// session succeeds too.
	s.svc.EndSession(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]any{"message": "session ended"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.svc.ListSessions()
	sessions := make([]sessionResponse, 0, len(live))
	for _, sess := range live {
		sessions = append(sessions, s.sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// ConversationHistory seeds a brand-new session when no
	// session_id is supplied; it is ignored otherwise.
	ConversationHistory []chatTurn `json:"conversation_history,omitempty"`
	// Filters restricts retrieval to documents matching every
	// supplied predicate (kind, products, categories).
	Filters retrieval.Filters `json:"filters,omitempty"`
}

type chatMetrics struct {
	Faithfulness  *float64 `json:"faithfulness"` // null = n/a
	Completeness  *float64 `json:"completeness"` // null = n/a
	TopSimilarity float64  `json:"top_similarity"`
	RouteReason   string   `json:"route_reason"`
}

type chatResponse struct {
	SessionID          string           `json:"session_id"`
	Answer             string           `json:"answer"`
	AnswerType         answer.Kind      `json:"answer_type"`
	Abstained          bool             `json:"abstained"`
	ClarifyingQuestion string           `json:"clarifying_question,omitempty"`
	GeneratedBy        string           `json:"generated_by"`
	Sources            []service.Source `json:"sources"`
	Metrics            chatMetrics      `json:"metrics"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, everrors.ErrCodeInvalidRequest, "message must not be empty")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sess := s.svc.CreateSession(seedTurns(req.ConversationHistory))
		sessionID = sess.ID
	}

	result, err := s.svc.Ask(r.Context(), sessionID, req.Message, req.Filters)
	if err != nil {
		// A vanished session reads as 410 Gone here: the ID was
		// valid once and the client should start a new session.
		s.writeServiceError(w, err, true)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:          result.SessionID,
		Answer:             result.Artifact.Answer,
		AnswerType:         result.Artifact.Kind,
		Abstained:          result.Artifact.Abstained,
		ClarifyingQuestion: result.Artifact.Clarification,
		GeneratedBy:        result.Artifact.GeneratedBy,
		Sources:            result.Sources,
		Metrics: chatMetrics{
			Faithfulness:  result.Artifact.Faithfulness,
			Completeness:  result.Artifact.Completeness,
			TopSimilarity: result.TopSimilarity,
			RouteReason:   result.RouteReason,
		},
	})
}

func seedTurns(history []chatTurn) []session.Turn {
	if len(history) == 0 {
		return nil
	}
	turns := make([]session.Turn, 0, len(history))
	for _, t := range history {
		role := session.RoleUser
		if t.Role == session.RoleAssistant {
			role = session.RoleAssistant
		}
		turns = append(turns, session.Turn{Role: role, Content: t.Content})
	}
	return turns
}

func (s *Server) handleGetChatConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ChatConfig())
}

func (s *Server) handleUpdateChatConfig(w http.ResponseWriter, r *http.Request) {
	// Start from the active config so partial updates keep the rest.
	cfg := s.svc.ChatConfig()
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := s.svc.UpdateChatConfig(cfg); err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "chat config updated",
		"config":  cfg,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Metrics())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "evidentia",
		"version": version.Short(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"documents": stats.Documents,
		"chunks":    stats.Chunks,
		"vectors":   stats.Vectors,
	})
}
